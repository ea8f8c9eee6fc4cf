// Package symtab builds a process-address symbol index from the ELF
// files backing a traced process's mappings, so that breakpoints can be
// resolved by function name and addresses seen on the stack can be
// attributed to a function and offset.
package symtab

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/mkimball-labs/heaptrace/pkg/procmap"
	"github.com/sirupsen/logrus"
)

// Symbol is one function symbol rebased into a traced process's address
// space.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// Index resolves function names and addresses against the symbols found
// across every file-backed mapping of a process.
type Index struct {
	byName map[string][]Symbol
	byAddr []Symbol // sorted ascending by Address, for enclosing lookups
}

// rawSymbol is a symbol as read from the ELF file, before rebasing:
// Value is its link-time virtual address.
type rawSymbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// loadSegment is a PT_LOAD program header, used to translate a link-time
// vaddr to a file offset.
type loadSegment struct {
	Vaddr  uint64
	Off    uint64
	Filesz uint64
}

type fileSymbols struct {
	raw      []rawSymbol
	segments []loadSegment
}

// Build scans every file-backed entry of m, extracts each backing
// file's ELF symbol tables (both the static and the dynamic symtab) once,
// and rebases each symbol's link-time address into process address
// space for every mapping entry backed by that file.
func Build(m *procmap.Map) (*Index, error) {
	idx := &Index{byName: make(map[string][]Symbol)}

	cache := make(map[string]fileSymbols)
	for _, entry := range m.Entries {
		if entry.Filename == "" {
			continue
		}

		fs, ok := cache[entry.Filename]
		if !ok {
			var err error
			fs, err = loadFileSymbols(entry.Filename)
			if err != nil {
				logrus.WithError(err).WithField("file", entry.Filename).
					Debug("symtab: skipping unreadable mapping")
				cache[entry.Filename] = fileSymbols{}
				continue
			}
			cache[entry.Filename] = fs
		}

		idx.rebaseInto(fs, entry)
	}

	sort.Slice(idx.byAddr, func(i, j int) bool { return idx.byAddr[i].Address < idx.byAddr[j].Address })
	return idx, nil
}

func loadFileSymbols(path string) (fileSymbols, error) {
	f, err := elf.Open(path)
	if err != nil {
		return fileSymbols{}, fmt.Errorf("symtab: open %q: %w", path, err)
	}
	defer f.Close()

	var segments []loadSegment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segments = append(segments, loadSegment{Vaddr: prog.Vaddr, Off: prog.Off, Filesz: prog.Filesz})
	}

	var raw []rawSymbol
	if syms, err := f.Symbols(); err == nil {
		raw = append(raw, toRaw(syms)...)
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		raw = append(raw, toRaw(dynsyms)...)
	}

	return fileSymbols{raw: raw, segments: segments}, nil
}

func toRaw(syms []elf.Symbol) []rawSymbol {
	out := make([]rawSymbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" || s.Value == 0 {
			continue
		}
		out = append(out, rawSymbol{Name: s.Name, Value: s.Value, Size: s.Size})
	}
	return out
}

// rebaseInto folds fs's symbols into idx for one mapping entry: for each
// symbol, find the PT_LOAD segment whose virtual-address range contains
// it, compute that address's offset in the backing file, and — only if
// that file offset falls inside entry's mapped file range — rebase it
// into process address space at entry.Begin. A symbol whose containing
// segment's file range does not overlap entry belongs to a different
// mapped segment of the same file and is skipped here (it will be
// picked up when that segment's own mapping entry is processed).
//
// If more than one PT_LOAD segment's virtual-address range contains a
// symbol, the first one in program-header order is used; the case is
// logged at debug level when a later segment maps the symbol to the
// same file offset.
func (idx *Index) rebaseInto(fs fileSymbols, entry procmap.Entry) {
	entrySize := entry.End - entry.Begin

	for _, sym := range fs.raw {
		seg, segOK := findSegment(fs.segments, sym.Value)
		if !segOK {
			continue
		}

		fileOff := seg.Off + (sym.Value - seg.Vaddr)
		if fileOff < entry.Offset || fileOff >= entry.Offset+entrySize {
			continue
		}

		addr := entry.Begin + (fileOff - entry.Offset)
		resolved := Symbol{Name: sym.Name, Address: addr, Size: sym.Size}
		idx.byName[sym.Name] = append(idx.byName[sym.Name], resolved)
		idx.byAddr = append(idx.byAddr, resolved)
	}
}

func findSegment(segments []loadSegment, vaddr uint64) (loadSegment, bool) {
	var match loadSegment
	var matchOff uint64
	found := false

	for _, seg := range segments {
		if vaddr < seg.Vaddr || vaddr >= seg.Vaddr+seg.Filesz {
			continue
		}
		off := seg.Off + (vaddr - seg.Vaddr)
		if !found {
			match, matchOff, found = seg, off, true
			continue
		}
		if off == matchOff {
			logrus.WithField("vaddr", fmt.Sprintf("%#x", vaddr)).
				Debug("symtab: ambiguous segment match, keeping first by program-header order")
		}
	}
	return match, found
}

// Lookup returns every known symbol with the given name, across all
// mapped files. A name can resolve to more than one address when a
// symbol is re-exported (e.g. an allocator symbol present in both a
// static binary and a preloaded shared library).
func (idx *Index) Lookup(name string) []Symbol {
	return idx.byName[name]
}

// maxEnclosingPredecessors bounds how many symbols at or below addr are
// checked for containment: glibc often places small labels (GLIBC
// version stubs) immediately in front of a real function, so the
// nearest predecessor by address is not always the enclosing one.
const maxEnclosingPredecessors = 4

// EnclosingFunction returns the nearest symbol at or before addr whose
// [Address, Address+Size) range actually contains it, checking up to
// the four nearest predecessors by address before giving up. If none
// of them enclose addr, ok is false.
func (idx *Index) EnclosingFunction(addr uint64) (sym Symbol, offset uint64, ok bool) {
	// Binary search for the last symbol whose Address <= addr.
	i := sort.Search(len(idx.byAddr), func(i int) bool { return idx.byAddr[i].Address > addr })

	for tries := 0; tries < maxEnclosingPredecessors && i > 0; tries++ {
		i--
		candidate := idx.byAddr[i]
		if addr >= candidate.Address+candidate.Size {
			continue
		}
		return candidate, addr - candidate.Address, true
	}
	return Symbol{}, 0, false
}
