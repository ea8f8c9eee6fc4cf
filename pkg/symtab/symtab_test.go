package symtab

import (
	"testing"

	"github.com/mkimball-labs/heaptrace/pkg/procmap"
)

func TestRebaseIntoSimpleSegment(t *testing.T) {
	fs := fileSymbols{
		raw: []rawSymbol{
			{Name: "malloc", Value: 0x1050, Size: 0x40},
		},
		segments: []loadSegment{
			{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x2000},
		},
	}
	entry := procmap.Entry{Begin: 0x7f0000001000, End: 0x7f0000003000, Offset: 0x1000}

	idx := &Index{byName: make(map[string][]Symbol)}
	idx.rebaseInto(fs, entry)

	syms := idx.Lookup("malloc")
	if len(syms) != 1 {
		t.Fatalf("Lookup(malloc) = %v, want 1 entry", syms)
	}
	want := entry.Begin + (0x1050 - 0x1000)
	if syms[0].Address != want {
		t.Errorf("rebased address = %#x, want %#x", syms[0].Address, want)
	}
}

func TestRebaseIntoSkipsOtherSegmentsMapping(t *testing.T) {
	fs := fileSymbols{
		raw: []rawSymbol{
			{Name: "free", Value: 0x5100, Size: 0x10},
		},
		segments: []loadSegment{
			{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x2000},
			{Vaddr: 0x5000, Off: 0x4000, Filesz: 0x2000},
		},
	}
	// This entry corresponds to the first segment's file range; free's
	// containing segment maps to a different file offset, so it must
	// not be resolved against this entry.
	entry := procmap.Entry{Begin: 0x7f0000001000, End: 0x7f0000003000, Offset: 0x1000}

	idx := &Index{byName: make(map[string][]Symbol)}
	idx.rebaseInto(fs, entry)

	if syms := idx.Lookup("free"); len(syms) != 0 {
		t.Fatalf("Lookup(free) = %v, want none for unrelated mapping", syms)
	}
}

func TestEnclosingFunction(t *testing.T) {
	idx := &Index{byName: make(map[string][]Symbol)}
	idx.byAddr = []Symbol{
		{Name: "main", Address: 0x1000, Size: 0x100},
		{Name: "helper", Address: 0x1100, Size: 0x50},
	}

	sym, offset, ok := idx.EnclosingFunction(0x1120)
	if !ok || sym.Name != "helper" || offset != 0x20 {
		t.Errorf("EnclosingFunction(0x1120) = %+v, %#x, %v", sym, offset, ok)
	}

	if _, _, ok := idx.EnclosingFunction(0x500); ok {
		t.Error("EnclosingFunction(0x500) should miss, address before any symbol")
	}
}

func TestEnclosingFunctionSkipsTinyPrecedingStubs(t *testing.T) {
	// Two tiny glibc-style version stubs sit between malloc's start and
	// the target address; neither encloses it, so the lookup must walk
	// past both and land back on malloc itself.
	idx := &Index{byName: make(map[string][]Symbol)}
	idx.byAddr = []Symbol{
		{Name: "malloc", Address: 0x1000, Size: 0x300},
		{Name: "malloc@GLIBC_2.2.5", Address: 0x1200, Size: 4},
		{Name: "malloc@@GLIBC_2.17", Address: 0x1204, Size: 4},
	}

	sym, offset, ok := idx.EnclosingFunction(0x1250)
	if !ok || sym.Name != "malloc" || offset != 0x250 {
		t.Errorf("EnclosingFunction(0x1250) = %+v, %#x, %v, want malloc+0x250", sym, offset, ok)
	}
}

func TestEnclosingFunctionGivesUpAfterFourPredecessors(t *testing.T) {
	idx := &Index{byName: make(map[string][]Symbol)}
	// real's range would enclose 0x1030, but it sits six predecessors
	// back from the target behind five small, non-enclosing stubs; only
	// four predecessors are checked, so real is never reached.
	idx.byAddr = []Symbol{
		{Name: "real", Address: 0x1000, Size: 0x1000},
		{Name: "stub1", Address: 0x1010, Size: 4},
		{Name: "stub2", Address: 0x1014, Size: 4},
		{Name: "stub3", Address: 0x1018, Size: 4},
		{Name: "stub4", Address: 0x101c, Size: 4},
		{Name: "stub5", Address: 0x1020, Size: 4},
	}

	if _, _, ok := idx.EnclosingFunction(0x1030); ok {
		t.Error("EnclosingFunction should give up after four predecessors and not fall through to real")
	}
}

func TestFindSegmentAmbiguousTieBreak(t *testing.T) {
	// Two overlapping PT_LOAD ranges (not realistic for a well-formed
	// ELF file, but exercises the deterministic tie-break) both cover
	// 0x1500 and, given their respective Off/Vaddr bases, resolve it to
	// the same file offset.
	segments := []loadSegment{
		{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x1000},
		{Vaddr: 0x1000, Off: 0x1000, Filesz: 0x1000},
	}
	seg, ok := findSegment(segments, 0x1500)
	if !ok || seg.Off != 0x1000 {
		t.Errorf("findSegment tie-break chose %+v, want the first segment by header order", seg)
	}
}
