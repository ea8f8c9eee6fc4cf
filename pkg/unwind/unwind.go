// Package unwind walks the call stack of a stopped, ptraced thread using
// the x86_64 System V frame-pointer chain (RBP), the same technique
// debuggers use when no richer unwind-table support is wired in. It
// replaces the original implementation's binding to libunwind: no Go
// binding to libunwind (or any equivalent remote-process unwinder)
// exists in this project's dependency set, so the cursor walks raw RBP
// links directly, through the same ptrace word-read path everything
// else in this tracer uses.
package unwind

import (
	"fmt"

	"github.com/mkimball-labs/heaptrace/pkg/symtab"
	"golang.org/x/sys/unix"
)

// MemReader reads a word from a stopped tracee's address space. In
// production this is pkg/ptrace.PeekWord for the thread being unwound;
// tests supply a fake backed by a plain map.
type MemReader func(addr uintptr) (uint64, error)

// Frame is one entry of a captured stack, innermost first.
type Frame struct {
	Address  uint64
	Function string
	Offset   uint64
}

// maxFrames bounds the walk so a corrupted or cyclic frame-pointer chain
// cannot hang the trace loop.
const maxFrames = 128

// cache amortizes repeated word reads within a single Collect call: the
// frame-pointer walk often re-reads the same or adjacent words (the
// saved-RBP and return-address slots of one frame sit next to each
// other), and this mirrors the last-address-plus-map cache the
// original's libunwind binding relied its UPT accessor on, scoped the
// same way: one cache per Collect call, discarded when it returns.
type cache struct {
	read     MemReader
	lastAddr uintptr
	lastVal  uint64
	lastOK   bool
	entries  map[uintptr]uint64
}

func newCache(read MemReader) *cache {
	return &cache{read: read, entries: make(map[uintptr]uint64)}
}

func (c *cache) read8(addr uintptr) (uint64, error) {
	if c.lastOK && addr == c.lastAddr {
		return c.lastVal, nil
	}
	if v, ok := c.entries[addr]; ok {
		c.lastAddr, c.lastVal, c.lastOK = addr, v, true
		return v, nil
	}

	v, err := c.read(addr)
	if err != nil {
		return 0, err
	}
	c.entries[addr] = v
	c.lastAddr, c.lastVal, c.lastOK = addr, v, true
	return v, nil
}

// FallbackNamer resolves an address that no symbol encloses to the
// basename of its containing mapping (e.g. "[libc.so.6]") and that
// address's offset from the start of the mapping's backing file region,
// for frames that can't be attributed to a function by name.
type FallbackNamer func(addr uint64) (name string, offset uint64)

// Collect walks the frame-pointer chain starting at ip/sp/bp and
// resolves each return address against idx, falling back to the
// containing mapping's basename (per the original's unresolved-frame
// naming) when no symbol encloses an address. Frames are returned
// innermost first.
func Collect(read MemReader, ip, sp, bp uint64, idx *symtab.Index, fallbackName FallbackNamer) ([]Frame, error) {
	c := newCache(read)

	frames := []Frame{frameAt(ip, idx, fallbackName)}

	curBP := bp
	for len(frames) < maxFrames && curBP != 0 {
		savedBP, err := c.read8(uintptr(curBP))
		if err != nil {
			// The chain has walked off mapped memory (e.g. the
			// outermost frame, or a leaf function compiled without a
			// frame pointer); stop here rather than erroring the whole
			// capture.
			break
		}
		retAddr, err := c.read8(uintptr(curBP + 8))
		if err != nil {
			break
		}
		if retAddr == 0 {
			break
		}

		frames = append(frames, frameAt(retAddr, idx, fallbackName))

		if savedBP <= curBP {
			// A non-increasing frame pointer means a corrupt chain or
			// the top of the stack; stop instead of looping forever.
			break
		}
		curBP = savedBP
	}

	return frames, nil
}

func frameAt(addr uint64, idx *symtab.Index, fallbackName FallbackNamer) Frame {
	if idx != nil {
		if sym, offset, ok := idx.EnclosingFunction(addr); ok {
			return Frame{Address: addr, Function: sym.Name, Offset: offset}
		}
	}
	if fallbackName == nil {
		return Frame{Address: addr}
	}
	name, offset := fallbackName(addr)
	return Frame{Address: addr, Function: name, Offset: offset}
}

// PtraceReader adapts a raw ptrace word-peek function (see pkg/ptrace)
// into a MemReader bound to one tid.
func PtraceReader(peek func(tid int, addr uintptr) (uint64, error), tid int) MemReader {
	return func(addr uintptr) (uint64, error) {
		v, err := peek(tid, addr)
		if err != nil {
			return 0, fmt.Errorf("unwind: read %d@%#x: %w", tid, addr, err)
		}
		return v, nil
	}
}

// RegsToStart extracts (ip, sp, bp) from a thread's general registers
// for Collect, using the amd64 System V register names.
func RegsToStart(regs unix.PtraceRegs) (ip, sp, bp uint64) {
	return regs.Rip, regs.Rsp, regs.Rbp
}
