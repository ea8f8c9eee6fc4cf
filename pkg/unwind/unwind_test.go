package unwind

import (
	"fmt"
	"testing"

	"github.com/mkimball-labs/heaptrace/pkg/symtab"
)

// fakeMemory backs a MemReader with a plain map, simulating a stopped
// thread's stack: each entry is one 8-byte word at its address.
type fakeMemory map[uintptr]uint64

func (m fakeMemory) reader() MemReader {
	return func(addr uintptr) (uint64, error) {
		v, ok := m[addr]
		if !ok {
			return 0, fmt.Errorf("no such address %#x", addr)
		}
		return v, nil
	}
}

func TestCollectWalksFrameChain(t *testing.T) {
	// Stack layout (growing down): innermost frame's bp points at the
	// caller's saved bp, and bp+8 holds the return address into the
	// caller.
	mem := fakeMemory{
		0x7000: 0x6000, // frame0 saved bp: below 0x7000, so the walk stops after this frame
		0x7008: 0x4020, // frame0 return address (into "caller")
		0x6000: 0,      // never read: the walk stops at the non-increasing bp above
		0x6008: 0x4000, // never read, for the same reason
	}

	idx := &symtab.Index{}
	_ = idx // EnclosingFunction on zero-value index always misses; fine for this test

	frames, err := Collect(mem.reader(), 0x4010, 0x0, 0x7000, nil, func(addr uint64) (string, uint64) {
		return fmt.Sprintf("0x%x", addr), addr - 0x4000
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("frames = %+v, want 2", frames)
	}
	if frames[0].Address != 0x4010 {
		t.Errorf("frame0 address = %#x, want 0x4010 (the starting ip)", frames[0].Address)
	}
	if frames[0].Offset != 0x10 {
		t.Errorf("frame0 offset = %#x, want 0x10 (fallback-computed mapping offset)", frames[0].Offset)
	}
	if frames[1].Address != 0x4020 {
		t.Errorf("frame1 address = %#x, want 0x4020 (the return address)", frames[1].Address)
	}
	if frames[1].Offset != 0x20 {
		t.Errorf("frame1 offset = %#x, want 0x20 (fallback-computed mapping offset)", frames[1].Offset)
	}
}

func TestCollectStopsOnUnreadableMemory(t *testing.T) {
	mem := fakeMemory{}
	frames, err := Collect(mem.reader(), 0x1000, 0, 0xdead, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %+v, want just the starting ip frame", frames)
	}
}

func TestCollectStopsOnNonIncreasingBP(t *testing.T) {
	mem := fakeMemory{
		0x7000: 0x7000, // saved bp equal to current bp: must not loop forever
		0x7008: 0x4020,
	}
	frames, err := Collect(mem.reader(), 0x4010, 0, 0x7000, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %+v, want exactly 2 (stop after the non-increasing bp)", frames)
	}
}

func TestCacheReused(t *testing.T) {
	calls := 0
	read := func(addr uintptr) (uint64, error) {
		calls++
		return uint64(addr), nil
	}
	c := newCache(read)

	v1, _ := c.read8(0x100)
	v2, _ := c.read8(0x100)
	if v1 != v2 {
		t.Errorf("v1=%#x v2=%#x, want equal", v1, v2)
	}
	if calls != 1 {
		t.Errorf("underlying reader called %d times, want 1 (cache hit)", calls)
	}
}
