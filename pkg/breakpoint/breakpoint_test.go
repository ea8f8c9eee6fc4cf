package breakpoint

import (
	"testing"

	"github.com/mkimball-labs/heaptrace/pkg/procmap"
	"github.com/mkimball-labs/heaptrace/pkg/symtab"
)

// fakeText simulates a tracee's text segment as 8-byte aligned words.
type fakeText map[uintptr]uint64

func (t fakeText) peek(tid int, addr uintptr) (uint64, error) { return t[addr], nil }
func (t fakeText) poke(tid int, addr uintptr, word uint64) error {
	t[addr] = word
	return nil
}

func TestAddAndRemoveBreakpointPreservesSiblingByte(t *testing.T) {
	text := fakeText{0x1000: 0x1122334455667788}
	s := New(text.peek, text.poke, 1)

	// Install at address 0x1003 (byte 3, the fourth byte, of the aligned word).
	if err := s.AddBreakpoint(0x1003, func(int) error { return nil }, true); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	word := text[0x1000]
	if byte(word>>24) != int3 {
		t.Fatalf("word = %#x, expected 0xCC at byte 3", word)
	}
	// Every other byte of the word must be untouched.
	if byte(word) != 0x88 || byte(word>>8) != 0x77 || byte(word>>16) != 0x66 {
		t.Fatalf("sibling bytes corrupted: %#x", word)
	}

	bp, ok := s.Lookup(0x1003)
	if !ok {
		t.Fatal("breakpoint not found after install")
	}
	if bp.OriginalInstruction != 0x55 {
		t.Fatalf("captured original = %#x, want 0x55", bp.OriginalInstruction)
	}

	if err := s.removeInstruction(bp); err != nil {
		t.Fatalf("removeInstruction: %v", err)
	}
	if text[0x1000] != 0x1122334455667788 {
		t.Fatalf("word after removal = %#x, want original restored", text[0x1000])
	}
}

func TestAddBreakpointDoesNotRecaptureExistingInt3(t *testing.T) {
	text := fakeText{0x2000: 0x00000000000000CC}
	s := New(text.peek, text.poke, 1)

	if err := s.AddBreakpoint(0x2000, func(int) error { return nil }, true); err != nil {
		t.Fatalf("first AddBreakpoint: %v", err)
	}
	first, _ := s.Lookup(0x2000)
	firstOriginal := first.OriginalInstruction

	// Adding again at the same address (e.g. two bindings resolving to
	// the same symbol) must not re-read the 0xCC as "original".
	if err := s.AddBreakpoint(0x2000, func(int) error { return nil }, true); err != nil {
		t.Fatalf("second AddBreakpoint: %v", err)
	}
	second, _ := s.Lookup(0x2000)
	if second.OriginalInstruction != firstOriginal {
		t.Fatalf("original instruction changed on re-add: %#x -> %#x", firstOriginal, second.OriginalInstruction)
	}
}

func TestResolveSkipsUnmappedRebind(t *testing.T) {
	text := fakeText{0x3000: 0x1111111111111111}
	s := New(text.peek, text.poke, 1)
	if err := s.AddBreakpoint(0x3000, func(int) error { return nil }, true); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	// Simulate the breakpoint's byte having been clobbered by something
	// else after its backing library was unmapped.
	text[0x3000] = 0x2222222222222222

	emptyMap := &procmap.Map{} // address 0x3000 is not covered by anything
	emptyIdx, _ := symtab.Build(&procmap.Map{})

	if err := s.Resolve(emptyMap, emptyIdx); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if text[0x3000] != 0x2222222222222222 {
		t.Fatalf("Resolve rewrote an address no longer covered by any mapping: %#x", text[0x3000])
	}
}

func TestStepThrough(t *testing.T) {
	text := fakeText{0x4000: 0x1111111111112255}
	s := New(text.peek, text.poke, 7)
	if err := s.AddBreakpoint(0x4000, func(int) error { return nil }, true); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	var steppedSeen, waitedSeen bool
	err := s.StepThrough(7, 0x4000,
		func(tid int) error {
			steppedSeen = true
			if text[0x4000]&0xff != 0x55 {
				t.Fatalf("breakpoint still installed during single-step: %#x", text[0x4000])
			}
			return nil
		},
		func(tid int) error {
			waitedSeen = true
			return nil
		},
	)
	if err != nil {
		t.Fatalf("StepThrough: %v", err)
	}
	if !steppedSeen || !waitedSeen {
		t.Fatal("StepThrough did not invoke both callbacks")
	}
	if text[0x4000]&0xff != int3 {
		t.Fatalf("breakpoint not reinstalled after step-through: %#x", text[0x4000])
	}
}

func TestRemoveOneShotWaitsForAllInterestedThreads(t *testing.T) {
	text := fakeText{0x5000: 0x1111111111112233}
	s := New(text.peek, text.poke, 1)
	if err := s.AddBreakpoint(0x5000, func(int) error { return nil }, false); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	s.MarkOneShotThread(0x5000, 10)
	s.MarkOneShotThread(0x5000, 11)

	if err := s.RemoveOneShot(0x5000); err != nil {
		t.Fatalf("RemoveOneShot: %v", err)
	}
	if _, ok := s.Lookup(0x5000); !ok {
		t.Fatal("breakpoint removed while threads still interested")
	}

	s.ClearOneShotThread(0x5000, 10)
	if err := s.RemoveOneShot(0x5000); err != nil {
		t.Fatalf("RemoveOneShot: %v", err)
	}
	if _, ok := s.Lookup(0x5000); !ok {
		t.Fatal("breakpoint removed while one thread still interested")
	}

	s.ClearOneShotThread(0x5000, 11)
	if err := s.RemoveOneShot(0x5000); err != nil {
		t.Fatalf("RemoveOneShot: %v", err)
	}
	if _, ok := s.Lookup(0x5000); ok {
		t.Fatal("breakpoint not removed once no threads remain interested")
	}
}
