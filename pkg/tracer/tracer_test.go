package tracer

import "testing"

func TestIsSyscallOpcode(t *testing.T) {
	// Little-endian bytes: [0]=0x00 [1]=0x0f [2]=0x05 [3]=0xaa — the
	// opcode sits at byte offset 1, i.e. shift 8.
	word := uint64(0x00050f00) | uint64(0xaa)<<24
	if !isSyscallOpcode(word, 8) {
		t.Errorf("expected match at shift 8 for word %#x", word)
	}
	if isSyscallOpcode(word, 0) {
		t.Error("did not expect a match at shift 0")
	}
	if isSyscallOpcode(word, 16) {
		t.Error("did not expect a match at shift 16")
	}
}

func TestIsSyscallOpcodeRejectsStraddle(t *testing.T) {
	if isSyscallOpcode(0xffffffffffffffff, 56) {
		t.Error("a straddling shift of 56 must never match")
	}
}

func TestIsSyscallOpcodeNoFalsePositive(t *testing.T) {
	word := uint64(0x1122334455667788)
	for shift := uint(0); shift <= 48; shift += 8 {
		if isSyscallOpcode(word, shift) {
			t.Errorf("unexpected match at shift %d for word %#x", shift, word)
		}
	}
}
