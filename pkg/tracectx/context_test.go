package tracectx

import (
	"testing"

	"github.com/mkimball-labs/heaptrace/pkg/breakpoint"
)

func TestEnsureThreadIsIdempotent(t *testing.T) {
	c := New(123, breakpoint.New(nil, nil, 123))

	tc1 := c.EnsureThread(5)
	tc1.InSyscall = true

	tc2 := c.EnsureThread(5)
	if tc2 != tc1 {
		t.Fatal("EnsureThread returned a different ThreadContext for the same tid")
	}
	if !tc2.InSyscall {
		t.Fatal("state from the first EnsureThread call was lost")
	}
}

func TestThreadMissing(t *testing.T) {
	c := New(123, breakpoint.New(nil, nil, 123))
	if _, ok := c.Thread(99); ok {
		t.Fatal("Thread should report false for a tid never passed to EnsureThread")
	}
}
