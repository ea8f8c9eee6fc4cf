// Package tracectx holds the state threaded through one traced
// process's lifetime: its breakpoint set, address-space snapshot,
// symbol index, and per-thread bookkeeping (whether a thread is
// mid-syscall). It does not hold the event sink or any unwind state;
// pkg/hooks holds the sink transaction, and pkg/unwind creates its
// memory cache afresh for each stack capture.
package tracectx

import (
	"fmt"

	"github.com/mkimball-labs/heaptrace/pkg/breakpoint"
	"github.com/mkimball-labs/heaptrace/pkg/procmap"
	"github.com/mkimball-labs/heaptrace/pkg/symtab"
)

// ThreadContext is the per-thread state of one traced thread.
type ThreadContext struct {
	// InSyscall toggles at each syscall-stop of this thread for a
	// syscall that has a registered intercept, pairing syscall-entry
	// with syscall-exit stops (ptrace
	// delivers both as identical-looking SIGTRAP stops at a
	// PTRACE_SYSCALL continuation).
	InSyscall bool
}

// Context is the state of one traced process (which may have several
// threads, each with its own ThreadContext).
type Context struct {
	Pid int

	Breakpoints *breakpoint.Set
	ProcessMap  *procmap.Map
	Symbols     *symtab.Index

	threads map[int]*ThreadContext
}

// New creates a Context for pid, with an empty breakpoint set to be
// populated by the caller (see pkg/hooks Policy.Install) before the trace loop
// starts.
func New(pid int, bps *breakpoint.Set) *Context {
	return &Context{
		Pid:         pid,
		Breakpoints: bps,
		threads:     make(map[int]*ThreadContext),
	}
}

// EnsureThread returns tid's ThreadContext, creating it on first use.
// Creation is idempotent: a thread seen for the first time via a clone
// event and a thread seen for the first time via a breakpoint stop both
// get the same lazily-created state.
func (c *Context) EnsureThread(tid int) *ThreadContext {
	tc, ok := c.threads[tid]
	if !ok {
		tc = &ThreadContext{}
		c.threads[tid] = tc
	}
	return tc
}

// Thread returns tid's ThreadContext if one has been created.
func (c *Context) Thread(tid int) (*ThreadContext, bool) {
	tc, ok := c.threads[tid]
	return tc, ok
}

// Refresh rebuilds ProcessMap and Symbols from the live process and
// re-resolves the breakpoint set against them. It is called once at
// trace start and again every time an mmap syscall completes, since a
// newly mapped shared library can supply addresses for still-unresolved
// loose bindings.
func (c *Context) Refresh() error {
	m, err := procmap.Read(c.Pid)
	if err != nil {
		return fmt.Errorf("tracectx: refresh %d: %w", c.Pid, err)
	}
	idx, err := symtab.Build(m)
	if err != nil {
		return fmt.Errorf("tracectx: refresh %d: %w", c.Pid, err)
	}
	c.ProcessMap = m
	c.Symbols = idx

	if err := c.Breakpoints.Resolve(m, idx); err != nil {
		return fmt.Errorf("tracectx: refresh %d: %w", c.Pid, err)
	}
	return nil
}
