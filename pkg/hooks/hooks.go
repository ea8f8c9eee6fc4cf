// Package hooks implements the allocator-specific policy layer: reading
// the System V argument/return registers at each breakpointed function
// to turn a malloc/calloc/realloc/free call into a sink event, and
// reacting to mmap completions by re-resolving breakpoints against any
// newly mapped library.
package hooks

import (
	"fmt"
	"time"

	"github.com/mkimball-labs/heaptrace/pkg/breakpoint"
	"github.com/mkimball-labs/heaptrace/pkg/sink"
	"github.com/mkimball-labs/heaptrace/pkg/tracectx"
	"github.com/mkimball-labs/heaptrace/pkg/unwind"
	"golang.org/x/sys/unix"
)

// RegsReader reads a thread's current general-purpose registers.
type RegsReader func(tid int) (unix.PtraceRegs, error)

// Policy wires allocator hooks against one traced process's breakpoint
// set, reading arguments/return values through regs and capturing
// stacks through unwind.
type Policy struct {
	ctx       *tracectx.Context
	tx        *sink.Transaction
	sink      *sink.Sink
	regs      RegsReader
	readerFor func(tid int) unwind.MemReader // bound per-call to whichever tid is stopped
	now       func() int64
}

// New creates a Policy. readerFor must return a fresh unwind.MemReader
// bound to the given tid (wrapping pkg/ptrace.PeekWord); it is invoked
// once per hook firing since the unwinder's memory cache is scoped to a
// single stack capture.
func New(ctx *tracectx.Context, tx *sink.Transaction, evSink *sink.Sink, regs RegsReader, readerFor func(tid int) unwind.MemReader, now func() int64) *Policy {
	return &Policy{ctx: ctx, tx: tx, sink: evSink, regs: regs, readerFor: readerFor, now: now}
}

// Install registers the malloc/calloc/realloc/free breakpoints and the
// mmap syscall intercept on ctx.Breakpoints.
func (p *Policy) Install() {
	p.ctx.Breakpoints.BreakpointOn("malloc", p.onMalloc)
	p.ctx.Breakpoints.BreakpointOn("calloc", p.onCalloc)
	p.ctx.Breakpoints.BreakpointOn("realloc", p.onRealloc)
	p.ctx.Breakpoints.BreakpointOn("free", p.onFree)
	p.ctx.Breakpoints.InterceptSyscall(unix.SYS_mmap, p.onMmap)
}

func (p *Policy) collectStack(tid int, regs unix.PtraceRegs) ([]unwind.Frame, error) {
	ip, sp, bp := unwind.RegsToStart(regs)
	frames, err := unwind.Collect(p.readerFor(tid), ip, sp, bp, p.ctx.Symbols, p.fallbackName)
	if err != nil {
		return nil, fmt.Errorf("hooks: collect stack for %d: %w", tid, err)
	}
	return frames, nil
}

func (p *Policy) fallbackName(addr uint64) (name string, offset uint64) {
	if p.ctx.ProcessMap == nil {
		return "", 0
	}
	entry, ok := p.ctx.ProcessMap.EntryFor(addr)
	if !ok || entry.Filename == "" {
		return "", 0
	}
	return "[" + baseName(entry.Filename) + "]", addr - entry.Begin + entry.Offset
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (p *Policy) sinkFrames(frames []unwind.Frame) []sink.Frame {
	out := make([]sink.Frame, len(frames))
	for i, f := range frames {
		out[i] = sink.Frame{Address: f.Address, Function: f.Function, Offset: f.Offset}
	}
	return out
}

// onMalloc fires at malloc's entry. size = rdi. A one-shot breakpoint is
// installed at the caller's return address (the second captured frame)
// so the call's result can be observed; if the stack can't be unwound
// at least two frames deep, the call is abandoned rather than guessed
// at (mirrors allocscope's "stack.len() >= 2" check).
func (p *Policy) onMalloc(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	size := regs.Rdi

	frames, err := p.collectStack(tid, regs)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		return nil
	}

	callstackID, err := p.insertCallstack(frames)
	if err != nil {
		return err
	}

	returnAddr := frames[1].Address
	if err := p.armReturnBreakpoint(tid, returnAddr, p.onMallocReturn); err != nil {
		return err
	}
	p.tx.StartEvent(tid, sink.KindAlloc, size, 0, callstackID)
	return nil
}

func (p *Policy) onMallocReturn(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	return p.tx.CompleteEvent(tid, p.now(), regs.Rax)
}

// onCalloc fires at calloc's entry: count = rdi, size = rsi; the
// allocation size recorded is their product, matching libc semantics.
func (p *Policy) onCalloc(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	count, size := regs.Rdi, regs.Rsi

	frames, err := p.collectStack(tid, regs)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		return nil
	}

	callstackID, err := p.insertCallstack(frames)
	if err != nil {
		return err
	}

	returnAddr := frames[1].Address
	if err := p.armReturnBreakpoint(tid, returnAddr, p.onMallocReturn); err != nil {
		return err
	}
	p.tx.StartEvent(tid, sink.KindAlloc, count*size, 0, callstackID)
	return nil
}

// onRealloc fires at realloc's entry: address (original) = rdi, size =
// rsi.
func (p *Policy) onRealloc(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	originalAddress, size := regs.Rdi, regs.Rsi

	frames, err := p.collectStack(tid, regs)
	if err != nil {
		return err
	}
	if len(frames) < 2 {
		return nil
	}

	callstackID, err := p.insertCallstack(frames)
	if err != nil {
		return err
	}

	returnAddr := frames[1].Address
	if err := p.armReturnBreakpoint(tid, returnAddr, p.onReallocReturn); err != nil {
		return err
	}
	p.tx.StartEvent(tid, sink.KindRealloc, size, originalAddress, callstackID)
	return nil
}

func (p *Policy) onReallocReturn(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	return p.tx.CompleteEvent(tid, p.now(), regs.Rax)
}

// onFree fires at free's entry: address = rdi. Unlike the other hooks,
// free is assumed to always succeed, so it is completed immediately
// with no return breakpoint.
func (p *Policy) onFree(tid int) error {
	regs, err := p.regs(tid)
	if err != nil {
		return err
	}
	address := regs.Rdi

	frames, err := p.collectStack(tid, regs)
	if err != nil {
		return err
	}
	if len(frames) < 1 {
		return nil
	}

	callstackID, err := p.insertCallstack(frames)
	if err != nil {
		return err
	}

	p.tx.StartEvent(tid, sink.KindFree, 0, 0, callstackID)
	return p.tx.CompleteEvent(tid, p.now(), address)
}

// onMmap runs at SYS_mmap's syscall-enter and syscall-exit stops. Only
// on exit (complete) is the process map re-scanned: entering mmap tells
// us nothing about what got mapped, and re-resolving mid-call would see
// stale state anyway.
func (p *Policy) onMmap(tid int, complete bool) error {
	if !complete {
		return nil
	}
	if err := p.ctx.Refresh(); err != nil {
		return fmt.Errorf("hooks: refresh after mmap: %w", err)
	}
	return nil
}

func (p *Policy) insertCallstack(frames []unwind.Frame) (int64, error) {
	id, err := p.sink.InsertCallstack(p.sinkFrames(frames))
	if err != nil {
		return 0, fmt.Errorf("hooks: insert callstack: %w", err)
	}
	return id, nil
}

// armReturnBreakpoint installs (or joins) a one-shot breakpoint at addr
// and marks tid as interested in its firing. The trace loop is
// responsible for clearing that interest and removing the breakpoint
// once it fires (see pkg/tracer), since that bookkeeping is generic
// across every hook, not specific to allocator policy.
func (p *Policy) armReturnBreakpoint(tid int, addr uint64, cb breakpoint.Callback) error {
	if err := p.ctx.Breakpoints.AddBreakpoint(addr, cb, false); err != nil {
		return fmt.Errorf("hooks: arm return breakpoint %#x: %w", addr, err)
	}
	p.ctx.Breakpoints.MarkOneShotThread(addr, tid)
	return nil
}

// Now returns the current wall-clock time as a Unix timestamp, the
// default clock for event rows.
func Now() int64 { return time.Now().Unix() }
