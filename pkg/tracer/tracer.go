// Package tracer implements the single-threaded trace loop: it
// demultiplexes waitpid stops across every thread of a traced process,
// dispatches breakpoint and syscall-intercept hits, follows cloned
// threads, and unwinds to a clean detach on shutdown or target exit.
package tracer

import (
	"errors"
	"fmt"

	"github.com/mkimball-labs/heaptrace/pkg/breakpoint"
	"github.com/mkimball-labs/heaptrace/pkg/ptrace"
	"github.com/mkimball-labs/heaptrace/pkg/tracectx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// syscallOpcode is the x86_64 "syscall" instruction (0F 05); a trap one
// or two bytes before rip that isn't a breakpoint is recognized as a
// syscall stop by matching these bytes just before the current rip.
var syscallOpcode = [2]byte{0x0f, 0x05}

// Tracer drives one traced process's threads to completion.
type Tracer struct {
	ctx *tracectx.Context

	// InProgress reports whether tid already has an allocator call
	// underway, so a persistent breakpoint re-entered by the same
	// thread (one hooked allocator calling another internally) is not
	// double-counted. Left nil, every persistent breakpoint hit always
	// fires its callback.
	InProgress func(tid int) bool
}

// New creates a Tracer for ctx, whose breakpoint set and hooks must
// already be installed.
func New(ctx *tracectx.Context) *Tracer {
	return &Tracer{ctx: ctx}
}

// AttachAndRun attaches to thread pid of an already-running process,
// resolves breakpoints, and runs the trace loop until the process
// exits or a shutdown signal arrives. Only pid itself is attached;
// threads that already exist alongside it are not traced, while
// threads it clones afterwards are followed.
func (t *Tracer) AttachAndRun(pid int) error {
	if err := ptrace.Attach(pid); err != nil {
		return err
	}
	if _, err := ptrace.Wait(pid, false); err != nil {
		return fmt.Errorf("tracer: initial attach wait: %w", err)
	}
	return t.start(pid)
}

// RunSpawned begins tracing a process already stopped at its initial
// PTRACE_TRACEME exec trap (see pkg/ptrace.SpawnTraced) and runs the
// trace loop until it exits or a shutdown signal arrives.
func (t *Tracer) RunSpawned(pid int) error {
	if _, err := ptrace.Wait(pid, false); err != nil {
		return fmt.Errorf("tracer: initial spawn wait: %w", err)
	}
	return t.start(pid)
}

func (t *Tracer) start(pid int) error {
	if err := t.ctx.Refresh(); err != nil {
		return fmt.Errorf("tracer: initial resolve: %w", err)
	}
	if err := ptrace.SetOptions(pid, unix.PTRACE_O_TRACECLONE); err != nil {
		return fmt.Errorf("tracer: setoptions: %w", err)
	}
	if err := ptrace.BlockTermSignals(); err != nil {
		return fmt.Errorf("tracer: block term signals: %w", err)
	}
	if err := ptrace.ContSyscall(pid, 0); err != nil {
		return fmt.Errorf("tracer: initial resume: %w", err)
	}

	err := t.loop(pid)
	if errors.Is(err, ptrace.ErrSignaled) {
		logrus.Info("tracer: shutdown requested, detaching cleanly")
		return t.detach()
	}
	return err
}

func (t *Tracer) loop(pid int) error {
	for {
		res, err := ptrace.Wait(-1, true)
		if err != nil {
			return err
		}

		switch res.Kind {
		case ptrace.Stopped:
			if res.Signal == unix.SIGTRAP {
				t.onTrap(res.Pid)
				if err := ptrace.ContSyscall(res.Pid, 0); err != nil {
					return err
				}
			} else {
				if err := ptrace.ContSyscall(res.Pid, res.Signal); err != nil {
					return err
				}
			}

		case ptrace.EventClone:
			msg, err := ptrace.GetEventMsg(res.Pid)
			if err != nil {
				return err
			}
			newTid := int(msg)
			t.ctx.EnsureThread(newTid)
			if err := t.waitForSignal(newTid, unix.SIGSTOP); err != nil {
				return err
			}
			if err := ptrace.ContSyscall(newTid, 0); err != nil {
				return err
			}
			if err := ptrace.ContSyscall(res.Pid, 0); err != nil {
				return err
			}

		case ptrace.Exited, ptrace.Signaled:
			if res.Pid == pid {
				return nil
			}
			logrus.WithField("tid", res.Pid).Debug("tracer: thread exited")
		}
	}
}

// onTrap runs at every SIGTRAP stop: it is either a breakpoint hit (rip
// - 1 matches an installed address) or a syscall-enter/exit stop (the
// two bytes before rip are the syscall instruction and the number in
// orig_rax has a registered intercept). Any other SIGTRAP stop is
// silently swallowed, matching the original's behavior of resuming
// through unrecognized traps rather than treating them as errors.
func (t *Tracer) onTrap(tid int) {
	regs, err := ptrace.GetRegs(tid)
	if err != nil {
		logrus.WithError(err).WithField("tid", tid).Warn("tracer: getregs failed at trap")
		return
	}

	address := regs.Rip - 1
	bp, found := t.ctx.Breakpoints.Lookup(address)
	if found {
		t.onBreakpoint(tid, address, &regs, bp)
		return
	}

	t.onSyscallStop(tid, &regs)
}

func (t *Tracer) onBreakpoint(tid int, address uint64, regs *unix.PtraceRegs, bp *breakpoint.Breakpoint) {
	regs.Rip = address
	if err := ptrace.SetRegs(tid, regs); err != nil {
		logrus.WithError(err).WithField("tid", tid).Warn("tracer: rewind rip failed")
		return
	}

	oneShot := t.ctx.Breakpoints.IsOneShotThread(address, tid)
	shouldCall := oneShot
	if bp.Persist && (t.InProgress == nil || !t.InProgress(tid)) {
		shouldCall = true
	}

	if shouldCall && bp.Callback != nil {
		if err := bp.Callback(tid); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"tid": tid, "address": fmt.Sprintf("%#x", address)}).
				Warn("tracer: breakpoint callback failed")
		}
	}

	// Resume this thread with SIGSTOP pending and wait for that stop
	// before the step-through below. Only this thread is signalled;
	// sibling threads are not stopped here.
	if err := ptrace.Cont(tid, unix.SIGSTOP); err != nil {
		logrus.WithError(err).Warn("tracer: sigstop before step-through failed")
		return
	}
	if err := t.waitForSignal(tid, unix.SIGSTOP); err != nil {
		logrus.WithError(err).Warn("tracer: wait for sigstop before step-through failed")
		return
	}

	if err := t.ctx.Breakpoints.StepThrough(tid, address,
		func(tid int) error { return ptrace.SingleStep(tid) },
		func(tid int) error { return t.waitForSignal(tid, unix.SIGTRAP) },
	); err != nil {
		logrus.WithError(err).WithField("tid", tid).Warn("tracer: step-through failed")
	}

	if oneShot {
		t.ctx.Breakpoints.ClearOneShotThread(address, tid)
		if err := t.ctx.Breakpoints.RemoveOneShot(address); err != nil {
			logrus.WithError(err).WithField("address", fmt.Sprintf("%#x", address)).
				Warn("tracer: remove one-shot breakpoint failed")
		}
	}
}

func (t *Tracer) onSyscallStop(tid int, regs *unix.PtraceRegs) {
	word, err := ptrace.PeekWord(tid, uintptr(regs.Rip-2)&^7)
	if err != nil {
		return
	}
	shift := uint(((regs.Rip - 2) & 7) * 8)
	if !isSyscallOpcode(word, shift) {
		return
	}

	cb, ok := t.ctx.Breakpoints.SyscallIntercept(regs.Orig_rax)
	if !ok {
		return
	}

	threadCtx := t.ctx.EnsureThread(tid)
	complete := threadCtx.InSyscall
	if err := cb(tid, complete); err != nil {
		logrus.WithError(err).WithField("tid", tid).Warn("tracer: syscall intercept failed")
	}
	threadCtx.InSyscall = !threadCtx.InSyscall
}

// isSyscallOpcode reports whether the two bytes of word starting at bit
// offset shift hold 0F 05, the x86_64 "syscall" instruction. A shift of
// 56 (the instruction straddles two aligned words) is treated as a
// non-match; straddling syscalls do not occur in practice since the x86
// instruction encoder never places a 2-byte opcode across that boundary
// without padding.
func isSyscallOpcode(word uint64, shift uint) bool {
	if shift > 48 {
		return false
	}
	b0 := byte(word >> shift)
	b1 := byte(word >> (shift + 8))
	return b0 == syscallOpcode[0] && b1 == syscallOpcode[1]
}

// waitForSignal blocks until tid reports the given stop signal,
// forwarding (without dispatch) any other stop signal tid reports in the
// meantime, so a signal delivered to it isn't silently dropped.
func (t *Tracer) waitForSignal(tid int, want unix.Signal) error {
	for {
		res, err := ptrace.Wait(tid, false)
		if err != nil {
			return err
		}
		if res.Kind == ptrace.Stopped && res.Signal == want {
			return nil
		}
		if res.Kind == ptrace.Stopped {
			if err := ptrace.Cont(tid, res.Signal); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("tracer: wait for signal %v on %d: unexpected stop kind %v", want, tid, res.Kind)
	}
}

// detach performs a clean shutdown: it first waits for whichever thread
// is currently stopped (check_shutdown=false, since we are already
// unwinding), then uninstalls every breakpoint instruction and detaches
// that thread, redelivering its stop signal (0 if it wasn't stopped),
// and resumes it with SIGCONT. Operating on the thread Wait reports
// here — rather than the original tracee pid — matters: after
// ErrSignaled the thread that was running when the signal arrived has
// already been resumed, so clearing breakpoints or detaching against it
// directly would race a live, running tracee (ESRCH, and breakpoints
// left as 0xCC in its text).
func (t *Tracer) detach() error {
	res, err := ptrace.Wait(-1, false)
	if err != nil {
		return fmt.Errorf("tracer: wait before detach: %w", err)
	}

	var stopSignal unix.Signal
	if res.Kind == ptrace.Stopped {
		stopSignal = res.Signal
	}

	if err := t.ctx.Breakpoints.Clear(); err != nil {
		logrus.WithError(err).Warn("tracer: clearing breakpoints during detach failed")
	}
	if err := ptrace.Detach(res.Pid, stopSignal); err != nil {
		logrus.WithError(err).Warn("tracer: detach failed")
	}
	if err := ptrace.Kill(res.Pid, unix.SIGCONT); err != nil {
		logrus.WithError(err).Warn("tracer: SIGCONT on detach failed")
	}
	return nil
}
