// Package ptrace wraps the raw Linux ptrace(2) API used to attach to and
// drive a traced process one stop at a time. Every call here blocks the
// calling OS thread until the kernel answers; callers that drive a tracee
// across multiple calls must keep all of them on the same OS thread
// (runtime.LockOSThread), since ptrace state is per-tracer-thread.
package ptrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrSignaled is returned by Wait when the tracer itself has a pending
// fatal termination signal that must unwind the trace loop instead of
// being forwarded to the tracee.
var ErrSignaled = errors.New("ptrace: tracer received termination signal")

// StopKind classifies a successful Wait result.
type StopKind int

const (
	// Exited means the thread terminated normally; ExitStatus holds
	// its exit code.
	Exited StopKind = iota
	// Signaled means the thread was killed by a signal.
	Signaled
	// Stopped means the thread is stopped and can be resumed; Signal
	// holds the stop signal. PTRACE_EVENT_CLONE stops are reported as
	// EventClone instead.
	Stopped
	// EventClone means the thread hit a PTRACE_EVENT_CLONE stop; the
	// new thread's tid is available via GetEventMsg.
	EventClone
)

// WaitResult describes the outcome of a single waitpid call.
type WaitResult struct {
	Pid        int
	Kind       StopKind
	Signal     unix.Signal
	ExitStatus int
}

// Attach begins tracing the given tid with PTRACE_ATTACH. It does not
// wait for the resulting stop; the caller consumes it with Wait.
func Attach(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("ptrace: attach %d: %w", tid, err)
	}
	return nil
}

// Detach stops tracing tid, redelivering sig (0 for none) to it on
// resume — e.g. the stop signal it was caught under, so a clean detach
// doesn't silently swallow a signal the tracee was about to handle.
// x/sys/unix's PtraceDetach always passes data=0, so this issues
// PTRACE_DETACH directly to carry sig through.
func Detach(tid int, sig unix.Signal) error {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0); errno != 0 {
		return fmt.Errorf("ptrace: detach %d: %w", tid, errno)
	}
	return nil
}

// Cont resumes tid until the next trap, delivering sig (0 for none).
func Cont(tid int, sig unix.Signal) error {
	if err := unix.PtraceCont(tid, int(sig)); err != nil {
		return fmt.Errorf("ptrace: cont %d: %w", tid, err)
	}
	return nil
}

// ContSyscall resumes tid until the next syscall-entry or syscall-exit
// stop (PTRACE_SYSCALL), delivering sig.
func ContSyscall(tid int, sig unix.Signal) error {
	if err := unix.PtraceSyscall(tid, int(sig)); err != nil {
		return fmt.Errorf("ptrace: syscall-cont %d: %w", tid, err)
	}
	return nil
}

// SingleStep executes exactly one instruction in tid.
func SingleStep(tid int) error {
	if err := unix.PtraceSingleStep(tid); err != nil {
		return fmt.Errorf("ptrace: singlestep %d: %w", tid, err)
	}
	return nil
}

// GetRegs reads tid's general-purpose registers.
func GetRegs(tid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return regs, fmt.Errorf("ptrace: getregs %d: %w", tid, err)
	}
	return regs, nil
}

// SetRegs writes tid's general-purpose registers.
func SetRegs(tid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("ptrace: setregs %d: %w", tid, err)
	}
	return nil
}

// PeekWord reads the 8-byte word at addr in tid's address space.
func PeekWord(tid int, addr uintptr) (uint64, error) {
	var buf [8]byte
	n, err := unix.PtracePeekData(tid, addr, buf[:])
	if err != nil {
		return 0, fmt.Errorf("ptrace: peek %d@%#x: %w", tid, addr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("ptrace: peek %d@%#x: short read (%d bytes)", tid, addr, n)
	}
	return le64(buf[:]), nil
}

// PeekBytes reads len(dst) bytes starting at addr in tid's address space.
// Unlike PeekWord it is not limited to a single word.
func PeekBytes(tid int, addr uintptr, dst []byte) error {
	n, err := unix.PtracePeekData(tid, addr, dst)
	if err != nil {
		return fmt.Errorf("ptrace: peek %d@%#x: %w", tid, addr, err)
	}
	if n != len(dst) {
		return fmt.Errorf("ptrace: peek %d@%#x: short read (%d of %d bytes)", tid, addr, n, len(dst))
	}
	return nil
}

// PokeWord writes the 8-byte word at addr in tid's address space.
func PokeWord(tid int, addr uintptr, word uint64) error {
	var buf [8]byte
	putLE64(buf[:], word)
	n, err := unix.PtracePokeData(tid, addr, buf[:])
	if err != nil {
		return fmt.Errorf("ptrace: poke %d@%#x: %w", tid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("ptrace: poke %d@%#x: short write (%d bytes)", tid, addr, n)
	}
	return nil
}

// SetOptions sets ptrace options (e.g. PTRACE_O_TRACECLONE) for tid.
func SetOptions(tid int, options int) error {
	if err := unix.PtraceSetOptions(tid, options); err != nil {
		return fmt.Errorf("ptrace: setoptions %d: %w", tid, err)
	}
	return nil
}

// GetEventMsg retrieves the auxiliary message for the most recent
// ptrace-event stop (e.g. the new tid for PTRACE_EVENT_CLONE).
func GetEventMsg(tid int) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		return 0, fmt.Errorf("ptrace: geteventmsg %d: %w", tid, err)
	}
	return msg, nil
}

// Kill sends sig to tid via tgkill-equivalent raw kill(2); used to
// redeliver SIGCONT after detaching.
func Kill(tid int, sig unix.Signal) error {
	if err := unix.Kill(tid, sig); err != nil {
		return fmt.Errorf("ptrace: kill %d: %w", tid, err)
	}
	return nil
}

// Wait blocks for the next state change of pid (-1 for any tracee child)
// and classifies it. When checkPendingSignal is true and the calling
// thread has a pending blocked termination signal, Wait returns
// ErrSignaled instead of blocking in waitpid, so the caller can unwind to
// a clean detach.
func Wait(pid int, checkPendingSignal bool) (WaitResult, error) {
	if checkPendingSignal && TermSignalPending() {
		return WaitResult{}, ErrSignaled
	}

	var status unix.WaitStatus
	got, err := unix.Wait4(pid, &status, 0, nil)
	if err != nil {
		return WaitResult{}, fmt.Errorf("ptrace: wait4 %d: %w", pid, err)
	}

	switch {
	case status.Exited():
		return WaitResult{Pid: got, Kind: Exited, ExitStatus: status.ExitStatus()}, nil
	case status.Signaled():
		return WaitResult{Pid: got, Kind: Signaled, Signal: status.Signal()}, nil
	case status.Stopped():
		if status.TrapCause() == unix.PTRACE_EVENT_CLONE {
			return WaitResult{Pid: got, Kind: EventClone}, nil
		}
		return WaitResult{Pid: got, Kind: Stopped, Signal: status.StopSignal()}, nil
	default:
		return WaitResult{}, fmt.Errorf("ptrace: wait4 %d: unrecognized status %#x", pid, status)
	}
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLE64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
