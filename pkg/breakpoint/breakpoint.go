// Package breakpoint installs and removes software breakpoints (the
// 0xCC/int3 opcode) in a traced process, and tracks the bindings between
// function names and the breakpoints resolved for them as shared
// libraries come and go.
package breakpoint

import (
	"fmt"

	"github.com/mkimball-labs/heaptrace/pkg/procmap"
	"github.com/mkimball-labs/heaptrace/pkg/symtab"
	"github.com/sirupsen/logrus"
)

const int3 = 0xCC

// WordReader reads the 8-byte, 8-byte-aligned word containing addr.
type WordReader func(tid int, addr uintptr) (uint64, error)

// WordWriter writes the 8-byte, 8-byte-aligned word containing addr.
type WordWriter func(tid int, addr uintptr, word uint64) error

// Callback runs when a breakpoint fires, in whichever thread (tid) hit
// it. Errors are logged and swallowed by the caller, never propagated
// into the trace loop, matching allocscope's original policy of never
// letting one hook's failure tear down the whole trace.
type Callback func(tid int) error

// SyscallCallback runs at syscall-enter and syscall-exit for an
// intercepted syscall number; complete is true on the exit stop.
type SyscallCallback func(tid int, complete bool) error

// Breakpoint is one installed address.
type Breakpoint struct {
	Address             uint64
	OriginalInstruction byte
	Callback            Callback
	Persist             bool // false: one-shot, removable once no thread is still interested
	installed           bool
	oneShotThreads      map[int]bool
}

// LooseBinding associates a function name with a callback to install a
// persistent breakpoint for, whenever that name resolves against the
// current symbol index. Bindings outlive any individual Breakpoint,
// since the address a name resolves to can change as libraries load.
type LooseBinding struct {
	FunctionName string
	Callback     Callback
}

// Set owns every breakpoint and loose binding for one traced process.
type Set struct {
	peek WordReader
	poke WordWriter
	tid  int // the thread used to read/write the tracee's text

	bindings          []LooseBinding
	breakpoints       map[uint64]*Breakpoint
	syscallIntercepts map[int64]SyscallCallback
}

// New creates an empty Set bound to the given memory accessors. tid is
// the thread ptrace calls are issued against when installing/removing
// breakpoints; any stopped thread of the same process works, since they
// share an address space.
func New(peek WordReader, poke WordWriter, tid int) *Set {
	return &Set{
		peek:              peek,
		poke:              poke,
		tid:               tid,
		breakpoints:       make(map[uint64]*Breakpoint),
		syscallIntercepts: make(map[int64]SyscallCallback),
	}
}

// BreakpointOn registers a loose binding: whenever Resolve can resolve
// functionName to an address, a persistent breakpoint calling cb is
// installed there.
func (s *Set) BreakpointOn(functionName string, cb Callback) {
	s.bindings = append(s.bindings, LooseBinding{FunctionName: functionName, Callback: cb})
}

// InterceptSyscall registers cb to run at syscall-enter and syscall-exit
// for syscall number nr.
func (s *Set) InterceptSyscall(nr int64, cb SyscallCallback) {
	s.syscallIntercepts[nr] = cb
}

// SyscallIntercept returns the registered callback for syscall nr, if
// any.
func (s *Set) SyscallIntercept(nr int64) (SyscallCallback, bool) {
	cb, ok := s.syscallIntercepts[nr]
	return cb, ok
}

// Lookup returns the breakpoint installed at addr, if any.
func (s *Set) Lookup(addr uint64) (*Breakpoint, bool) {
	bp, ok := s.breakpoints[addr]
	return bp, ok
}

// AddBreakpoint installs a breakpoint at address, calling cb when it
// fires. If persist is false, the breakpoint is a one-shot: interested
// threads are registered with MarkOneShotThread, and RemoveOneShot
// uninstalls it once none remain. A persistent breakpoint is only ever
// removed by Clear.
//
// If a breakpoint already exists at address (e.g. two loose bindings
// resolve to the same address), its original instruction byte is left
// untouched: capturing the already-inserted 0xCC as "original" would
// corrupt the real instruction on removal.
func (s *Set) AddBreakpoint(address uint64, cb Callback, persist bool) error {
	if existing, ok := s.breakpoints[address]; ok {
		existing.Persist = existing.Persist || persist
		if !persist {
			if existing.oneShotThreads == nil {
				existing.oneShotThreads = make(map[int]bool)
			}
		}
		return nil
	}

	original, err := s.insertInstruction(address)
	if err != nil {
		return fmt.Errorf("breakpoint: install %#x: %w", address, err)
	}

	bp := &Breakpoint{
		Address:             address,
		OriginalInstruction: original,
		Callback:            cb,
		Persist:             persist,
		installed:           true,
	}
	if !persist {
		bp.oneShotThreads = make(map[int]bool)
	}
	s.breakpoints[address] = bp
	return nil
}

// RemoveOneShot removes a breakpoint that was installed with persist =
// false, once its one-shot has fired for every thread that asked for
// it. It is a no-op if the breakpoint is persistent or still has
// outstanding interested threads.
func (s *Set) RemoveOneShot(address uint64) error {
	bp, ok := s.breakpoints[address]
	if !ok || bp.Persist || len(bp.oneShotThreads) > 0 {
		return nil
	}
	if err := s.removeInstruction(bp); err != nil {
		return fmt.Errorf("breakpoint: remove one-shot %#x: %w", address, err)
	}
	delete(s.breakpoints, address)
	return nil
}

// MarkOneShotThread records that tid is interested in a one-shot
// breakpoint at address (used for return breakpoints shared across
// threads that entered the same hooked function concurrently).
func (s *Set) MarkOneShotThread(address uint64, tid int) {
	bp, ok := s.breakpoints[address]
	if !ok {
		return
	}
	if bp.oneShotThreads == nil {
		bp.oneShotThreads = make(map[int]bool)
	}
	bp.oneShotThreads[tid] = true
}

// ClearOneShotThread removes tid's interest in address's one-shot. It
// does not uninstall the breakpoint; see RemoveOneShot.
func (s *Set) ClearOneShotThread(address uint64, tid int) {
	bp, ok := s.breakpoints[address]
	if !ok {
		return
	}
	delete(bp.oneShotThreads, tid)
}

// IsOneShotThread reports whether tid has a registered one-shot
// interest in the breakpoint at address.
func (s *Set) IsOneShotThread(address uint64, tid int) bool {
	bp, ok := s.breakpoints[address]
	if !ok {
		return false
	}
	return bp.oneShotThreads[tid]
}

// StepThrough removes addr's breakpoint instruction, single-steps the
// thread past it, waits for the resulting SIGTRAP, and reinstalls the
// breakpoint — the sequence required to execute the real instruction a
// breakpoint displaced without racing a sibling thread across the same
// address. singleStep and waitForTrap are supplied by the caller so this
// package does not depend on pkg/ptrace directly.
func (s *Set) StepThrough(tid int, address uint64, singleStep func(tid int) error, waitForTrap func(tid int) error) error {
	bp, ok := s.breakpoints[address]
	if !ok {
		return fmt.Errorf("breakpoint: step-through %#x: not installed", address)
	}

	if err := s.removeInstruction(bp); err != nil {
		return fmt.Errorf("breakpoint: step-through remove %#x: %w", address, err)
	}
	if err := singleStep(tid); err != nil {
		return fmt.Errorf("breakpoint: step-through singlestep %#x: %w", address, err)
	}
	if err := waitForTrap(tid); err != nil {
		return fmt.Errorf("breakpoint: step-through wait %#x: %w", address, err)
	}
	if err := s.insertAt(bp); err != nil {
		return fmt.Errorf("breakpoint: step-through reinstall %#x: %w", address, err)
	}
	return nil
}

// Resolve rebuilds the set's view of which addresses are currently
// mapped, installs a persistent breakpoint for every loose binding that
// newly resolves against idx, and rewrites the 0xCC byte for every
// already-known breakpoint whose address still falls inside a current
// mapping.
//
// Breakpoints whose address is no longer covered by any mapping are
// left untouched rather than rewritten: the original implementation
// unconditionally rewrote every known breakpoint here, which the spec
// calls out as hazardous if a library has since been unmapped and that
// memory now belongs to something else. This implementation tracks
// mapping coverage instead and skips the rewrite for stale addresses,
// logging at debug level when it does.
func (s *Set) Resolve(m *procmap.Map, idx *symtab.Index) error {
	covered := make(map[uint64]bool, len(s.breakpoints))
	for addr := range s.breakpoints {
		if _, ok := m.EntryFor(addr); ok {
			covered[addr] = true
		}
	}

	for _, binding := range s.bindings {
		for _, sym := range idx.Lookup(binding.FunctionName) {
			if _, ok := s.breakpoints[sym.Address]; ok {
				continue
			}
			if err := s.AddBreakpoint(sym.Address, binding.Callback, true); err != nil {
				return fmt.Errorf("breakpoint: resolve %s: %w", binding.FunctionName, err)
			}
			covered[sym.Address] = true
		}
	}

	for addr, bp := range s.breakpoints {
		if !covered[addr] {
			logrus.WithField("address", fmt.Sprintf("%#x", addr)).
				Debug("breakpoint: skipping rebind of address no longer mapped")
			continue
		}
		if err := s.insertAt(bp); err != nil {
			return fmt.Errorf("breakpoint: rebind %#x: %w", addr, err)
		}
	}
	return nil
}

// Clear removes every installed breakpoint instruction, restoring
// original bytes; used on detach.
func (s *Set) Clear() error {
	for addr, bp := range s.breakpoints {
		if err := s.removeInstruction(bp); err != nil {
			return fmt.Errorf("breakpoint: clear %#x: %w", addr, err)
		}
		delete(s.breakpoints, addr)
	}
	return nil
}

// insertInstruction patches the aligned word containing address with
// 0xCC, returning the byte it displaced. If another breakpoint already
// occupies the same aligned word, only the one target byte is touched;
// the sibling byte(s) are preserved.
func (s *Set) insertInstruction(address uint64) (byte, error) {
	aligned := uintptr(address &^ 7)
	shift := uint((address & 7) * 8)

	word, err := s.peek(s.tid, aligned)
	if err != nil {
		return 0, err
	}
	original := byte(word >> shift)

	patched := (word &^ (0xff << shift)) | (uint64(int3) << shift)
	if err := s.poke(s.tid, aligned, patched); err != nil {
		return 0, err
	}
	return original, nil
}

// insertAt reinstalls bp's breakpoint instruction using its already
// captured original byte (used by Resolve's rebind pass and by
// StepThrough).
func (s *Set) insertAt(bp *Breakpoint) error {
	aligned := uintptr(bp.Address &^ 7)
	shift := uint((bp.Address & 7) * 8)

	word, err := s.peek(s.tid, aligned)
	if err != nil {
		return err
	}
	patched := (word &^ (0xff << shift)) | (uint64(int3) << shift)
	if err := s.poke(s.tid, aligned, patched); err != nil {
		return err
	}
	bp.installed = true
	return nil
}

// removeInstruction restores bp's original instruction byte.
func (s *Set) removeInstruction(bp *Breakpoint) error {
	if !bp.installed {
		return nil
	}
	aligned := uintptr(bp.Address &^ 7)
	shift := uint((bp.Address & 7) * 8)

	word, err := s.peek(s.tid, aligned)
	if err != nil {
		return err
	}
	restored := (word &^ (0xff << shift)) | (uint64(bp.OriginalInstruction) << shift)
	if err := s.poke(s.tid, aligned, restored); err != nil {
		return err
	}
	bp.installed = false
	return nil
}
