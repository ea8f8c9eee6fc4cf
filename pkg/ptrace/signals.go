package ptrace

import (
	"sync"

	"golang.org/x/sys/unix"
)

// termSignals are the signals allocscope's tracer blocks on entry and
// polls for explicitly before each wait(), so that a shutdown request
// arriving mid-trace unwinds through a clean detach instead of an
// uncontrolled kill of the tracee.
var termSignals = []unix.Signal{unix.SIGINT, unix.SIGTERM}

var (
	pendingMu sync.Mutex
	pending   bool
)

// BlockTermSignals blocks SIGINT and SIGTERM for the calling thread. It
// does not record their arrival: the trace loop polls TermSignalPending
// between ptrace calls on its locked OS thread, and that flag is set by
// NotifyShutdown.
func BlockTermSignals() error {
	var set unix.Sigset_t
	for _, s := range termSignals {
		addSignal(&set, s)
	}
	return unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)
}

// NotifyShutdown marks a shutdown as requested. It is safe to call from a
// dedicated os/signal.Notify goroutine set up by the caller; BlockTermSignals
// only prevents the default terminating action, it does not by itself
// populate this flag.
func NotifyShutdown() {
	pendingMu.Lock()
	pending = true
	pendingMu.Unlock()
}

// TermSignalPending reports whether a shutdown has been requested since
// the last call to ResetShutdown.
func TermSignalPending() bool {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	return pending
}

// ResetShutdown clears the pending shutdown flag; used by tests.
func ResetShutdown() {
	pendingMu.Lock()
	pending = false
	pendingMu.Unlock()
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	// unix.Sigset_t is a fixed-size bitmap; Val[0] covers signals 1-64
	// on amd64/linux which is sufficient for SIGINT/SIGTERM.
	set.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}
