// Command heaptrace attaches to or spawns a target process, installs
// breakpoints on its malloc/calloc/realloc/free entry points, and
// records every allocation and free it observes to a trace file.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mkimball-labs/heaptrace/pkg/breakpoint"
	"github.com/mkimball-labs/heaptrace/pkg/hooks"
	"github.com/mkimball-labs/heaptrace/pkg/ptrace"
	"github.com/mkimball-labs/heaptrace/pkg/sink"
	"github.com/mkimball-labs/heaptrace/pkg/tracectx"
	"github.com/mkimball-labs/heaptrace/pkg/tracer"
	"github.com/mkimball-labs/heaptrace/pkg/unwind"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is overwritten at release build time via -ldflags.
var version = "dev"

var (
	output    string
	targetPID int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "heaptrace [flags] [command]",
		Short:                 "Trace heap allocations in a process via ptrace",
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		Version:               version,
		RunE:                  run,
	}
	cmd.SetVersionTemplate("heaptrace {{.Version}}\n")

	cmd.Flags().StringVarP(&output, "output", "o", "", "record trace to the given filename")
	cmd.Flags().IntVarP(&targetPID, "pid", "p", 0, "attach to an already-running process instead of spawning a command")
	cmd.Flags().SetInterspersed(false) // flags after the target command belong to it, not us

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if targetPID == 0 && len(args) == 0 {
		return fmt.Errorf("heaptrace: either -p/--pid or a command to run is required")
	}

	filename := output
	if filename == "" {
		filename = traceFilename(args)
	}

	evSink, err := sink.Create(filename, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("heaptrace: %w", err)
	}
	defer evSink.Close()

	if err := evSink.OpenTransaction(); err != nil {
		return fmt.Errorf("heaptrace: %w", err)
	}
	defer func() {
		if err := evSink.Commit(); err != nil {
			logrus.WithError(err).Warn("heaptrace: commit trace failed")
		}
	}()

	// ptrace's per-tracer state is bound to the calling OS thread; the
	// whole trace loop, from the initial attach/spawn on, must run
	// there.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var pid int
	if targetPID != 0 {
		pid = targetPID
	} else {
		pid, err = ptrace.SpawnTraced(args, os.Stdout, os.Stderr)
		if err != nil {
			return fmt.Errorf("heaptrace: %w", err)
		}
	}

	bps := breakpoint.New(ptrace.PeekWord, ptrace.PokeWord, pid)
	ctx := tracectx.New(pid, bps)
	tx := evSink.NewTransaction()

	policy := hooks.New(ctx, tx, evSink, ptrace.GetRegs, readerFor, hooks.Now)
	policy.Install()

	tr := tracer.New(ctx)
	tr.InProgress = tx.InProgress

	// The trace loop's own OS thread blocks SIGINT/SIGTERM delivery to
	// itself (see pkg/ptrace.BlockTermSignals) so a signal never
	// interrupts it mid-ptrace-call; this goroutine runs on whichever
	// other thread the signal lands on and marks the shutdown request,
	// which the loop polls for between waits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ptrace.NotifyShutdown()
	}()

	logrus.WithFields(logrus.Fields{"pid": pid, "trace": filename}).Info("heaptrace: tracing")

	if targetPID != 0 {
		return tr.AttachAndRun(pid)
	}
	return tr.RunSpawned(pid)
}

func readerFor(tid int) unwind.MemReader {
	return func(addr uintptr) (uint64, error) { return ptrace.PeekWord(tid, addr) }
}

// traceFilename derives "<basename of argv[0]>.atrace" from the traced
// command, or "alloc-trace.atrace" if there is no command (attaching by
// pid) or its name can't be determined.
func traceFilename(command []string) string {
	if len(command) == 0 {
		return "alloc-trace.atrace"
	}
	base := filepath.Base(command[0])
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "alloc-trace.atrace"
	}
	return base + ".atrace"
}
