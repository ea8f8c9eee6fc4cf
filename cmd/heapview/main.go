// Command heapview reads a trace file written by heaptrace and renders
// a text report of peak memory use per call stack.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/mkimball-labs/heaptrace/pkg/report"
	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

var version = "dev"

const defaultFilename = "alloc-trace.atrace"

var reportMode bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "heapview [flags] [ATRACE-FILENAME]",
		Short:         "Render a memory allocation report from a heaptrace trace file",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE:          run,
	}
	cmd.SetVersionTemplate("heapview {{.Version}}\n")

	// -r/--report is accepted for compatibility with the original
	// ncurses-based viewer's flag, which switched it out of its
	// interactive mode; this build only ever has the text report, so
	// the flag is accepted but has no effect on the output produced.
	cmd.Flags().BoolVarP(&reportMode, "report", "r", false, "generate a text report to stdout (the only mode this build supports)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	filename := defaultFilename
	if len(args) == 1 {
		filename = args[0]
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return fmt.Errorf("heapview: open %q: %w", filename, err)
	}
	defer db.Close()

	return report.Generate(os.Stdout, db, "heapview "+version)
}
