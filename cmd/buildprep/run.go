package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/engine"
)

var (
	runCI           bool
	runSkipGenerate bool

	// pauseInput is read before exiting an interactive run.
	pauseInput io.Reader = os.Stdin
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run TARGET FORMAT [ci]",
		Short: "Stage files, fetch libraries, and generate project files",
		Long: `Run the whole preparation pipeline for a build target:

  1. copy data and helper files into the binaries folder
  2. download (or reuse) and verify the library bundle, then extract it
  3. copy runtime libraries into the binaries folder
  4. invoke the project generator and check that it produced project files

Entries whose source and destination kinds cannot be combined are reported
and skipped. Any other failure stops the run with a non-zero exit code.

Unless --ci or a trailing "ci" argument is given, the command waits for
Enter before exiting so the output stays visible when launched from a file
manager.`,
		Example: `  buildprep run vs2022 d3d12
  buildprep run gmake2 vulkan ci
  buildprep run gmake2 vulkan --ci --skip-generate`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runRun,
	}

	cmd.Flags().BoolVar(&runCI, "ci", false, "non-interactive: do not wait for a key press before exiting")
	cmd.Flags().BoolVar(&runSkipGenerate, "skip-generate", false, "stop after staging libraries")

	return cmd
}

// isCI reports whether the run is non-interactive.
func isCI(args []string) bool {
	if runCI {
		return true
	}
	return len(args) > 2 && strings.EqualFold(args[2], "ci")
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) > 2 && !strings.EqualFold(args[2], "ci") {
		return fmt.Errorf("unexpected argument %q (only \"ci\" is accepted)", args[2])
	}
	if globalEngine == nil {
		return fmt.Errorf("provisioner not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := globalEngine.Run(ctx, engine.RunOptions{
		Target:       args[0],
		Format:       args[1],
		SkipGenerate: runSkipGenerate,
	})
	if report != nil {
		printRunReport(report)
	}
	if err != nil {
		return err
	}
	// Failures exit straight away so the reason is printed without a prompt.
	if !isCI(args) {
		waitForKey()
	}
	return nil
}

func printRunReport(report *engine.RunReport) {
	fmt.Println()
	if report.RunID != "" {
		fmt.Printf("Run %s (%s %s)\n", report.RunID, report.Target, report.Format)
	}
	fmt.Printf("  staged:        %d\n", report.Staged)
	fmt.Printf("  skipped:       %d\n", report.Skipped)
	fmt.Printf("  incompatible:  %d\n", len(report.Incompatible))
	for _, inc := range report.Incompatible {
		fmt.Printf("    - %s: %v\n", inc.Name, inc.Err)
	}
	if b := report.Bundle; b != nil && b.Status != "" {
		fmt.Printf("  bundle:        %s, %s (%s)\n", b.Status, humanize.Bytes(uint64(b.Size)), b.Mode)
	}
	for _, out := range report.Outputs {
		fmt.Printf("  generated:     %s\n", out)
	}
	fmt.Printf("  duration:      %s\n", report.Duration.Round(time.Millisecond))
}

func waitForKey() {
	fmt.Print("Press Enter to exit...")
	_, _ = bufio.NewReader(pauseInput).ReadString('\n')
	fmt.Println()
}
