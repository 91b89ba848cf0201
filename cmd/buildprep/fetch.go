package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var fetchTarget string

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download, verify, and extract the library bundle",
		Long: `Make the library bundle present and verified, then extract it. A bundle
already on disk is reused without network access when its hash matches.
The target selects the extraction mode.`,
		Example: `  buildprep fetch
  buildprep fetch --target gmake2`,
		Args: cobra.NoArgs,
		RunE: fetchRun,
	}

	cmd.Flags().StringVar(&fetchTarget, "target", "vs2022", "build target used to pick the extraction mode")

	return cmd
}

func fetchRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("provisioner not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := globalEngine.Fetch(ctx, fetchTarget)
	if err != nil {
		return err
	}

	fmt.Printf("Bundle:    %s\n", report.Archive)
	fmt.Printf("Status:    %s\n", report.Status)
	fmt.Printf("Size:      %s\n", humanize.Bytes(uint64(report.Size)))
	fmt.Printf("Digest:    %s\n", report.Digest)
	if x := report.Extraction; x != nil {
		fmt.Printf("Extracted: %d files (%d skipped, %s mode)\n", x.Extracted, x.Skipped, report.Mode)
	}
	return nil
}
