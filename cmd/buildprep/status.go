package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/store"
)

var statusLimit int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent provisioning runs",
		Long: `Show the most recent runs recorded in the run ledger, newest first,
followed by the last verification of the library bundle.`,
		Example: `  buildprep status
  buildprep status --limit 20`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show (0 for all)")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		fmt.Println("No run history available.")
		return nil
	}

	runs, err := globalStore.ListRuns(statusLimit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
	} else {
		fmt.Println("Recent Runs")
		fmt.Println("===========")
		fmt.Println("")
		fmt.Printf("%-8s %-10s %-8s %-8s %7s %6s %-8s %10s\n", "Run", "Target", "Format", "Status", "Staged", "Incmp", "Bundle", "Started")
		fmt.Println(strings.Repeat("-", 74))
		for _, r := range runs {
			fmt.Printf("%-8s %-10s %-8s %-8s %7d %6d %-8s %10s\n",
				shortID(r.UUID),
				r.Target,
				r.Format,
				r.Status,
				r.Staged,
				r.Incompatible,
				orDash(r.BundleStatus),
				humanize.Time(r.StartTime),
			)
			if r.ErrorMessage != "" {
				fmt.Printf("         error: %s\n", r.ErrorMessage)
			}
		}
		fmt.Println("")
	}

	archive := globalCfg.Resolve(globalCfg.Bundle.Archive)
	v, err := globalStore.LastVerification(archive)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Printf("Bundle %s has not been verified yet.\n", archive)
	case err != nil:
		return err
	default:
		source := "downloaded"
		if v.Cached {
			source = "cached"
		}
		fmt.Printf("Bundle %s last verified %s (%s, %s, %s %s)\n",
			archive,
			v.VerifiedAt.Format(time.DateTime),
			source,
			humanize.Bytes(uint64(v.Size)),
			v.Algorithm,
			shortID(v.Digest),
		)
	}

	if version, err := globalStore.SchemaVersion(); err == nil {
		fmt.Printf("Ledger %s (schema v%d)\n", globalCfg.ResolvedDBPath(), version)
	}
	return nil
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
