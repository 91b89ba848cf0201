package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/archive"
)

var (
	extractNested    bool
	extractOverwrite bool
)

func newExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE DEST",
		Short: "Extract an archive into a directory",
		Long: `Extract ARCHIVE into DEST, creating DEST if needed. Supported formats are
7z, zip, tar, tar.gz, tar.xz, tar.zst and tar.lz4, detected from the file
header with the extension as a fallback.

Existing files are kept unless --overwrite is given. With --nested, archives
found among the extracted files are expanded in place and removed.`,
		Example: `  buildprep extract third_party/libraries/libraries.7z third_party/libraries
  buildprep extract libs.tar.zst out --overwrite --nested`,
		Args: cobra.ExactArgs(2),
		RunE: extractRun,
	}

	cmd.Flags().BoolVar(&extractNested, "nested", false, "also expand archives found inside the archive")
	cmd.Flags().BoolVar(&extractOverwrite, "overwrite", false, "replace existing files")

	return cmd
}

func extractRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := archive.ModeFlat
	if extractNested {
		mode = archive.ModeNested
	}

	fmt.Printf("Extracting \"%s\" to \"%s\"...\n", args[0], args[1])
	x := archive.NewExtractor(logger)
	report, err := x.Extract(ctx, args[0], args[1], archive.Options{Mode: mode, OverwriteAll: extractOverwrite})
	if err != nil {
		return err
	}

	fmt.Printf("Extracted %d files (%s), skipped %d existing", report.Extracted, humanize.Bytes(uint64(report.Bytes)), report.Skipped)
	if len(report.Nested) > 0 {
		fmt.Printf(", expanded %d nested archives", len(report.Nested))
	}
	fmt.Println(".")
	return nil
}
