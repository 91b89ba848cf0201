package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/copier"
)

var (
	copyKind     string
	copyDestKind string
)

func newCopyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy SRC DST",
		Short: "Copy a file or replace a directory tree",
		Long: `Copy SRC to DST the same way a run stages manifest entries.

A file is copied to DST, or into DST when DST is a directory. A directory
replaces DST entirely; files only present in the old DST are removed.
Read-only destination entries are overwritten. Other combinations are
reported as incompatible and nothing is changed.`,
		Example: `  buildprep copy data binaries/data
  buildprep copy third_party/libraries/fmod.dll binaries --dest-kind dir`,
		Args: cobra.ExactArgs(2),
		RunE: copyRun,
	}

	cmd.Flags().StringVar(&copyKind, "kind", "", "expected source kind (file or dir)")
	cmd.Flags().StringVar(&copyDestKind, "dest-kind", "", "destination kind when it does not exist yet (file or dir)")

	return cmd
}

func copyRun(cmd *cobra.Command, args []string) error {
	srcKind, err := copier.ParseKind(copyKind)
	if err != nil {
		return err
	}
	dstKind, err := copier.ParseKind(copyDestKind)
	if err != nil {
		return err
	}

	c := copier.New(logger, os.Stdout)
	if _, err := c.Copy(args[0], args[1], copier.Hints{Source: srcKind, Dest: dstKind}); err != nil {
		return err
	}
	fmt.Println("Done.")
	return nil
}
