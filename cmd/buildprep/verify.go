package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/buildprep/internal/verify"
)

var verifyAlgorithm string

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify FILE HASH",
		Short: "Check a file against an expected digest",
		Long: `Hash FILE and compare it to HASH (hex, case-insensitive).
Exits non-zero on mismatch or when the file cannot be read.`,
		Example: `  buildprep verify third_party/libraries/libraries.7z 8a20305ee9658dfd...
  buildprep verify libs.tar.zst 1f2e... --algorithm blake3`,
		Args: cobra.ExactArgs(2),
		RunE: verifyRun,
	}

	cmd.Flags().StringVar(&verifyAlgorithm, "algorithm", "sha256", "hash algorithm (sha256, sha512, blake3)")

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	algo, err := verify.ParseAlgorithm(verifyAlgorithm)
	if err != nil {
		return err
	}

	path, expected := args[0], args[1]
	fmt.Printf("Verifying \"%s\" (%s)...\n", path, algo)

	actual, _, err := verify.HashFile(path, algo)
	if err != nil {
		return err
	}
	if !verify.Equal(actual, expected) {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", path, expected, actual)
	}

	fmt.Println("OK")
	return nil
}
