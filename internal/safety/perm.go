package safety

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// MakeWritable clears the read-only state of path so it can be overwritten
// or removed. Missing paths and symlinks are left alone.
func MakeWritable(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return makeWritable(path, info.Mode())
}

func makeWritable(path string, mode fs.FileMode) error {
	if mode&fs.ModeSymlink != 0 {
		return nil
	}
	want := mode.Perm() | 0o200
	if mode.IsDir() {
		// Removing children needs search and list access on the parent.
		want |= 0o700
	}
	if want == mode.Perm() {
		return nil
	}
	if err := os.Chmod(path, want); err != nil {
		return fmt.Errorf("clearing read-only on %s: %w", path, err)
	}
	return nil
}

// RemoveAll deletes path and everything below it, first making every entry
// writable so a single read-only file cannot abort the removal.
func RemoveAll(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	// WalkDir visits a directory before reading it, so fixing its mode in
	// the callback lets the walk descend into unreadable directories.
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return makeWritable(p, info.Mode())
	})
	if walkErr != nil {
		return fmt.Errorf("preparing %s for removal: %w", path, walkErr)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
