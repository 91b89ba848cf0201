package copier

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/buildprep/internal/safety"
)

// Outcome is the result of a single copy.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeIncompatible
)

func (o Outcome) String() string {
	if o == OutcomeIncompatible {
		return "incompatible"
	}
	return "success"
}

// ErrIncompatible is matched when source and destination kinds cannot be combined.
var ErrIncompatible = errors.New("incompatible copy")

// IncompatibleError reports an unsupported source/destination pairing.
// SourceKind is KindUnknown when the source does not exist. Nothing on disk
// was touched.
type IncompatibleError struct {
	Source     string
	Dest       string
	SourceKind Kind
	DestKind   Kind
}

func (e *IncompatibleError) Error() string {
	if e.SourceKind == KindUnknown {
		return fmt.Sprintf("%s and %s are not compatible (source not found)", e.Source, e.Dest)
	}
	return fmt.Sprintf("%s and %s are not compatible (%s onto %s)", e.Source, e.Dest, e.SourceKind, e.DestKind)
}

func (e *IncompatibleError) Unwrap() error {
	return ErrIncompatible
}

// Hints carries kinds known ahead of time. KindUnknown means sniff the path.
type Hints struct {
	Source Kind
	Dest   Kind
}

// Copier stages files and directory trees.
type Copier struct {
	logger *slog.Logger
	out    io.Writer
}

// New creates a Copier that announces each operation on out.
func New(logger *slog.Logger, out io.Writer) *Copier {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Copier{logger: logger, out: out}
}

// Copy copies src to dst. A file lands at dst, or inside dst when dst is a
// directory. A directory replaces dst entirely. Other pairings, including a
// missing source, return OutcomeIncompatible with an *IncompatibleError and
// change nothing.
func (c *Copier) Copy(src, dst string, hints Hints) (Outcome, error) {
	srcInfo, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return c.incompatible(src, dst, KindUnknown, destKind(dst, hints.Dest))
	}
	if err != nil {
		return OutcomeSuccess, fmt.Errorf("source %s: %w", src, err)
	}
	srcKind := KindFile
	if srcInfo.IsDir() {
		srcKind = KindDirectory
	}

	dstKind := destKind(dst, hints.Dest)

	if hints.Source != KindUnknown && hints.Source != srcKind {
		return c.incompatible(src, dst, srcKind, dstKind)
	}

	switch {
	case srcKind == KindFile:
		target := dst
		if dstKind == KindDirectory {
			target = filepath.Join(dst, filepath.Base(src))
		}
		if info, err := os.Stat(target); err == nil && info.IsDir() {
			return c.incompatible(src, target, srcKind, KindDirectory)
		}
		if same, err := samePath(src, target); err != nil {
			return OutcomeSuccess, err
		} else if same {
			return OutcomeSuccess, fmt.Errorf("source and destination are the same file: %s", src)
		}

		fmt.Fprintf(c.out, "Copying file \"%s\" to \"%s\"...\n", src, target)
		if err := copyFile(src, target, srcInfo); err != nil {
			return OutcomeSuccess, err
		}
		c.logger.Debug("copied file", "src", src, "dst", target, "size", srcInfo.Size())
		return OutcomeSuccess, nil

	case srcKind == KindDirectory && dstKind == KindDirectory:
		if err := checkTreeOverlap(src, dst); err != nil {
			return OutcomeSuccess, err
		}

		fmt.Fprintf(c.out, "Copying directory \"%s\" to directory \"%s\"...\n", src, dst)
		if err := safety.RemoveAll(dst); err != nil {
			return OutcomeSuccess, err
		}
		files, err := copyTree(src, dst)
		if err != nil {
			return OutcomeSuccess, err
		}
		c.logger.Debug("copied directory", "src", src, "dst", dst, "files", files)
		return OutcomeSuccess, nil

	default:
		return c.incompatible(src, dst, srcKind, dstKind)
	}
}

func (c *Copier) incompatible(src, dst string, srcKind, dstKind Kind) (Outcome, error) {
	fmt.Fprintf(c.out, "Error: %s and %s are not compatible.\n", src, dst)
	c.logger.Warn("incompatible copy", "src", src, "dst", dst, "src_kind", srcKind, "dst_kind", dstKind)
	return OutcomeIncompatible, &IncompatibleError{Source: src, Dest: dst, SourceKind: srcKind, DestKind: dstKind}
}

// destKind resolves the destination kind. What is on disk wins over the hint.
func destKind(dst string, hint Kind) Kind {
	if info, err := os.Stat(dst); err == nil {
		if info.IsDir() {
			return KindDirectory
		}
		return KindFile
	}
	if hint != KindUnknown {
		return hint
	}
	return Classify(dst)
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}

// checkTreeOverlap refuses copies where replacing dst would destroy src or
// where dst sits inside the tree being copied.
func checkTreeOverlap(src, dst string) error {
	if safety.IsWithin(src, dst) || safety.IsWithin(dst, src) {
		return fmt.Errorf("source %s and destination %s overlap", src, dst)
	}
	return nil
}

// copyFile writes src to a temp file beside target, copies mode and mtime,
// then renames it over target. target is either untouched or complete.
func copyFile(src, target string, srcInfo fs.FileInfo) (err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := safety.MakeWritable(target); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to copy permissions: %w", err)
	}
	if err = os.Chtimes(tmpPath, time.Now(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to copy timestamps: %w", err)
	}
	if err = os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

// copyTree recursively copies src into a fresh dst and returns the file count.
// Directory modes are applied after their contents so read-only source
// directories can still be populated.
func copyTree(src, dst string) (int, error) {
	type dirMeta struct {
		path string
		info fs.FileInfo
	}
	var dirs []dirMeta
	files := 0

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			dirs = append(dirs, dirMeta{path: target, info: info})
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		case d.Type().IsRegular():
			if err := copyFile(path, target, info); err != nil {
				return err
			}
			files++
		default:
			return fmt.Errorf("unsupported file type %v at %s", d.Type(), path)
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.info.Mode().Perm()); err != nil {
			return files, fmt.Errorf("failed to copy permissions for %s: %w", d.path, err)
		}
		_ = os.Chtimes(d.path, time.Now(), d.info.ModTime())
	}
	return files, nil
}
