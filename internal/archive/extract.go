package archive

import (
	"context"
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

// Mode selects how a bundle is expanded. It is a closed set.
type Mode int

const (
	// ModeFlat expands the archive's entries once.
	ModeFlat Mode = iota
	// ModeNested additionally expands archives found among the extracted
	// files into their containing directory and removes the inner payload.
	ModeNested
)

func (m Mode) String() string {
	if m == ModeNested {
		return "nested"
	}
	return "flat"
}

// maxNestedDepth bounds how many archive-in-archive levels ModeNested follows.
const maxNestedDepth = 3

// ErrExtraction is matched by every extraction failure.
var ErrExtraction = errors.New("extraction failed")

// ExtractionError describes a failed extraction. The destination may hold a
// partial result and should be treated as unreliable.
type ExtractionError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extracting %s (entry %q): %v", e.Archive, e.Entry, e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

// Options configures an extraction.
type Options struct {
	Mode Mode
	// OverwriteAll replaces existing destination files instead of skipping them.
	OverwriteAll bool
}

// Report summarizes a completed extraction.
type Report struct {
	Format    Format
	Extracted int
	Skipped   int
	Bytes     int64
	Nested    []string
	Duration  time.Duration
	// Files lists destination paths written, in archive order.
	Files []string

	// entries holds every regular-file destination, written or skipped.
	entries []string
}

// Extractor expands bundle archives into directories.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract expands archivePath into destDir, creating destDir if needed.
func (x *Extractor) Extract(ctx context.Context, archivePath, destDir string, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if err := x.extractOne(ctx, archivePath, destDir, opts, report); err != nil {
		return report, err
	}

	if opts.Mode == ModeNested {
		if err := x.expandNested(ctx, archivePath, report.entries, opts, report, 1); err != nil {
			return report, err
		}
	}

	report.Duration = time.Since(start)
	x.logger.Info("extraction completed",
		"archive", archivePath,
		"dest", destDir,
		"format", report.Format,
		"mode", opts.Mode,
		"extracted", report.Extracted,
		"skipped", report.Skipped,
		"nested", len(report.Nested),
	)
	return report, nil
}

func (x *Extractor) extractOne(ctx context.Context, archivePath, destDir string, opts Options, report *Report) error {
	format, err := Detect(archivePath)
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	if format == FormatUnknown {
		return &ExtractionError{Archive: archivePath, Err: fmt.Errorf("unsupported archive format")}
	}
	if report.Format == FormatUnknown {
		report.Format = format
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &ExtractionError{Archive: archivePath, Err: fmt.Errorf("creating destination: %w", err)}
	}

	w := &entryWriter{ctx: ctx, destDir: destDir, opts: opts, report: report}

	x.logger.Debug("extracting archive", "archive", archivePath, "format", format, "dest", destDir)
	switch format {
	case Format7z:
		err = extract7z(archivePath, w)
	case FormatZip:
		err = extractZip(archivePath, w)
	default:
		err = extractTar(archivePath, format, w)
	}
	if err != nil {
		var extractErr *ExtractionError
		if errors.As(err, &extractErr) {
			extractErr.Archive = archivePath
			return extractErr
		}
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	return nil
}

// expandNested extracts inner archives in place. Candidates are the outer
// archive's file entries, including ones skipped because an earlier run left
// them on disk. The outer archive itself is never a candidate, even when it
// was extracted into its own directory.
func (x *Extractor) expandNested(ctx context.Context, outer string, files []string, opts Options, report *Report, depth int) error {
	if depth > maxNestedDepth {
		return nil
	}
	outerAbs, _ := filepath.Abs(outer)

	for _, path := range files {
		if FormatFromName(path) == FormatUnknown {
			continue
		}
		if abs, _ := filepath.Abs(path); abs == outerAbs {
			continue
		}
		if format, err := Detect(path); err != nil || format == FormatUnknown {
			continue
		}

		x.logger.Info("extracting nested payload", "archive", path, "depth", depth)
		inner := &Report{Format: report.Format}
		if err := x.extractOne(ctx, path, filepath.Dir(path), opts, inner); err != nil {
			return err
		}
		report.Extracted += inner.Extracted
		report.Skipped += inner.Skipped
		report.Bytes += inner.Bytes
		report.Files = append(report.Files, inner.Files...)
		report.Nested = append(report.Nested, path)

		if err := safety.MakeWritable(path); err != nil {
			return &ExtractionError{Archive: path, Err: err}
		}
		if err := os.Remove(path); err != nil {
			return &ExtractionError{Archive: path, Err: fmt.Errorf("removing nested payload: %w", err)}
		}

		if err := x.expandNested(ctx, path, inner.entries, opts, report, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// entryWriter materializes archive entries under destDir.
type entryWriter struct {
	ctx     context.Context
	destDir string
	opts    Options
	report  *Report
}

func (w *entryWriter) target(name string) (string, error) {
	rel, err := safety.EntryPath(name)
	if err != nil {
		return "", &ExtractionError{Entry: name, Err: err}
	}
	path, err := safety.JoinUnder(w.destDir, rel)
	if err != nil {
		return "", &ExtractionError{Entry: name, Err: err}
	}
	return path, nil
}

func (w *entryWriter) dir(name string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	path, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &ExtractionError{Entry: name, Err: err}
	}
	return nil
}

func (w *entryWriter) file(name string, mode fs.FileMode, modTime time.Time, open func() (io.ReadCloser, error)) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if !mode.IsRegular() {
		return &ExtractionError{Entry: name, Err: fmt.Errorf("unsupported entry type %v", mode.Type())}
	}
	path, err := w.target(name)
	if err != nil {
		return err
	}
	w.report.entries = append(w.report.entries, path)

	if info, err := os.Lstat(path); err == nil {
		if info.IsDir() {
			return &ExtractionError{Entry: name, Err: fmt.Errorf("destination %s is a directory", path)}
		}
		if !w.opts.OverwriteAll {
			w.report.Skipped++
			return nil
		}
		if err := safety.MakeWritable(path); err != nil {
			return &ExtractionError{Entry: name, Err: err}
		}
	}

	rc, err := open()
	if err != nil {
		return &ExtractionError{Entry: name, Err: err}
	}
	defer func() {
		_ = rc.Close()
	}()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	n, err := writeAtomic(path, rc, perm, modTime)
	if err != nil {
		return &ExtractionError{Entry: name, Err: err}
	}

	w.report.Extracted++
	w.report.Bytes += n
	w.report.Files = append(w.report.Files, path)
	return nil
}

// writeAtomic streams r into a temp file beside path and renames it into
// place once fully written, so an interrupted entry never occupies path.
func writeAtomic(path string, r io.Reader, perm fs.FileMode, modTime time.Time) (n int64, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if n, err = io.Copy(tmp, r); err != nil {
		return n, err
	}
	if err = tmp.Close(); err != nil {
		return n, err
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return n, err
	}
	if !modTime.IsZero() {
		_ = os.Chtimes(tmpPath, modTime, modTime)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("moving %s into place: %w", path, err)
	}
	return n, nil
}
