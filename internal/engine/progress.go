package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// RunPhase represents the current phase of a provisioning run.
type RunPhase string

const (
	PhaseStaging    RunPhase = "staging"
	PhaseBundle     RunPhase = "bundle"
	PhaseLibraries  RunPhase = "libraries"
	PhaseGenerating RunPhase = "generating"
	PhaseComplete   RunPhase = "complete"
	PhaseFailed     RunPhase = "failed"
)

// RunProgress is a snapshot of the current run state.
type RunProgress struct {
	Target          string        `json:"target"`
	Phase           RunPhase      `json:"phase"`
	Staged          int           `json:"staged"`
	Skipped         int           `json:"skipped"`
	Incompatible    int           `json:"incompatible"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"`
	Percent         float64       `json:"percent"`
	BytesPerSecond  int64         `json:"bytes_per_second"`
	StartTime       time.Time     `json:"start_time"`
	Elapsed         time.Duration `json:"elapsed"`
	Message         string        `json:"message,omitempty"`
}

// RunTracker accumulates run progress. Download callbacks may arrive from the
// HTTP body reader, so all state is guarded by mu.
type RunTracker struct {
	mu sync.Mutex

	target          string
	phase           RunPhase
	staged          int
	skipped         int
	incompatible    int
	bytesDownloaded int64
	totalBytes      int64
	startTime       time.Time
	message         string

	// Byte updates are printed at most once per printEvery.
	out        io.Writer
	printEvery time.Duration
	lastPrint  time.Time
}

// NewRunTracker creates a tracker for target that prints download progress to out.
func NewRunTracker(target string, out io.Writer) *RunTracker {
	if out == nil {
		out = io.Discard
	}
	return &RunTracker{
		target:     target,
		phase:      PhaseStaging,
		startTime:  time.Now(),
		out:        out,
		printEvery: 500 * time.Millisecond,
	}
}

// Snapshot returns a copy of the current progress state.
func (t *RunTracker) Snapshot() RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.totalBytes > 0 {
		pct = float64(t.bytesDownloaded) / float64(t.totalBytes) * 100
	}

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	if elapsed > time.Second && t.bytesDownloaded > 0 {
		bytesPerSecond = int64(float64(t.bytesDownloaded) / elapsed.Seconds())
	}

	return RunProgress{
		Target:          t.target,
		Phase:           t.phase,
		Staged:          t.staged,
		Skipped:         t.skipped,
		Incompatible:    t.incompatible,
		BytesDownloaded: t.bytesDownloaded,
		TotalBytes:      t.totalBytes,
		Percent:         pct,
		BytesPerSecond:  bytesPerSecond,
		StartTime:       t.startTime,
		Elapsed:         elapsed,
		Message:         t.message,
	}
}

// SetPhase updates the current run phase.
func (t *RunTracker) SetPhase(phase RunPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
}

// SetMessage sets a human-readable status message.
func (t *RunTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
}

// EntryStaged counts a successfully copied manifest entry.
func (t *RunTracker) EntryStaged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged++
}

// EntrySkipped counts an optional entry whose source was absent.
func (t *RunTracker) EntrySkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped++
}

// EntryIncompatible counts a manifest entry that could not be copied.
func (t *RunTracker) EntryIncompatible() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incompatible++
}

// UpdateDownload records bundle download progress and prints a throttled
// progress line. It matches download.ProgressFunc.
func (t *RunTracker) UpdateDownload(bytesDownloaded, totalBytes int64) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.bytesDownloaded = bytesDownloaded
	t.totalBytes = totalBytes

	done := totalBytes > 0 && bytesDownloaded >= totalBytes
	if !done && now.Sub(t.lastPrint) < t.printEvery {
		return
	}
	t.lastPrint = now
	fmt.Fprintln(t.out, formatDownloadProgress(bytesDownloaded, totalBytes))
}

func formatDownloadProgress(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("  downloaded %s", humanize.Bytes(uint64(max(done, 0))))
	}
	pct := float64(done) / float64(total) * 100
	return fmt.Sprintf("  downloaded %s / %s (%.0f%%)", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)), pct)
}
