package store

import "time"

// Run status values
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Run records one provisioning execution
type Run struct {
	ID           int64
	UUID         string
	Target       string
	Format       string
	Status       string // "running", "success", "failed"
	ErrorMessage string
	Staged       int
	Incompatible int
	BundleStatus string // "cached", "fetched", or empty when the bundle step did not finish
	StartTime    time.Time
	EndTime      time.Time
}

// BundleVerification records a successful bundle hash check
type BundleVerification struct {
	ID          int64
	RunID       int64
	ArchivePath string
	Algorithm   string
	Digest      string
	Size        int64
	Cached      bool // true when an existing archive was reused
	VerifiedAt  time.Time
}
