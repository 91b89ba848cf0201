package engine

import (
	"context"
	"fmt"

	"github.com/BadgerOps/buildprep/internal/archive"
	"github.com/BadgerOps/buildprep/internal/config"
	"github.com/BadgerOps/buildprep/internal/download"
	"github.com/BadgerOps/buildprep/internal/store"
	"github.com/BadgerOps/buildprep/internal/verify"
)

// Fetch downloads, verifies, and extracts the library bundle for target
// without staging anything else.
func (p *Provisioner) Fetch(ctx context.Context, target string) (*BundleReport, error) {
	tracker := p.newTracker(target)
	tracker.SetPhase(PhaseBundle)

	report, err := p.materializeBundle(ctx, p.cfg.Manifest().Bundle, target, tracker, 0)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(err.Error())
		return report, err
	}
	tracker.SetPhase(PhaseComplete)
	return report, nil
}

// materializeBundle makes the archive present and verified, then extracts it.
// Extraction only ever runs on an archive that verified in this call.
func (p *Provisioner) materializeBundle(ctx context.Context, b config.BundleConfig, target string, tracker *RunTracker, runID int64) (*BundleReport, error) {
	algo, err := verify.ParseAlgorithm(b.Algorithm)
	if err != nil {
		return nil, err
	}

	archivePath := p.cfg.Resolve(b.Archive)
	extractDir := p.cfg.Resolve(b.ExtractDir)
	report := &BundleReport{Archive: archivePath}

	fmt.Fprintf(p.out, "Fetching library bundle \"%s\"...\n", archivePath)

	dlCtx := ctx
	if d := b.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res, err := p.deps.Client.Download(dlCtx, download.Options{
		URL:              b.URL,
		DestPath:         archivePath,
		ExpectedChecksum: b.ExpectedHash,
		Algorithm:        algo,
		MaxSize:          b.MaxSizeBytes(),
		Attempts:         b.Attempts,
		OnProgress:       tracker.UpdateDownload,
	})
	if err != nil {
		return report, fmt.Errorf("library bundle: %w", err)
	}
	report.Digest = res.Digest
	report.Size = res.Size
	report.Status = res.Status

	if res.Status == download.StatusCached {
		fmt.Fprintf(p.out, "Library bundle already present and verified.\n")
	} else {
		fmt.Fprintf(p.out, "Library bundle downloaded and verified.\n")
	}
	p.recordVerification(runID, archivePath, algo, res)

	mode := archive.ModeFlat
	if b.NestedFor(target) {
		mode = archive.ModeNested
	}
	report.Mode = mode

	fmt.Fprintf(p.out, "Extracting \"%s\" to \"%s\"...\n", archivePath, extractDir)
	extraction, err := p.deps.Extractor.Extract(ctx, archivePath, extractDir, archive.Options{
		Mode:         mode,
		OverwriteAll: b.OverwriteAll,
	})
	report.Extraction = extraction
	if err != nil {
		return report, fmt.Errorf("library bundle: %w", err)
	}
	return report, nil
}

func (p *Provisioner) recordVerification(runID int64, archivePath string, algo verify.Algorithm, res *download.Result) {
	if p.deps.Store == nil {
		return
	}
	v := &store.BundleVerification{
		RunID:       runID,
		ArchivePath: archivePath,
		Algorithm:   string(algo),
		Digest:      res.Digest,
		Size:        res.Size,
		Cached:      res.Status == download.StatusCached,
	}
	if err := p.deps.Store.RecordVerification(v); err != nil {
		p.logger.Warn("failed to record bundle verification", "archive", archivePath, "error", err)
	}
}
