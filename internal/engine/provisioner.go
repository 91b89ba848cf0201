package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BadgerOps/buildprep/internal/archive"
	"github.com/BadgerOps/buildprep/internal/config"
	"github.com/BadgerOps/buildprep/internal/copier"
	"github.com/BadgerOps/buildprep/internal/download"
	"github.com/BadgerOps/buildprep/internal/generator"
	"github.com/BadgerOps/buildprep/internal/store"
)

// Deps are the collaborators a Provisioner drives. Nil fields get defaults,
// except Store, which is optional.
type Deps struct {
	Client    *download.Client
	Extractor *archive.Extractor
	Copier    *copier.Copier
	Generator *generator.Runner
	Store     *store.Store
}

// RunOptions selects what a run builds.
type RunOptions struct {
	Target string
	Format string
	// SkipGenerate stops after the libraries are staged.
	SkipGenerate bool
}

// IncompatibleEntry is a manifest entry that was reported and skipped.
type IncompatibleEntry struct {
	Name   string
	Source string
	Dest   string
	Err    error
}

// BundleReport describes how the library bundle was materialized.
type BundleReport struct {
	Archive    string
	Digest     string
	Size       int64
	Status     download.Status
	Mode       archive.Mode
	Extraction *archive.Report
}

// RunReport summarizes a provisioning run.
type RunReport struct {
	RunID        string
	Target       string
	Format       string
	Staged       int
	Skipped      int
	Incompatible []IncompatibleEntry
	Bundle       *BundleReport
	Generator    *generator.Result
	Outputs      []string
	Duration     time.Duration
}

// Provisioner prepares a source tree for building: it stages assets, fetches
// and unpacks the library bundle, stages libraries, and runs the generator.
type Provisioner struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	out    io.Writer

	trackerMu     sync.RWMutex
	activeTracker *RunTracker
}

// NewProvisioner creates a Provisioner. Audit lines are printed to out.
func NewProvisioner(cfg *config.Config, deps Deps, logger *slog.Logger, out io.Writer) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	if deps.Client == nil {
		deps.Client = download.NewClient(logger)
	}
	if deps.Extractor == nil {
		deps.Extractor = archive.NewExtractor(logger)
	}
	if deps.Copier == nil {
		deps.Copier = copier.New(logger, out)
	}
	if deps.Generator == nil {
		deps.Generator = generator.NewRunner(cfg.Workspace, cfg.Generator, logger, out)
	}
	return &Provisioner{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		out:    out,
	}
}

// ActiveProgress returns the tracker for the current or most recent run, or nil.
func (p *Provisioner) ActiveProgress() *RunTracker {
	p.trackerMu.RLock()
	defer p.trackerMu.RUnlock()
	return p.activeTracker
}

func (p *Provisioner) newTracker(target string) *RunTracker {
	tracker := NewRunTracker(target, p.out)
	p.trackerMu.Lock()
	p.activeTracker = tracker
	p.trackerMu.Unlock()
	return tracker
}

// Run executes the full pipeline in order. Incompatible copies are collected
// in the report; any other failure stops the run and is returned alongside
// the partial report.
func (p *Provisioner) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("target is required")
	}

	startTime := time.Now()
	manifest := p.cfg.Manifest()
	tracker := p.newTracker(opts.Target)
	report := &RunReport{Target: opts.Target, Format: opts.Format}

	run := p.startRun(opts, startTime)
	if run != nil {
		report.RunID = run.UUID
	}

	p.logger.Info("starting provisioning run", "target", opts.Target, "format", opts.Format, "run", report.RunID)

	err := p.run(ctx, opts, manifest, tracker, report, run)
	report.Duration = time.Since(startTime)

	if err != nil {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(err.Error())
		p.logger.Error("provisioning run failed", "target", opts.Target, "error", err)
	} else {
		tracker.SetPhase(PhaseComplete)
		p.logger.Info("provisioning run completed",
			"target", opts.Target,
			"staged", report.Staged,
			"skipped", report.Skipped,
			"incompatible", len(report.Incompatible),
			"duration", report.Duration,
		)
	}
	p.finishRun(run, report, err)
	return report, err
}

func (p *Provisioner) run(ctx context.Context, opts RunOptions, manifest config.Manifest, tracker *RunTracker, report *RunReport, run *store.Run) error {
	tracker.SetPhase(PhaseStaging)
	if err := p.stageEntries(ctx, manifest.Staging, tracker, report); err != nil {
		return err
	}

	tracker.SetPhase(PhaseBundle)
	var runID int64
	if run != nil {
		runID = run.ID
	}
	bundle, err := p.materializeBundle(ctx, manifest.Bundle, opts.Target, tracker, runID)
	report.Bundle = bundle
	if err != nil {
		return err
	}

	tracker.SetPhase(PhaseLibraries)
	if err := p.stageEntries(ctx, manifest.Libraries, tracker, report); err != nil {
		return err
	}

	if opts.SkipGenerate {
		return nil
	}

	tracker.SetPhase(PhaseGenerating)
	res, err := p.deps.Generator.Run(ctx, opts.Target, opts.Format)
	report.Generator = res
	if err != nil {
		return err
	}
	outputs, err := p.deps.Generator.CheckOutputs(opts.Target)
	if err != nil {
		return err
	}
	report.Outputs = outputs
	fmt.Fprintf(p.out, "Project files generated for %s.\n", opts.Target)
	return nil
}

// stageEntries copies manifest entries in declaration order.
func (p *Provisioner) stageEntries(ctx context.Context, entries []config.Entry, tracker *RunTracker, report *RunReport) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := p.cfg.Resolve(e.Source)
		dst := p.cfg.Resolve(e.Destination)

		if e.Optional {
			if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(p.out, "Skipping \"%s\", source not present.\n", src)
				p.logger.Debug("optional entry missing", "entry", e.Name, "src", src)
				report.Skipped++
				tracker.EntrySkipped()
				continue
			}
		}

		hints, err := entryHints(e)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.Name, err)
		}

		_, err = p.deps.Copier.Copy(src, dst, hints)
		if err != nil {
			if errors.Is(err, copier.ErrIncompatible) {
				report.Incompatible = append(report.Incompatible, IncompatibleEntry{
					Name: e.Name, Source: src, Dest: dst, Err: err,
				})
				tracker.EntryIncompatible()
				continue
			}
			return fmt.Errorf("staging %s: %w", e.Name, err)
		}
		report.Staged++
		tracker.EntryStaged()
	}
	return nil
}

func entryHints(e config.Entry) (copier.Hints, error) {
	srcKind, err := copier.ParseKind(e.Kind)
	if err != nil {
		return copier.Hints{}, err
	}
	dstKind, err := copier.ParseKind(e.DestKind)
	if err != nil {
		return copier.Hints{}, err
	}
	return copier.Hints{Source: srcKind, Dest: dstKind}, nil
}

// startRun records the run in the ledger. Ledger failures never stop a run.
func (p *Provisioner) startRun(opts RunOptions, startTime time.Time) *store.Run {
	if p.deps.Store == nil {
		return nil
	}
	run := &store.Run{
		Target:    opts.Target,
		Format:    opts.Format,
		Status:    store.RunStatusRunning,
		StartTime: startTime,
	}
	if err := p.deps.Store.CreateRun(run); err != nil {
		p.logger.Warn("failed to record run", "error", err)
		return nil
	}
	return run
}

func (p *Provisioner) finishRun(run *store.Run, report *RunReport, runErr error) {
	if run == nil {
		return
	}
	run.EndTime = time.Now()
	run.Staged = report.Staged
	run.Incompatible = len(report.Incompatible)
	if report.Bundle != nil {
		run.BundleStatus = string(report.Bundle.Status)
	}
	if runErr != nil {
		run.Status = store.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	} else {
		run.Status = store.RunStatusSuccess
	}
	if err := p.deps.Store.UpdateRun(run); err != nil {
		p.logger.Warn("failed to update run record", "run", run.UUID, "error", err)
	}
}
