package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/buildprep/internal/config"
)

// ErrOutputMissing is matched when the generator produced none of its expected artifacts.
var ErrOutputMissing = errors.New("generator output missing")

// OutputMissingError lists the artifacts that were looked for.
type OutputMissingError struct {
	Target   string
	Expected []string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("no project files generated for %s (expected one of: %s)", e.Target, strings.Join(e.Expected, ", "))
}

func (e *OutputMissingError) Unwrap() error {
	return ErrOutputMissing
}

// Result describes one generator invocation.
type Result struct {
	Binary   string
	Args     []string
	ExitCode int
	Skipped  bool
	Duration time.Duration
}

// Runner invokes the external project generator in a workspace.
type Runner struct {
	workspace string
	cfg       config.GeneratorConfig
	logger    *slog.Logger
	out       io.Writer
}

// NewRunner creates a Runner. Generator output is streamed to out.
func NewRunner(workspace string, cfg config.GeneratorConfig, logger *slog.Logger, out io.Writer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{workspace: workspace, cfg: cfg, logger: logger, out: out}
}

// Run executes "<bin> --file=<script> <target> <format>" in the workspace and
// waits for it. A missing binary or non-zero exit is logged and reported in the
// Result; callers decide success from CheckOutputs. Only context errors are returned.
func (r *Runner) Run(ctx context.Context, target, format string) (*Result, error) {
	args := []string{"--file=" + filepath.ToSlash(r.cfg.Script), target, format}
	res := &Result{Args: args}

	bin, err := r.resolveBinary(target)
	if err != nil {
		r.logger.Warn("generator not found, skipping project generation", "binary", r.cfg.BinaryFor(target), "error", err)
		res.Skipped = true
		return res, nil
	}
	res.Binary = bin

	fmt.Fprintf(r.out, "Generating project files with \"%s\"...\n", strings.Join(append([]string{bin}, args...), " "))

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.workspace
	cmd.Stdout = r.out
	cmd.Stderr = r.out
	err = cmd.Run()
	res.Duration = time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("generator interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		r.logger.Warn("generator failed", "binary", bin, "target", target, "format", format, "error", err)
		return res, nil
	}

	r.logger.Info("generator completed", "binary", bin, "target", target, "format", format, "duration", res.Duration)
	return res, nil
}

// CheckOutputs returns the expected artifacts present in the workspace, or an
// *OutputMissingError when none are.
func (r *Runner) CheckOutputs(target string) ([]string, error) {
	expected := r.cfg.OutputsFor(target)
	var found []string
	for _, rel := range expected {
		path := filepath.Join(r.workspace, filepath.FromSlash(rel))
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	if len(found) == 0 {
		return nil, &OutputMissingError{Target: target, Expected: expected}
	}
	return found, nil
}

// resolveBinary treats names containing a separator as workspace-relative
// paths and bare names as PATH lookups.
func (r *Runner) resolveBinary(target string) (string, error) {
	name := r.cfg.BinaryFor(target)
	if name == "" {
		return "", fmt.Errorf("no generator configured")
	}
	if !strings.ContainsAny(name, `/\`) {
		return exec.LookPath(name)
	}
	path := filepath.FromSlash(name)
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workspace, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}
