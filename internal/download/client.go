package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/buildprep/internal/safety"
	"github.com/BadgerOps/buildprep/internal/verify"
)

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Status reports how a download was satisfied.
type Status string

const (
	// StatusCached means the destination already verified; no network access happened.
	StatusCached Status = "cached"
	// StatusFetched means the file was downloaded and verified in this call.
	StatusFetched Status = "fetched"
)

var (
	// ErrNetwork is matched by every transport, HTTP status, and interrupted-body failure.
	ErrNetwork = errors.New("network fetch failed")
	// ErrIntegrity is matched when fetched bytes do not hash to the expected digest.
	ErrIntegrity = errors.New("integrity check failed")
)

// Options contains configuration for a single download.
type Options struct {
	URL              string
	DestPath         string
	ExpectedChecksum string           // hex digest, required
	Algorithm        verify.Algorithm // defaults to SHA256
	MaxSize          int64            // 0 for no cap
	Attempts         int              // 0 or 1 disables retries
	OnProgress       ProgressFunc
}

// Result contains the result of a successful download.
type Result struct {
	Path     string
	Size     int64
	Digest   string
	Status   Status
	Attempts int
	Duration time.Duration
}

// Client performs verified HTTP downloads into a local cache path.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  safety.NewHTTPClient(),
		logger:      logger,
		userAgent:   "buildprep/1.0",
		backoffFunc: calculateBackoffDelay,
	}
}

// Download makes DestPath hold the bytes at URL whose digest is ExpectedChecksum.
// An existing DestPath that verifies is reused without touching the network.
// The fetched body is staged next to DestPath and only renamed into place
// after it verifies, so DestPath never holds unverified bytes.
func (c *Client) Download(ctx context.Context, opts Options) (*Result, error) {
	startTime := time.Now()

	if _, err := safety.ValidateHTTPURL(opts.URL); err != nil {
		return nil, &NetworkError{URL: opts.URL, Err: err}
	}
	if opts.DestPath == "" {
		return nil, fmt.Errorf("download destination is required")
	}
	if opts.ExpectedChecksum == "" {
		return nil, fmt.Errorf("expected checksum is required for %s", opts.URL)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = verify.SHA256
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	cached, err := c.checkCached(opts)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		cached.Duration = time.Since(startTime)
		return cached, nil
	}

	partPath := opts.DestPath + ".part"
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &NetworkError{URL: opts.URL, Err: err}
		}

		size, err := c.fetch(ctx, opts, partPath)
		if err != nil {
			_ = os.Remove(partPath)
			lastErr = err
			c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || shouldNotRetry(err) {
				break
			}
			if attempt < attempts {
				delay := c.backoffFunc(attempt)
				c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, &NetworkError{URL: opts.URL, Err: ctx.Err()}
				}
			}
			continue
		}

		digest, _, err := verify.HashFile(partPath, opts.Algorithm)
		if err != nil {
			_ = os.Remove(partPath)
			return nil, err
		}
		if !verify.Equal(digest, opts.ExpectedChecksum) {
			_ = os.Remove(partPath)
			return nil, &IntegrityError{
				Path:      opts.DestPath,
				Algorithm: opts.Algorithm,
				Expected:  opts.ExpectedChecksum,
				Actual:    digest,
			}
		}

		if err := safety.MakeWritable(opts.DestPath); err != nil {
			_ = os.Remove(partPath)
			return nil, err
		}
		if err := os.Rename(partPath, opts.DestPath); err != nil {
			_ = os.Remove(partPath)
			return nil, fmt.Errorf("moving verified download into place: %w", err)
		}

		c.logger.Info("download verified", "url", opts.URL, "path", opts.DestPath, "size", size, "algorithm", opts.Algorithm)
		return &Result{
			Path:     opts.DestPath,
			Size:     size,
			Digest:   digest,
			Status:   StatusFetched,
			Attempts: attempt,
			Duration: time.Since(startTime),
		}, nil
	}

	return nil, &NetworkError{URL: opts.URL, Err: lastErr}
}

// checkCached returns a cached result when DestPath already verifies.
// A stale file is removed so the fetch starts clean.
func (c *Client) checkCached(opts Options) (*Result, error) {
	if _, err := os.Stat(opts.DestPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &verify.IOError{Path: opts.DestPath, Err: err}
	}

	digest, size, err := verify.HashFile(opts.DestPath, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if verify.Equal(digest, opts.ExpectedChecksum) {
		c.logger.Info("cached download verified, skipping fetch", "path", opts.DestPath, "size", size)
		return &Result{
			Path:   opts.DestPath,
			Size:   size,
			Digest: digest,
			Status: StatusCached,
		}, nil
	}

	c.logger.Warn("cached file does not match expected digest, re-fetching",
		"path", opts.DestPath, "expected", opts.ExpectedChecksum, "actual", digest)
	if err := safety.MakeWritable(opts.DestPath); err != nil {
		return nil, err
	}
	if err := os.Remove(opts.DestPath); err != nil {
		return nil, fmt.Errorf("removing stale download %s: %w", opts.DestPath, err)
	}
	return nil, nil
}

// fetch performs a single GET into partPath and returns the bytes written.
func (c *Client) fetch(ctx context.Context, opts Options, partPath string) (int64, error) {
	if dir := filepath.Dir(partPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	if opts.MaxSize > 0 && resp.ContentLength > opts.MaxSize {
		return 0, fmt.Errorf("content length %d exceeds limit %d: %w", resp.ContentLength, opts.MaxSize, safety.ErrBodyTooLarge)
	}

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}

	var reader io.Reader = safety.LimitReader(resp.Body, opts.MaxSize)
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   reader,
			callback: opts.OnProgress,
			total:    max(resp.ContentLength, 0),
		}
	}

	written, err := io.Copy(file, reader)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("failed to write to file: %w", err)
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, fmt.Errorf("transfer interrupted: got %d of %d bytes", written, resp.ContentLength)
	}
	return written, nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	if errors.Is(err, safety.ErrBodyTooLarge) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
