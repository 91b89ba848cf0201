package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/buildprep/internal/safety"
	"github.com/BadgerOps/buildprep/internal/verify"
)

// newTestClient creates a client with zero-delay backoff for fast tests.
func newTestClient() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(logger)
	c.backoffFunc = func(attempt int) time.Duration { return 0 }
	return c
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// countingServer serves content and counts requests.
func countingServer(t *testing.T, content []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

// TestNewClient creates client with logger
func TestNewClient(t *testing.T) {
	client := newTestClient()

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.userAgent != "buildprep/1.0" {
		t.Errorf("expected userAgent to be 'buildprep/1.0', got %s", client.userAgent)
	}
	if client.logger == nil {
		t.Fatal("expected logger to be set")
	}
}

// TestDownloadFetchesAndVerifies fetches a file and checks the result verifies
func TestDownloadFetchesAndVerifies(t *testing.T) {
	content := []byte("This is the library bundle")
	server, hits := countingServer(t, content)

	destPath := filepath.Join(t.TempDir(), "third_party", "libraries", "libraries.7z")
	client := newTestClient()

	result, err := client.Download(context.Background(), Options{
		URL:              server.URL + "/lib.7z",
		DestPath:         destPath,
		ExpectedChecksum: sha256Hex(content),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.Status != StatusFetched {
		t.Errorf("status = %s, want %s", result.Status, StatusFetched)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", result.Size, len(content))
	}
	if result.Digest != sha256Hex(content) {
		t.Errorf("digest = %s, want %s", result.Digest, sha256Hex(content))
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}

	ok, err := verify.Verify(destPath, sha256Hex(content), verify.SHA256)
	if err != nil || !ok {
		t.Fatalf("downloaded file does not verify: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(destPath + ".part"); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
}

// TestDownloadCachedSkipsNetwork calls Download twice; the second must not hit the server
func TestDownloadCachedSkipsNetwork(t *testing.T) {
	content := []byte("cache me")
	server, hits := countingServer(t, content)

	destPath := filepath.Join(t.TempDir(), "lib.7z")
	client := newTestClient()
	opts := Options{
		URL:              server.URL,
		DestPath:         destPath,
		ExpectedChecksum: strings.ToUpper(sha256Hex(content)),
	}

	if _, err := client.Download(context.Background(), opts); err != nil {
		t.Fatalf("first download: %v", err)
	}
	result, err := client.Download(context.Background(), opts)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}

	if result.Status != StatusCached {
		t.Errorf("status = %s, want %s", result.Status, StatusCached)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1 (second call must be served from cache)", hits.Load())
	}
}

// TestDownloadStaleCacheRefetches replaces a cached file whose digest no longer matches
func TestDownloadStaleCacheRefetches(t *testing.T) {
	content := []byte("fresh bundle")
	server, hits := countingServer(t, content)

	destPath := filepath.Join(t.TempDir(), "lib.7z")
	if err := os.WriteFile(destPath, []byte("stale bundle"), 0o444); err != nil {
		t.Fatal(err)
	}

	result, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         destPath,
		ExpectedChecksum: sha256Hex(content),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Status != StatusFetched {
		t.Errorf("status = %s, want %s", result.Status, StatusFetched)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

// TestDownloadChecksumMismatch must fail with an integrity error and leave no file
func TestDownloadChecksumMismatch(t *testing.T) {
	server, _ := countingServer(t, []byte("tampered"))

	destPath := filepath.Join(t.TempDir(), "lib.7z")
	_, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         destPath,
		ExpectedChecksum: sha256Hex([]byte("original")),
	})
	if err == nil {
		t.Fatal("expected integrity error")
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Actual != sha256Hex([]byte("tampered")) {
		t.Errorf("expected *IntegrityError with actual digest, got %v", err)
	}

	for _, p := range []string{destPath, destPath + ".part"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("untrusted file %s left behind (stat err %v)", p, err)
		}
	}
}

// TestDownloadHTTPErrorIsNetworkError checks status failures are network errors and not retried
func TestDownloadHTTPErrorIsNetworkError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "lib.7z")
	_, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         destPath,
		ExpectedChecksum: sha256Hex([]byte("x")),
		Attempts:         3,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected wrapped 404 HTTPError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1 (4xx must not be retried)", hits.Load())
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Errorf("destination should not exist after failure")
	}
}

// TestDownloadNoRetryByDefault performs exactly one request when Attempts is unset
func TestDownloadNoRetryByDefault(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         filepath.Join(t.TempDir(), "lib.7z"),
		ExpectedChecksum: sha256Hex([]byte("x")),
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}
}

// TestDownloadCallerRetries lets the caller opt into retries of 5xx responses
func TestDownloadCallerRetries(t *testing.T) {
	content := []byte("eventually consistent")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	result, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         filepath.Join(t.TempDir(), "lib.7z"),
		ExpectedChecksum: sha256Hex(content),
		Attempts:         3,
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

// TestDownloadRecoversAfterFailure re-invokes Download after a network failure
func TestDownloadRecoversAfterFailure(t *testing.T) {
	content := []byte("second time lucky")
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	client := newTestClient()
	opts := Options{
		URL:              server.URL,
		DestPath:         filepath.Join(t.TempDir(), "lib.7z"),
		ExpectedChecksum: sha256Hex(content),
	}

	if _, err := client.Download(context.Background(), opts); err == nil {
		t.Fatal("expected first call to fail")
	}
	fail.Store(false)
	if _, err := client.Download(context.Background(), opts); err != nil {
		t.Fatalf("retry by re-invocation failed: %v", err)
	}
}

// TestDownloadContextCancellation aborts a slow transfer through the context deadline
func TestDownloadContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	destPath := filepath.Join(t.TempDir(), "lib.7z")
	_, err := newTestClient().Download(ctx, Options{
		URL:              server.URL,
		DestPath:         destPath,
		ExpectedChecksum: sha256Hex([]byte("x")),
		Attempts:         5,
	})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline error, got %v", err)
	}
	if _, err := os.Stat(destPath + ".part"); !os.IsNotExist(err) {
		t.Errorf("partial file left behind")
	}
}

// TestDownloadMaxSize rejects bodies over the configured cap
func TestDownloadMaxSize(t *testing.T) {
	content := []byte(strings.Repeat("x", 1024))
	server, _ := countingServer(t, content)

	_, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         filepath.Join(t.TempDir(), "lib.7z"),
		ExpectedChecksum: sha256Hex(content),
		MaxSize:          100,
	})
	if !errors.Is(err, safety.ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

// TestDownloadProgress reports bytes as they arrive
func TestDownloadProgress(t *testing.T) {
	content := []byte(strings.Repeat("progress", 4096))
	server, _ := countingServer(t, content)

	var last int64
	var calls int
	_, err := newTestClient().Download(context.Background(), Options{
		URL:              server.URL,
		DestPath:         filepath.Join(t.TempDir(), "lib.7z"),
		ExpectedChecksum: sha256Hex(content),
		OnProgress: func(done, total int64) {
			calls++
			last = done
		},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if calls == 0 {
		t.Fatal("expected progress callbacks")
	}
	if last != int64(len(content)) {
		t.Errorf("final progress = %d, want %d", last, len(content))
	}
}

func TestDownloadRejectsBadInput(t *testing.T) {
	client := newTestClient()
	dest := filepath.Join(t.TempDir(), "x")

	if _, err := client.Download(context.Background(), Options{URL: "ftp://example.com/x", DestPath: dest, ExpectedChecksum: "00"}); !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork for bad scheme, got %v", err)
	}
	if _, err := client.Download(context.Background(), Options{URL: "https://example.com/x", DestPath: dest}); err == nil {
		t.Error("expected error for missing checksum")
	}
}

func TestShouldNotRetry(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&HTTPError{StatusCode: 404}, true},
		{&HTTPError{StatusCode: 429}, false},
		{&HTTPError{StatusCode: 503}, false},
		{safety.ErrBodyTooLarge, true},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := shouldNotRetry(tt.err); got != tt.want {
			t.Errorf("shouldNotRetry(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
