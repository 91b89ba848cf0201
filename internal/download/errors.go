package download

import (
	"fmt"

	"github.com/BadgerOps/buildprep/internal/verify"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// NetworkError wraps a failed fetch. The destination holds no new bytes after
// a NetworkError, so the call can simply be repeated.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// IntegrityError reports fetched bytes whose digest did not match.
type IntegrityError struct {
	Path      string
	Algorithm verify.Algorithm
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s mismatch for %s: expected %s, got %s", e.Algorithm, e.Path, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
