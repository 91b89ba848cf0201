package verify

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
)

// ErrIO indicates the file could not be read, so trust cannot be determined.
var ErrIO = errors.New("cannot read file for verification")

// IOError wraps a filesystem failure encountered while hashing.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// ParseAlgorithm resolves an algorithm name. An empty name selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case SHA512:
		return SHA512, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// New returns a fresh hasher for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case "", SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// HexLen is the length of a hex encoded digest for the algorithm.
func (a Algorithm) HexLen() int {
	if a == SHA512 {
		return 128
	}
	return 64
}

// HashFile streams the file at path through the algorithm's hasher and
// returns the hex digest and the number of bytes read.
func HashFile(path string, algo Algorithm) (string, int64, error) {
	h, err := algo.New()
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, &IOError{Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, &IOError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Verify reports whether the digest of the file at path equals expected.
// A false result with a nil error is a mismatch; a non-nil error means the
// file could not be read and nothing is known about its trust.
func Verify(path, expected string, algo Algorithm) (bool, error) {
	actual, _, err := HashFile(path, algo)
	if err != nil {
		return false, err
	}
	return Equal(actual, expected), nil
}

// Equal compares two hex digests ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
