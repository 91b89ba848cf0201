package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size like "500MB" or "2GiB" into bytes.
// SI suffixes are powers of 1000 and IEC suffixes powers of 1024; a plain
// number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size: %s", s)
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size too large: %s", s)
	}
	return int64(n), nil
}
