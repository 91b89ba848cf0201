package copier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies a filesystem path for copy dispatch.
type Kind int

const (
	// KindUnknown is a path that does not exist and does not look like a directory.
	KindUnknown Kind = iota
	KindFile
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// ParseKind maps a manifest kind name to a Kind. An empty name means the
// kind is not known ahead of time and returns KindUnknown.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return KindUnknown, nil
	case "file":
		return KindFile, nil
	case "dir", "directory":
		return KindDirectory, nil
	default:
		return KindUnknown, fmt.Errorf("unknown path kind %q", name)
	}
}

// Classify sniffs the kind of path. Existing paths are classified by stat.
// A missing path ending in a separator or lacking an extension is taken as a
// directory to be created; any other missing path is KindUnknown.
//
// The extension rule is a heuristic: "build/v1.2" reads as a file. Prefer an
// explicit kind wherever the path is known ahead of time.
func Classify(path string) Kind {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return KindDirectory
		}
		return KindFile
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return KindUnknown
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return KindDirectory
	}
	if filepath.Ext(path) == "" {
		return KindDirectory
	}
	return KindUnknown
}
