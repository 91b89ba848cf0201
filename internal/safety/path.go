package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is matched by every rejected archive entry or join.
var ErrUnsafePath = errors.New("unsafe path")

func unsafePath(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsafePath, fmt.Sprintf(format, args...))
}

// EntryPath turns a name from an archive header into a clean relative path.
// Bundles are often packed on Windows, so backslashes count as separators on
// every host. Empty, absolute, drive-qualified and escaping names are rejected.
func EntryPath(name string) (string, error) {
	slashed := strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "./")
	if slashed == "" {
		return "", unsafePath("empty entry name")
	}
	if strings.HasPrefix(slashed, "/") {
		return "", unsafePath("absolute entry %q", name)
	}

	clean := filepath.Clean(filepath.FromSlash(slashed))
	switch {
	case clean == ".":
		return "", unsafePath("entry %q names the destination itself", name)
	case filepath.IsAbs(clean) || filepath.VolumeName(clean) != "":
		return "", unsafePath("absolute entry %q", name)
	case escapes(clean):
		return "", unsafePath("entry %q leaves the destination", name)
	}
	return clean, nil
}

// JoinUnder resolves rel (already cleaned by EntryPath) beneath root and
// returns the absolute result.
func JoinUnder(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", root, err)
	}
	joined := filepath.Join(rootAbs, rel)
	if !IsWithin(rootAbs, joined) {
		return "", unsafePath("%q resolves outside %s", rel, root)
	}
	return joined, nil
}

// IsWithin reports whether child is parent or lies beneath it, after both are
// made absolute. Symlinks are not resolved.
func IsWithin(parent, child string) bool {
	parentAbs, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	childAbs, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(parentAbs, childAbs)
	if err != nil {
		return false
	}
	return !escapes(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
