package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies an archive container/compression pairing.
type Format string

const (
	FormatUnknown Format = ""
	Format7z      Format = "7z"
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarZstd Format = "tar.zst"
	FormatTarXz   Format = "tar.xz"
	FormatTarGzip Format = "tar.gz"
	FormatTarLz4  Format = "tar.lz4"
)

var (
	magic7z   = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
	magicZipE = []byte{'P', 'K', 0x05, 0x06}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicGzip = []byte{0x1f, 0x8b}
	magicLz4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// extensions maps file suffixes to formats, longest suffixes first.
var extensions = []struct {
	suffix string
	format Format
}{
	{".tar.zst", FormatTarZstd},
	{".tar.xz", FormatTarXz},
	{".tar.gz", FormatTarGzip},
	{".tar.lz4", FormatTarLz4},
	{".tzst", FormatTarZstd},
	{".txz", FormatTarXz},
	{".tgz", FormatTarGzip},
	{".7z", Format7z},
	{".zip", FormatZip},
	{".tar", FormatTar},
}

// FormatFromName guesses the format from a file name.
func FormatFromName(name string) Format {
	lower := strings.ToLower(filepath.Base(name))
	for _, e := range extensions {
		if strings.HasSuffix(lower, e.suffix) {
			return e.format
		}
	}
	return FormatUnknown
}

// Detect identifies the archive at path by its magic number, falling back to
// the file extension when the header is not conclusive.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer func() {
		_ = f.Close()
	}()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("reading archive header: %w", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, magic7z):
		return Format7z, nil
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZipE):
		return FormatZip, nil
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZstd, nil
	case bytes.HasPrefix(header, magicXz):
		return FormatTarXz, nil
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGzip, nil
	case bytes.HasPrefix(header, magicLz4):
		return FormatTarLz4, nil
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar, nil
	}

	return FormatFromName(path), nil
}
