package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

type fixtureEntry struct {
	name    string
	content string
	dir     bool
	link    string
}

func newTestExtractor() *Extractor {
	return NewExtractor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func buildTar(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, ModTime: time.Unix(1700000000, 0)}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case e.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, format Format, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return data
	case FormatTarZstd:
		w, err = zstd.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case FormatTarGzip:
		w = gzip.NewWriter(&buf)
	case FormatTarLz4:
		w = lz4.NewWriter(&buf)
	default:
		t.Fatalf("no compressor for %s", format)
	}
	if err != nil {
		t.Fatalf("creating %s writer: %v", format, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing compressor: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.dir {
			if _, err := zw.Create(e.name + "/"); err != nil {
				t.Fatal(err)
			}
			continue
		}
		fw, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeFixture(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

var libraryEntries = []fixtureEntry{
	{name: "include", dir: true},
	{name: "include/fmod.h", content: "#pragma once"},
	{name: "fmod.dll", content: "fmod-binary"},
	{name: "dxcompiler.dll", content: "dx-binary"},
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}

func TestExtractFormats(t *testing.T) {
	tarData := buildTar(t, libraryEntries)

	tests := []struct {
		name   string
		file   string
		format Format
		data   func() []byte
	}{
		{"tar", "libraries.tar", FormatTar, func() []byte { return tarData }},
		{"zstd", "libraries.tar.zst", FormatTarZstd, func() []byte { return compress(t, FormatTarZstd, tarData) }},
		{"xz", "libraries.tar.xz", FormatTarXz, func() []byte { return compress(t, FormatTarXz, tarData) }},
		{"gzip", "libraries.tgz", FormatTarGzip, func() []byte { return compress(t, FormatTarGzip, tarData) }},
		{"lz4", "libraries.tar.lz4", FormatTarLz4, func() []byte { return compress(t, FormatTarLz4, tarData) }},
		{"zip", "libraries.zip", FormatZip, func() []byte { return buildZip(t, libraryEntries) }},
		{"7z", "libraries.7z", Format7z, func() []byte { return readTestdata(t, "libraries.7z") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := writeFixture(t, t.TempDir(), tt.file, tt.data())
			dest := filepath.Join(t.TempDir(), "third_party", "libraries")

			report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{})
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if report.Format != tt.format {
				t.Errorf("format = %q, want %q", report.Format, tt.format)
			}
			if report.Extracted != 3 {
				t.Errorf("extracted = %d, want 3", report.Extracted)
			}
			assertFile(t, filepath.Join(dest, "fmod.dll"), "fmod-binary")
			assertFile(t, filepath.Join(dest, "include", "fmod.h"), "#pragma once")
		})
	}
}

func TestDetectByExtensionFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "tiny.7z", []byte("x"))
	format, err := Detect(path)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if format != Format7z {
		t.Errorf("format = %q, want 7z from extension", format)
	}

	// Magic wins over a misleading name.
	path = writeFixture(t, dir, "actually-zstd.zip", compress(t, FormatTarZstd, buildTar(t, nil)))
	if format, _ := Detect(path); format != FormatTarZstd {
		t.Errorf("format = %q, want tar.zst from magic", format)
	}
}

func TestExtractSkipsExistingWithoutOverwrite(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "libraries.tar.zst", compress(t, FormatTarZstd, buildTar(t, libraryEntries)))
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "fmod.dll"), []byte("local build"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Skipped != 1 || report.Extracted != 2 {
		t.Errorf("skipped=%d extracted=%d, want 1 and 2", report.Skipped, report.Extracted)
	}
	assertFile(t, filepath.Join(dest, "fmod.dll"), "local build")
}

func TestExtractOverwriteAllReplacesReadOnly(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "libraries.tar.zst", compress(t, FormatTarZstd, buildTar(t, libraryEntries)))
	dest := t.TempDir()
	existing := filepath.Join(dest, "fmod.dll")
	if err := os.WriteFile(existing, []byte("stale"), 0o444); err != nil {
		t.Fatal(err)
	}

	report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{OverwriteAll: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Skipped != 0 || report.Extracted != 3 {
		t.Errorf("skipped=%d extracted=%d, want 0 and 3", report.Skipped, report.Extracted)
	}
	assertFile(t, existing, "fmod-binary")
}

func TestExtractRejectsTraversal(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "evil.tar", buildTar(t, []fixtureEntry{
		{name: "../../escape.dll", content: "pwned"},
	}))
	dest := t.TempDir()

	_, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) || extractErr.Entry != "../../escape.dll" || extractErr.Archive != archivePath {
		t.Errorf("expected entry and archive in error, got %+v", extractErr)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dest)), "escape.dll")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside destination")
	}
}

func TestExtractRejectsSymlink(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "links.tar", buildTar(t, []fixtureEntry{
		{name: "lib.so", link: "/etc/passwd"},
	}))

	_, err := newTestExtractor().Extract(context.Background(), archivePath, t.TempDir(), Options{})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction for symlink entry, got %v", err)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	data := compress(t, FormatTarZstd, buildTar(t, libraryEntries))
	archivePath := writeFixture(t, t.TempDir(), "broken.tar.zst", data[:len(data)/2])

	_, err := newTestExtractor().Extract(context.Background(), archivePath, t.TempDir(), Options{})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction for truncated archive, got %v", err)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "notes.txt", []byte("just text"))

	_, err := newTestExtractor().Extract(context.Background(), archivePath, t.TempDir(), Options{})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractNestedMode(t *testing.T) {
	inner := compress(t, FormatTarZstd, buildTar(t, []fixtureEntry{
		{name: "fmod.dll", content: "inner-fmod"},
		{name: "win64/fmodL.dll", content: "inner-fmodL"},
	}))
	outer := buildZip(t, []fixtureEntry{
		{name: "readme.txt", content: "bundle"},
		{name: "windows/payload.tar.zst", content: string(inner)},
	})

	t.Run("flat leaves payload", func(t *testing.T) {
		archivePath := writeFixture(t, t.TempDir(), "libraries.zip", outer)
		dest := t.TempDir()

		report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{Mode: ModeFlat})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(report.Nested) != 0 {
			t.Errorf("flat mode expanded %v", report.Nested)
		}
		if _, err := os.Stat(filepath.Join(dest, "windows", "payload.tar.zst")); err != nil {
			t.Errorf("payload should remain in flat mode: %v", err)
		}
	})

	t.Run("nested expands payload", func(t *testing.T) {
		archivePath := writeFixture(t, t.TempDir(), "libraries.zip", outer)
		dest := t.TempDir()

		report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{Mode: ModeNested})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(report.Nested) != 1 {
			t.Fatalf("nested = %v, want one payload", report.Nested)
		}
		assertFile(t, filepath.Join(dest, "windows", "fmod.dll"), "inner-fmod")
		assertFile(t, filepath.Join(dest, "windows", "win64", "fmodL.dll"), "inner-fmodL")
		if _, err := os.Stat(filepath.Join(dest, "windows", "payload.tar.zst")); !os.IsNotExist(err) {
			t.Errorf("nested payload should be removed after expansion")
		}

		var names []string
		for _, f := range report.Files {
			rel, _ := filepath.Rel(dest, f)
			names = append(names, filepath.ToSlash(rel))
		}
		sort.Strings(names)
		want := []string{"readme.txt", "windows/fmod.dll", "windows/payload.tar.zst", "windows/win64/fmodL.dll"}
		if len(names) != len(want) {
			t.Fatalf("files = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("files[%d] = %q, want %q", i, names[i], want[i])
			}
		}
	})
}

func TestExtract7zNestedMode(t *testing.T) {
	outer := readTestdata(t, "nested.7z")

	t.Run("flat", func(t *testing.T) {
		archivePath := writeFixture(t, t.TempDir(), "libraries.7z", outer)
		dest := t.TempDir()

		report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{Mode: ModeFlat})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if report.Format != Format7z || report.Extracted != 2 {
			t.Errorf("format=%q extracted=%d, want 7z and 2", report.Format, report.Extracted)
		}
		assertFile(t, filepath.Join(dest, "readme.txt"), "bundle")
		if _, err := os.Stat(filepath.Join(dest, "windows", "payload.tar.gz")); err != nil {
			t.Errorf("payload should remain in flat mode: %v", err)
		}
	})

	t.Run("nested", func(t *testing.T) {
		archivePath := writeFixture(t, t.TempDir(), "libraries.7z", outer)
		dest := t.TempDir()

		report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{Mode: ModeNested})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(report.Nested) != 1 {
			t.Fatalf("nested = %v, want one payload", report.Nested)
		}
		assertFile(t, filepath.Join(dest, "windows", "fmod.dll"), "inner-fmod")
		assertFile(t, filepath.Join(dest, "windows", "win64", "fmodL.dll"), "inner-fmodL")
		if _, err := os.Stat(filepath.Join(dest, "windows", "payload.tar.gz")); !os.IsNotExist(err) {
			t.Errorf("nested payload should be removed after expansion")
		}
	})
}

func TestExtractRerunAfterTruncatedEntry(t *testing.T) {
	content := string(bytes.Repeat([]byte("D"), 4096))
	full := buildTar(t, []fixtureEntry{{name: "lib.dll", content: content}})
	// Cut inside the entry body: one header block plus 1000 bytes.
	truncated := full[:512+1000]

	dest := t.TempDir()
	brokenPath := writeFixture(t, t.TempDir(), "libraries.tar", truncated)
	if _, err := newTestExtractor().Extract(context.Background(), brokenPath, dest, Options{}); !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction for truncated entry, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "lib.dll")); !os.IsNotExist(err) {
		t.Fatalf("partial entry left at its final path: %v", err)
	}
	leftovers, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	goodPath := writeFixture(t, t.TempDir(), "libraries.tar", full)
	report, err := newTestExtractor().Extract(context.Background(), goodPath, dest, Options{})
	if err != nil {
		t.Fatalf("rerun Extract: %v", err)
	}
	if report.Extracted != 1 || report.Skipped != 0 {
		t.Errorf("extracted=%d skipped=%d, want 1 and 0", report.Extracted, report.Skipped)
	}
	assertFile(t, filepath.Join(dest, "lib.dll"), content)
}

func TestExtractNestedExpandsLeftoverPayload(t *testing.T) {
	inner := compress(t, FormatTarZstd, buildTar(t, []fixtureEntry{
		{name: "fmod.dll", content: "inner-fmod"},
	}))
	outer := buildZip(t, []fixtureEntry{
		{name: "windows/payload.tar.zst", content: string(inner)},
	})
	archivePath := writeFixture(t, t.TempDir(), "libraries.zip", outer)

	// An earlier run wrote the payload and stopped before expanding it.
	dest := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dest, "windows"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFixture(t, filepath.Join(dest, "windows"), "payload.tar.zst", inner)

	report, err := newTestExtractor().Extract(context.Background(), archivePath, dest, Options{Mode: ModeNested})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Skipped != 1 || len(report.Nested) != 1 {
		t.Errorf("skipped=%d nested=%v, want 1 and one payload", report.Skipped, report.Nested)
	}
	assertFile(t, filepath.Join(dest, "windows", "fmod.dll"), "inner-fmod")
	if _, err := os.Stat(filepath.Join(dest, "windows", "payload.tar.zst")); !os.IsNotExist(err) {
		t.Errorf("leftover payload should be removed after expansion")
	}
}

func TestExtractCancelled(t *testing.T) {
	archivePath := writeFixture(t, t.TempDir(), "libraries.tar", buildTar(t, libraryEntries))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExtractor().Extract(ctx, archivePath, t.TempDir(), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestModeString(t *testing.T) {
	if ModeFlat.String() != "flat" || ModeNested.String() != "nested" {
		t.Errorf("unexpected mode names %q %q", ModeFlat, ModeNested)
	}
}
