package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// extractTar decompresses and untars an archive.
func extractTar(archivePath string, format Format, w *entryWriter) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader
	switch format {
	case FormatTar:
		r = f
	case FormatTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case FormatTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating xz reader: %w", err)
		}
		r = xr
	case FormatTarGzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() {
			_ = gr.Close()
		}()
		r = gr
	case FormatTarLz4:
		r = lz4.NewReader(f)
	default:
		return fmt.Errorf("unsupported tar compression %q", format)
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := w.dir(header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			err := w.file(header.Name, header.FileInfo().Mode(), header.ModTime, func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			})
			if err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			continue
		default:
			// Links could point outside the destination.
			return &ExtractionError{Entry: header.Name, Err: fmt.Errorf("unsupported tar entry type %c", header.Typeflag)}
		}
	}
}

// extractZip expands a zip archive.
func extractZip(archivePath string, w *entryWriter) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer func() {
		_ = zr.Close()
	}()

	for _, f := range zr.File {
		info := f.FileInfo()
		if info.IsDir() {
			if err := w.dir(f.Name); err != nil {
				return err
			}
			continue
		}
		if err := w.file(f.Name, info.Mode(), f.Modified, f.Open); err != nil {
			return err
		}
	}
	return nil
}

// extract7z expands a 7-Zip archive.
func extract7z(archivePath string, w *entryWriter) error {
	sr, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening 7z: %w", err)
	}
	defer func() {
		_ = sr.Close()
	}()

	for _, f := range sr.File {
		info := f.FileInfo()
		if info.IsDir() {
			if err := w.dir(f.Name); err != nil {
				return err
			}
			continue
		}
		if err := w.file(f.Name, info.Mode(), f.Modified, f.Open); err != nil {
			return err
		}
	}
	return nil
}
