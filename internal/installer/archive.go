package installer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ArchiveFormat enumerates the archive encodings a package may ship as.
type ArchiveFormat int

const (
	FormatUnknown ArchiveFormat = iota
	FormatTarGzip
	FormatTarZstd
)

var ErrUnsupportedArchive = errors.New("unsupported archive format")

// maxEntryBytes bounds a single decompressed tar entry.
const maxEntryBytes = 1 << 30

// DetectFormat sniffs the archive encoding from its magic bytes.
func DetectFormat(path string) (ArchiveFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return FormatUnknown, fmt.Errorf("%s: %w", path, ErrUnsupportedArchive)
	}
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return FormatTarGzip, nil
	case magic == [4]byte{0x28, 0xb5, 0x2f, 0xfd}:
		return FormatTarZstd, nil
	}
	return FormatUnknown, fmt.Errorf("%s: %w", path, ErrUnsupportedArchive)
}

// Unpack extracts a package archive into destDir. Extraction goes through
// a staging directory next to the destination so a partial unpack is never
// visible under the final name.
func Unpack(archivePath, destDir string) (err error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var body io.Reader
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gz.Close()
		body = gz
	case FormatTarZstd:
		decoder, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		body = decoder
	default:
		return fmt.Errorf("%s: %w", archivePath, ErrUnsupportedArchive)
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".unpack-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.Chmod(staging, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	tr := tar.NewReader(body)
	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return fmt.Errorf("reading tar entry: %w", nextErr)
		}

		rel, ok := safeRelPath(hdr.Name)
		if !ok {
			return fmt.Errorf("archive entry %q escapes package directory", hdr.Name)
		}
		target := filepath.Join(staging, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
		case tar.TypeReg:
			if hdr.Size > maxEntryBytes {
				return fmt.Errorf("archive entry %q too large: %d bytes", hdr.Name, hdr.Size)
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extracting %q: %w", hdr.Name, err)
			}
		default:
			// Links and special files never belong in a package archive.
			continue
		}
	}

	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("clearing destination: %w", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		// A concurrent extraction of the same archive can win the rename.
		// Content addressing makes the trees identical, so accept theirs.
		if _, statErr := os.Stat(destDir); statErr == nil {
			os.RemoveAll(staging)
			return nil
		}
		return fmt.Errorf("placing unpacked archive: %w", err)
	}
	return nil
}

func writeEntry(target string, r io.Reader, perm os.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := io.Copy(out, io.LimitReader(r, maxEntryBytes+1))
	if err != nil {
		return err
	}
	if n > maxEntryBytes {
		return fmt.Errorf("entry exceeds %d bytes", maxEntryBytes)
	}
	return nil
}

// safeRelPath normalizes a tar entry name and rejects anything that would
// land outside the extraction root.
func safeRelPath(name string) (string, bool) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", false
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	if clean == "." {
		return ".", true
	}
	return clean, true
}

// copyTree copies an unpacked package when symlinking is unavailable.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dest string, perm os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
