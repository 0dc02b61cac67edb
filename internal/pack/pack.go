// Package pack builds publishable package archives from a project
// directory. The archive holds the manifest, every module source, and
// all project files not excluded by .wapmignore, and its bytes are
// deterministic so the same tree always hashes to the same content.
package pack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/john-sharratt/wapm-cli/internal/manifest"
	"github.com/john-sharratt/wapm-cli/internal/verify"
)

var (
	// ErrMissingSource means a manifest module points at a file that is
	// not in the project directory.
	ErrMissingSource = errors.New("module source missing")
)

// Result describes a built archive.
type Result struct {
	// Path is where the archive was written.
	Path string
	// ContentHash is the sha256 of the archive bytes, with prefix.
	ContentHash string
	// Size is the archive size in bytes.
	Size int64
	// Files lists the archived paths, slash separated and sorted.
	Files []string
}

// Build archives the project at dir into outDir and returns the result.
// The manifest must validate, and every module source it names must
// exist in the tree after ignore filtering.
func Build(dir, outDir string) (*Result, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}

	files, err := collectFiles(dir)
	if err != nil {
		return nil, err
	}
	if err := checkSources(m, files); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	outPath := filepath.Join(outDir, ArchiveName(m.ID()))
	if err := writeArchive(dir, files, outPath); err != nil {
		return nil, err
	}

	hash, err := verify.FileHash(outPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("stating archive: %w", err)
	}

	return &Result{
		Path:        outPath,
		ContentHash: hash,
		Size:        info.Size(),
		Files:       files,
	}, nil
}

// ArchiveName is the conventional file name for a package archive.
func ArchiveName(id manifest.PackageID) string {
	name := strings.ReplaceAll(id.Name, "/", "-")
	return name + "-" + id.Version + ".tar.gz"
}

// collectFiles walks dir and returns the relative slash paths that
// belong in the archive, sorted.
func collectFiles(dir string) ([]string, error) {
	matcher := NewMatcher()
	if err := matcher.LoadFile(filepath.Join(dir, IgnoreFilename)); err != nil {
		return nil, fmt.Errorf("reading %s: %w", IgnoreFilename, err)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		// The manifest always ships, whatever the ignore rules say.
		if rel == manifest.Filename {
			files = append(files, rel)
			return nil
		}
		if matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// Links and special files never belong in a package archive.
		if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking project: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// checkSources verifies every module source survived ignore filtering.
func checkSources(m *manifest.Manifest, files []string) error {
	have := make(map[string]bool, len(files))
	for _, f := range files {
		have[f] = true
	}
	for _, mod := range m.Modules {
		src := filepath.ToSlash(mod.Source)
		if !have[src] {
			return fmt.Errorf("%w: module %s needs %s", ErrMissingSource, mod.Name, mod.Source)
		}
	}
	return nil
}

// writeArchive produces a tar.gz with stable bytes: sorted entries,
// epoch timestamps, no owner info, and modes reduced to the exec bit.
func writeArchive(dir string, files []string, outPath string) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, rel := range files {
		if err := writeFile(tw, dir, rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

func writeFile(tw *tar.Writer, dir, rel string) error {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stating %s: %w", rel, err)
	}

	mode := int64(0o644)
	if info.Mode()&0o100 != 0 {
		mode = 0o755
	}
	hdr := &tar.Header{
		Name:    rel,
		Mode:    mode,
		Size:    info.Size(),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", rel, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", rel, err)
	}
	return nil
}
