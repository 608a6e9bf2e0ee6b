package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

// Bundle is an opened bundle source: a directory holding manifest.json (at
// its root or one level below) or a zip archive extracted to a temp dir.
type Bundle struct {
	Root         string // directory the manifest lives in
	ManifestPath string
	Manifest     Manifest

	raw       []byte
	cleanup   func()
	extracted bool
}

// Open locates and parses the manifest of the bundle at path.
func Open(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, kgerr.ManifestInvalid("", fmt.Sprintf("bundle source %q: %v", path, err))
	}

	dir := path
	cleanup := func() {}
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".zip") {
			return nil, kgerr.ManifestInvalid("", fmt.Sprintf("bundle source %q is neither a directory nor a .zip archive", path))
		}
		tmp, err := os.MkdirTemp("", "kgserve-bundle-*")
		if err != nil {
			return nil, fmt.Errorf("create extraction dir: %w", err)
		}
		cleanup = func() { os.RemoveAll(tmp) }
		if err := extractZip(path, tmp); err != nil {
			cleanup()
			return nil, err
		}
		dir = tmp
	}

	manifestPath, err := FindManifest(dir)
	if err != nil {
		cleanup()
		return nil, err
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		cleanup()
		return nil, kgerr.ManifestInvalid("", fmt.Sprintf("read manifest: %v", err))
	}
	m, err := ParseManifest(raw)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Bundle{
		Root:         filepath.Dir(manifestPath),
		ManifestPath: manifestPath,
		Manifest:     m,
		raw:          raw,
		cleanup:      cleanup,
		extracted:    dir != path,
	}, nil
}

// Private reports whether the bundle files live in a private extraction
// directory that nothing else writes to.
func (b *Bundle) Private() bool {
	return b.extracted
}

// Reader returns a row reader over the bundle's data files.
func (b *Bundle) Reader() *Reader {
	return NewReader(b.Root, b.Manifest)
}

// Close removes any temporary extraction directory.
func (b *Bundle) Close() error {
	if b.cleanup != nil {
		b.cleanup()
		b.cleanup = nil
	}
	return nil
}

// FindManifest returns the path of manifest.json inside dir. The root is
// checked first, then immediate subdirectories in name order.
func FindManifest(dir string) (string, error) {
	candidate := filepath.Join(dir, ManifestFile)
	if isFile(candidate) {
		return candidate, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", kgerr.ManifestInvalid("", fmt.Sprintf("read bundle dir: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		candidate := filepath.Join(dir, name, ManifestFile)
		if isFile(candidate) {
			return candidate, nil
		}
	}
	return "", kgerr.ManifestInvalid("", fmt.Sprintf("no %s found in %s", ManifestFile, dir))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return kgerr.ManifestInvalid("", fmt.Sprintf("open zip %s: %v", archive, err))
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := resolveWithin(dest, f.Name)
		if err != nil {
			return kgerr.ManifestInvalid("", fmt.Sprintf("zip entry %q: %v", f.Name, err))
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
