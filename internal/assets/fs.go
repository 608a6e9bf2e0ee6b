package assets

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// FSStore implements Store on the local filesystem. Names map directly onto
// paths below the root; temp files are dot-prefixed and never listed.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed asset store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	return &FSStore{root: filepath.Clean(root)}, nil
}

// Root returns the directory assets are stored in.
func (s *FSStore) Root() string {
	return s.root
}

// CleanName normalizes a slash-separated asset name, rejecting names that
// are empty, absolute or escape the root.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || (len(name) >= 2 && name[1] == ':') {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return cleaned, nil
}

func (s *FSStore) assetPath(name string) (string, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Has checks whether an asset exists.
func (s *FSStore) Has(_ context.Context, name string) (bool, error) {
	p, err := s.assetPath(name)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat asset %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// Open opens an asset for reading.
// Returns ErrAssetNotFound if the asset does not exist.
func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.assetPath(name)
	if err != nil {
		return nil, ErrAssetNotFound
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("open asset %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrAssetNotFound
	}
	return f, nil
}

// Put stores an asset. The data is written to a temp file and renamed into
// place, so readers never observe a partially written asset.
func (s *FSStore) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	p, err := s.assetPath(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".asset-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Hash data as we write
	hasher := blake3.New()
	writer := io.MultiWriter(tmpFile, hasher)

	if _, err := io.Copy(writer, r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write asset data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("chmod asset: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename asset: %w", err)
	}

	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Delete removes an asset and any directories it leaves empty.
func (s *FSStore) Delete(_ context.Context, name string) error {
	p, err := s.assetPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete asset %s: %w", name, err)
	}
	for dir := filepath.Dir(p); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Count returns the number of stored assets.
func (s *FSStore) Count(ctx context.Context) (int, error) {
	names, err := s.List(ctx)
	return len(names), err
}

// List returns all asset names by scanning the directory tree.
func (s *FSStore) List(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".asset-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}
