package assets

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func digest(data string) string {
	sum := blake3.Sum256([]byte(data))
	return "blake3:" + hex.EncodeToString(sum[:])
}

func TestFSStore_PutAndOpen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum, err := s.Put(ctx, "guides/intro.md", strings.NewReader("# Intro"))
	require.NoError(t, err)
	assert.Equal(t, digest("# Intro"), sum)

	rc, err := s.Open(ctx, "guides/intro.md")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "# Intro", string(got))
}

func TestFSStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "a.txt", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "a.txt", strings.NewReader("new"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Root(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFSStore_Has(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.Has(ctx, "missing.md")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Put(ctx, "present.md", strings.NewReader("x"))
	require.NoError(t, err)

	has, err = s.Has(ctx, "present.md")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFSStore_OpenMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Open(context.Background(), "nope.md")
	assert.True(t, errors.Is(err, ErrAssetNotFound))

	_, err = s.Open(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestFSStore_InvalidNames(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"", "/abs.md", "../up.md", `a\..\..\b`, "C:/x.md", "."} {
		_, err := s.Put(ctx, name, strings.NewReader("x"))
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q", name)
	}
}

func TestFSStore_ListAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"b.md", "a/z.md", "a/b.md"} {
		_, err := s.Put(ctx, name, strings.NewReader(name))
		require.NoError(t, err)
	}
	// Stray temp files from an interrupted write are not assets.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), ".asset-123"), []byte("partial"), 0644))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.md", "a/z.md", "b.md"}, names)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCleanName(t *testing.T) {
	name, err := CleanName(`docs\guide\./intro.md`)
	require.NoError(t, err)
	assert.Equal(t, "docs/guide/intro.md", name)
}

func TestFSStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "guide/deep/intro.md", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "keep.md", strings.NewReader("y"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "guide/deep/intro.md"))
	has, err := s.Has(ctx, "guide/deep/intro.md")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = os.Stat(filepath.Join(s.Root(), "guide"))
	assert.True(t, os.IsNotExist(err), "empty parent directories are removed")
	_, err = os.Stat(s.Root())
	assert.NoError(t, err, "the root survives")

	assert.NoError(t, s.Delete(ctx, "never-existed.md"))
	assert.ErrorIs(t, s.Delete(ctx, "../outside.md"), ErrInvalidName)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.md"}, names)
}
