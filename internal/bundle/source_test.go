package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

const minimalManifest = `{
	"bundle_id": "b1",
	"domain": "test",
	"created_at": "2024-01-15T10:00:00Z",
	"entities": {"path": "entities.jsonl"},
	"relationships": {"path": "relationships.jsonl"}
}`

// writeFiles materializes name -> content under dir.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func newTestBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, files)
	return dir
}

func collect(t *testing.T, seq func(func(Row, error) bool)) ([]Row, error) {
	t.Helper()
	var rows []Row
	for row, err := range seq {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ==================== Source Tests ====================

func TestOpen_Directory(t *testing.T) {
	dir := newTestBundle(t, map[string]string{
		"manifest.json":       minimalManifest,
		"entities.jsonl":      `{"entity_id": "A", "entity_type": "T"}` + "\n",
		"relationships.jsonl": "",
	})

	b, err := Open(dir)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, dir, b.Root)
	assert.Equal(t, "b1", b.Manifest.BundleID)
}

func TestFindManifest_RootPreferred(t *testing.T) {
	dir := newTestBundle(t, map[string]string{
		"manifest.json":       minimalManifest,
		"aaa/manifest.json":   minimalManifest,
		"entities.jsonl":      "",
		"relationships.jsonl": "",
	})

	path, err := FindManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "manifest.json"), path)
}

func TestFindManifest_FirstSubdirectoryByName(t *testing.T) {
	dir := newTestBundle(t, map[string]string{
		"zeta/manifest.json":  minimalManifest,
		"alpha/manifest.json": minimalManifest,
		"alpha/deeper/x.txt":  "",
	})

	path, err := FindManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alpha", "manifest.json"), path)
}

func TestFindManifest_Missing(t *testing.T) {
	dir := newTestBundle(t, map[string]string{"a/b/manifest.json": minimalManifest})

	_, err := FindManifest(dir)
	assert.True(t, errors.Is(err, kgerr.ErrManifestInvalid))
}

func TestOpen_Zip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"export/manifest.json":       minimalManifest,
		"export/entities.jsonl":      `{"entity_id": "A", "entity_type": "T"}` + "\n",
		"export/relationships.jsonl": "",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	b, err := Open(archive)
	require.NoError(t, err)
	root := b.Root
	assert.Equal(t, "export", filepath.Base(root))

	rows, err := collect(t, b.Reader().Entities())
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, b.Close())
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err), "extraction dir should be removed on close")
}

func TestOpen_ZipSlipRejected(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Open(archive)
	assert.True(t, errors.Is(err, kgerr.ErrManifestInvalid))
}

func TestOpen_NotABundle(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bundle.tar")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := Open(file)
	assert.True(t, errors.Is(err, kgerr.ErrManifestInvalid))
}

// ==================== Checksum Tests ====================

func TestChecksum_DependsOnContentOnly(t *testing.T) {
	files := map[string]string{
		"manifest.json":       minimalManifest,
		"entities.jsonl":      `{"entity_id": "A", "entity_type": "T"}` + "\n",
		"relationships.jsonl": "",
	}
	b1, err := Open(newTestBundle(t, files))
	require.NoError(t, err)
	b2, err := Open(newTestBundle(t, files))
	require.NoError(t, err)

	sum1, err := b1.Checksum(context.Background())
	require.NoError(t, err)
	sum2, err := b2.Checksum(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sum1, "blake3:"))
	assert.Equal(t, sum1, sum2)

	files["entities.jsonl"] = `{"entity_id": "B", "entity_type": "T"}` + "\n"
	b3, err := Open(newTestBundle(t, files))
	require.NoError(t, err)
	sum3, err := b3.Checksum(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}

func TestChecksum_MissingDeclaredFile(t *testing.T) {
	b, err := Open(newTestBundle(t, map[string]string{
		"manifest.json":  minimalManifest,
		"entities.jsonl": "",
	}))
	require.NoError(t, err)

	_, err = b.Checksum(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, kgerr.ErrManifestInvalid))
	assert.Contains(t, err.Error(), "relationships.path")
}
