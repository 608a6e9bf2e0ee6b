package bundle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

const validManifest = `{
	"bundle_version": "v1",
	"bundle_id": "kg-2024-01",
	"domain": "  biology ",
	"label": "January build",
	"created_at": "2024-01-15T10:00:00Z",
	"entities": {"path": "entities.jsonl", "format": "jsonl"},
	"relationships": {"path": "data/relationships.json", "format": "json"},
	"metadata": {"source": "pipeline", "run": 7}
}`

func manifestField(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kgerr.ErrManifestInvalid), "expected manifest invalid, got %v", err)
	var kerr *kgerr.Error
	require.True(t, errors.As(err, &kerr))
	return kerr.Field
}

// ==================== Parse Tests ====================

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "v1", m.BundleVersion)
	assert.Equal(t, "kg-2024-01", m.BundleID)
	assert.Equal(t, "biology", m.Domain)
	assert.Equal(t, "January build", m.Label)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), m.CreatedAt)
	assert.Equal(t, FileRef{Path: "entities.jsonl", Format: FormatJSONL}, m.Entities)
	assert.Equal(t, FileRef{Path: "data/relationships.json", Format: FormatJSON}, m.Relationships)
	assert.Nil(t, m.Documents)
	assert.Equal(t, DefaultIDFields(), m.IDFields)
	assert.JSONEq(t, `"pipeline"`, string(m.Metadata["source"]))
}

func TestParseManifest_CommentsAndDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		// produced by the nightly export
		"bundle_version": 1,
		"bundle_id": "b",
		"domain": "d",
		"created_at": "2024-01-15T10:00:00",
		"entities": {"path": "e.jsonl"},
		"relationships": {"path": "r.jsonl"},
	}`))
	require.NoError(t, err)

	assert.Equal(t, "v1", m.BundleVersion)
	assert.Equal(t, FormatJSONL, m.Entities.Format)
	assert.Equal(t, time.UTC, m.CreatedAt.Location())
	assert.Empty(t, m.Metadata)
}

func TestParseManifest_LegacyFileKeys(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z",
		"entities_file": "entities.jsonl",
		"relationships_file": "relationships.json",
		"documents_file": "documents.jsonl"
	}`))
	require.NoError(t, err)

	assert.Equal(t, FileRef{Path: "entities.jsonl", Format: FormatJSONL}, m.Entities)
	assert.Equal(t, FileRef{Path: "relationships.json", Format: FormatJSON}, m.Relationships)
	require.NotNil(t, m.Documents)
	assert.Equal(t, FormatJSONL, m.Documents.Format)
}

func TestParseManifest_IDFields(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z",
		"id_fields": {"entity_id": "id", "subject_id": "from"},
		"entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "id", m.IDFields.EntityID)
	assert.Equal(t, "from", m.IDFields.SubjectID)
	assert.Equal(t, "object_id", m.IDFields.ObjectID)
}

// ==================== Invalid Manifest Tests ====================

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			name:     "missing bundle_id",
			manifest: `{"domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}}`,
			field:    "bundle_id",
		},
		{
			name:     "blank domain",
			manifest: `{"bundle_id": "b", "domain": "   ", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}}`,
			field:    "domain",
		},
		{
			name:     "unsupported version",
			manifest: `{"bundle_version": "v2", "bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}}`,
			field:    "bundle_version",
		},
		{
			name:     "bad timestamp",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "yesterday", "entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}}`,
			field:    "created_at",
		},
		{
			name:     "missing relationships",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}}`,
			field:    "relationships",
		},
		{
			name:     "escaping path",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "../e.jsonl"}, "relationships": {"path": "r.jsonl"}}`,
			field:    "entities",
		},
		{
			name:     "absolute path",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "relationships": {"path": "/tmp/r.jsonl"}}`,
			field:    "relationships",
		},
		{
			name:     "both declaration forms",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "entities_file": "e.jsonl", "relationships": {"path": "r.jsonl"}}`,
			field:    "entities",
		},
		{
			name:     "unknown key",
			manifest: `{"bundle_id": "b", "domain": "d", "created_at": "2024-01-15T10:00:00Z", "entities": {"path": "e.jsonl"}, "relationships": {"path": "r.jsonl"}, "extra": true}`,
			field:    "extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.manifest))
			assert.Equal(t, tt.field, manifestField(t, err))
		})
	}
}

func TestParseManifest_NotJSON(t *testing.T) {
	_, err := ParseManifest([]byte(`{"bundle_id": `))
	assert.True(t, errors.Is(err, kgerr.ErrManifestInvalid))
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("entities.jsonl"))
	assert.NoError(t, ValidatePath("data/sub/entities.jsonl"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("/abs"))
	assert.Error(t, ValidatePath(`\abs`))
	assert.Error(t, ValidatePath(`C:\data\e.jsonl`))
	assert.Error(t, ValidatePath("a/../../b"))
	assert.Error(t, ValidatePath(`a\..\b`))
	assert.Error(t, ValidatePath("."))
}
