// Package bundle reads kgserve bundles: the manifest contract, the data
// files it references and the bundle source (directory or zip archive).
//
// Nothing in this package writes to the store; it only produces an immutable
// Manifest and lazy row sequences for the validator.
package bundle

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestFile is the file name the loader looks for at the bundle root.
const ManifestFile = "manifest.json"

// Supported data file formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
)

// SupportedVersions lists the bundle contract versions this loader understands.
var SupportedVersions = []string{"v1"}

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = mustCompileSchema(manifestSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile manifest schema: %v", err))
	}
	return schema
}

// FileRef points at a data file inside the bundle root.
type FileRef struct {
	Path   string `json:"path"`
	Format string `json:"format"`
}

// IDFields names the row keys carrying identifiers. Bundles produced with
// different column names can remap them here.
type IDFields struct {
	EntityID       string `json:"entity_id"`
	EntityType     string `json:"entity_type"`
	Name           string `json:"name"`
	SubjectID      string `json:"subject_id"`
	Predicate      string `json:"predicate"`
	ObjectID       string `json:"object_id"`
	SourceEntityID string `json:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id"`
}

// DefaultIDFields returns the standard row key names.
func DefaultIDFields() IDFields {
	return IDFields{
		EntityID:       "entity_id",
		EntityType:     "entity_type",
		Name:           "name",
		SubjectID:      "subject_id",
		Predicate:      "predicate",
		ObjectID:       "object_id",
		SourceEntityID: "source_entity_id",
		TargetEntityID: "target_entity_id",
	}
}

// Manifest is the parsed, validated bundle contract.
type Manifest struct {
	BundleVersion string
	BundleID      string
	Domain        string
	Label         string
	CreatedAt     time.Time
	IDFields      IDFields
	Entities      FileRef
	Relationships FileRef
	Documents     *FileRef
	Embeddings    *FileRef
	Metadata      models.Properties
}

// Record builds the bundle record for this manifest.
func (m Manifest) Record(checksum string) *models.BundleRecord {
	return &models.BundleRecord{
		BundleID:      m.BundleID,
		Checksum:      checksum,
		BundleVersion: m.BundleVersion,
		Domain:        m.Domain,
		Label:         m.Label,
		CreatedAt:     m.CreatedAt,
		Metadata:      m.Metadata.Clone(),
	}
}

type rawManifest struct {
	BundleVersion     json.RawMessage `json:"bundle_version"`
	BundleID          string          `json:"bundle_id"`
	Domain            string          `json:"domain"`
	Label             *string         `json:"label"`
	CreatedAt         string          `json:"created_at"`
	IDFields          json.RawMessage `json:"id_fields"`
	Entities          *FileRef        `json:"entities"`
	Relationships     *FileRef        `json:"relationships"`
	Documents         *FileRef        `json:"documents"`
	Embeddings        *FileRef        `json:"embeddings"`
	EntitiesFile      *string         `json:"entities_file"`
	RelationshipsFile *string         `json:"relationships_file"`
	DocumentsFile     *string         `json:"documents_file"`
	Metadata          json.RawMessage `json:"metadata"`
}

// ParseManifest parses and validates manifest content. Comments and trailing
// commas are tolerated. Any violation is a kgerr.ErrManifestInvalid naming
// the offending field.
func ParseManifest(data []byte) (Manifest, error) {
	doc := jsonc.ToJSON(data)
	if !json.Valid(doc) {
		return Manifest{}, kgerr.ManifestInvalid("", "not a valid JSON document")
	}

	result, err := manifestSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return Manifest{}, kgerr.ManifestInvalid("", err.Error())
	}
	if !result.Valid() {
		return Manifest{}, firstSchemaError(result.Errors())
	}

	var raw rawManifest
	if err := json.Unmarshal(doc, &raw); err != nil {
		return Manifest{}, kgerr.ManifestInvalid("", err.Error())
	}

	m := Manifest{BundleID: raw.BundleID}

	if m.BundleVersion, err = parseVersion(raw.BundleVersion); err != nil {
		return Manifest{}, err
	}
	if strings.TrimSpace(m.BundleID) == "" {
		return Manifest{}, kgerr.ManifestInvalid("bundle_id", "must be non-empty")
	}
	m.Domain = strings.TrimSpace(raw.Domain)
	if m.Domain == "" {
		return Manifest{}, kgerr.ManifestInvalid("domain", "must be non-empty")
	}
	if raw.Label != nil {
		m.Label = *raw.Label
	}
	if m.CreatedAt, err = parseTimestamp(raw.CreatedAt); err != nil {
		return Manifest{}, kgerr.ManifestInvalid("created_at", err.Error())
	}

	m.IDFields = DefaultIDFields()
	if len(raw.IDFields) > 0 {
		if err := json.Unmarshal(raw.IDFields, &m.IDFields); err != nil {
			return Manifest{}, kgerr.ManifestInvalid("id_fields", err.Error())
		}
	}

	entities, err := fileRef("entities", raw.Entities, raw.EntitiesFile)
	if err != nil {
		return Manifest{}, err
	}
	if entities == nil {
		return Manifest{}, kgerr.ManifestInvalid("entities", "is required")
	}
	m.Entities = *entities

	relationships, err := fileRef("relationships", raw.Relationships, raw.RelationshipsFile)
	if err != nil {
		return Manifest{}, err
	}
	if relationships == nil {
		return Manifest{}, kgerr.ManifestInvalid("relationships", "is required")
	}
	m.Relationships = *relationships

	if m.Documents, err = fileRef("documents", raw.Documents, raw.DocumentsFile); err != nil {
		return Manifest{}, err
	}
	if m.Embeddings, err = fileRef("embeddings", raw.Embeddings, nil); err != nil {
		return Manifest{}, err
	}

	m.Metadata = models.Properties{}
	if len(raw.Metadata) > 0 {
		if m.Metadata, err = models.ParseProperties(raw.Metadata); err != nil {
			return Manifest{}, kgerr.ManifestInvalid("metadata", err.Error())
		}
	}

	return m, nil
}

// firstSchemaError picks a deterministic error out of the schema result.
func firstSchemaError(errs []gojsonschema.ResultError) error {
	type located struct{ field, reason string }
	list := make([]located, 0, len(errs))
	for _, e := range errs {
		field := e.Field()
		if prop, ok := e.Details()["property"].(string); ok {
			if field == "(root)" || field == "" {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
		list = append(list, located{field: field, reason: e.Description()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].field != list[j].field {
			return list[i].field < list[j].field
		}
		return list[i].reason < list[j].reason
	})
	return kgerr.ManifestInvalid(list[0].field, list[0].reason)
}

func parseVersion(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return SupportedVersions[0], nil
	}
	var version string
	var s string
	var n json.Number
	switch {
	case json.Unmarshal(raw, &s) == nil:
		version = s
	case json.Unmarshal(raw, &n) == nil:
		version = "v" + n.String()
	default:
		return "", kgerr.ManifestInvalid("bundle_version", "must be a string or an integer")
	}
	for _, v := range SupportedVersions {
		if version == v {
			return version, nil
		}
	}
	return "", kgerr.ManifestInvalid("bundle_version", fmt.Sprintf("unsupported version %q (supported: %s)", version, strings.Join(SupportedVersions, ", ")))
}

func fileRef(field string, ref *FileRef, legacy *string) (*FileRef, error) {
	if ref != nil && legacy != nil {
		return nil, kgerr.ManifestInvalid(field, fmt.Sprintf("declared both as %s and %s_file", field, field))
	}
	if ref == nil && legacy == nil {
		return nil, nil
	}
	var out FileRef
	if ref != nil {
		out = *ref
		if out.Format == "" {
			out.Format = FormatJSONL
		}
	} else {
		out.Path = *legacy
		out.Format = FormatJSON
		if strings.HasSuffix(out.Path, ".jsonl") {
			out.Format = FormatJSONL
		}
		field += "_file"
	}
	if err := ValidatePath(out.Path); err != nil {
		return nil, kgerr.ManifestInvalid(field, err.Error())
	}
	return &out, nil
}

// ValidatePath checks that p is a non-empty relative path that stays inside
// the bundle root.
func ValidatePath(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("path must be non-empty")
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(slashed, "/") || (len(p) >= 2 && p[1] == ':') {
		return fmt.Errorf("path must be relative, got %q", p)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return fmt.Errorf("path must not contain '..', got %q", p)
		}
	}
	if path.Clean(slashed) == "." {
		return fmt.Errorf("path must name a file, got %q", p)
	}
	return nil
}

// parseTimestamp accepts RFC 3339 and zone-less ISO-8601 timestamps (read as UTC).
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
