// Package kgerr defines the error taxonomy shared by the bundle loader,
// the validator and the storage engine.
//
// Every load-time failure is a *Error carrying the kind sentinel plus enough
// location context (file, line, field, identifier) for an operator to fix the
// bundle. Callers test the kind with errors.Is.
package kgerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per failure kind.
var (
	ErrManifestInvalid      = errors.New("manifest invalid")
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrRowInvalid           = errors.New("row invalid")
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrBundleConflict       = errors.New("bundle conflict")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrManifestInvalid, "manifest_invalid"},
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrRowInvalid, "row_invalid"},
	{ErrDuplicateKey, "duplicate_key"},
	{ErrReferentialIntegrity, "referential_integrity_violation"},
	{ErrBundleConflict, "bundle_conflict"},
	{ErrStorageUnavailable, "storage_unavailable"},
}

// Error is a located failure of one of the taxonomy kinds.
type Error struct {
	Kind   error  // one of the sentinels above
	File   string // bundle-relative file, when the failure is tied to one
	Line   int    // 1-based line (jsonl) or element position (json); 0 when unknown
	Field  string // offending field or manifest key
	ID     string // offending identifier (entity id, triple, bundle id)
	Reason string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.File != "" {
		b.WriteString(": ")
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, ": id %q", e.ID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ManifestInvalid reports a contract violation in manifest.json.
func ManifestInvalid(field, reason string) *Error {
	return &Error{Kind: ErrManifestInvalid, File: "manifest.json", Field: field, Reason: reason}
}

// UnsupportedFormat reports a declared file format the reader cannot stream.
func UnsupportedFormat(file, format string) *Error {
	return &Error{Kind: ErrUnsupportedFormat, File: file, Field: "format", Reason: fmt.Sprintf("format %q is not one of json, jsonl", format)}
}

// RowInvalid reports a shape violation in a data row.
func RowInvalid(file string, line int, field, reason string) *Error {
	return &Error{Kind: ErrRowInvalid, File: file, Line: line, Field: field, Reason: reason}
}

// DuplicateKey reports a repeated entity id or relationship triple.
func DuplicateKey(file string, line int, id string, firstLine int) *Error {
	return &Error{Kind: ErrDuplicateKey, File: file, Line: line, ID: id, Reason: fmt.Sprintf("first declared at line %d", firstLine)}
}

// ReferentialIntegrity reports a relationship endpoint missing from the entity set.
func ReferentialIntegrity(file string, line int, field, id string) *Error {
	return &Error{Kind: ErrReferentialIntegrity, File: file, Line: line, Field: field, ID: id, Reason: "endpoint does not reference an entity of this bundle"}
}

// BundleConflict reports a bundle id whose content checksum differs from the active one.
func BundleConflict(bundleID, activeChecksum, candidateChecksum string) *Error {
	return &Error{
		Kind:   ErrBundleConflict,
		ID:     bundleID,
		Reason: fmt.Sprintf("active checksum %s, candidate checksum %s", activeChecksum, candidateChecksum),
	}
}

// StorageUnavailable wraps a backend connection or transaction failure.
func StorageUnavailable(op string, err error) *Error {
	return &Error{Kind: ErrStorageUnavailable, Reason: op, Err: err}
}

// KindName returns a stable snake_case name for err's kind, or "internal"
// when err carries none of the taxonomy sentinels.
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "internal"
}
