// Package models defines the graph data structures served by kgserve:
// entities, relationships, the active bundle record and the paging types
// shared by the storage engine and the query façade.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Properties is an opaque key to JSON value mapping. The server never
// interprets the values; it stores and returns them verbatim (compacted).
type Properties map[string]json.RawMessage

// ParseProperties decodes a JSON object into Properties, compacting every value.
func ParseProperties(data []byte) (Properties, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a JSON object, got null")
	}
	props := make(Properties, len(raw))
	for k, v := range raw {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("compact %q: %w", k, err)
		}
		props[k] = json.RawMessage(buf.Bytes())
	}
	return props, nil
}

// Encode renders the mapping as compact JSON without HTML escaping, so a
// decode of the result yields byte-identical values.
func (p Properties) Encode() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]json.RawMessage(p)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeProperties is the inverse of Encode. Empty input yields an empty mapping.
func DecodeProperties(data []byte) (Properties, error) {
	props := Properties{}
	if len(data) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

// Clone returns a shallow copy; values are immutable byte slices by convention.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
