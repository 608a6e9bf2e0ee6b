package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/models"
)

// row is a decoded data record with its location, used to build located errors.
type row struct {
	file   string
	line   int
	fields map[string]json.RawMessage
}

func decodeRow(file string, line int, data json.RawMessage) (*row, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, kgerr.RowInvalid(file, line, "", "row must be a JSON object")
	}
	return &row{file: file, line: line, fields: fields}, nil
}

func (r *row) invalid(field, format string, args ...any) error {
	return kgerr.RowInvalid(r.file, r.line, field, fmt.Sprintf(format, args...))
}

// present reports whether key exists with a non-null value.
func (r *row) present(key string) bool {
	v, ok := r.fields[key]
	return ok && !isNull(v)
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// id reads a required identifier: a string, non-empty after trimming, without NUL.
func (r *row) id(key string) (string, error) {
	v, ok := r.fields[key]
	if !ok || isNull(v) {
		return "", r.invalid(key, "is required")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", r.invalid(key, "must be a string")
	}
	if strings.TrimSpace(s) == "" {
		return "", r.invalid(key, "must be non-empty")
	}
	if strings.ContainsRune(s, 0) {
		return "", r.invalid(key, "must not contain NUL")
	}
	return s, nil
}

func (r *row) optString(key string) (*string, error) {
	if !r.present(key) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(r.fields[key], &s); err != nil {
		return nil, r.invalid(key, "must be a string")
	}
	return &s, nil
}

func (r *row) confidence(key string) (*float64, error) {
	if !r.present(key) {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(r.fields[key], &f); err != nil {
		return nil, r.invalid(key, "must be a number")
	}
	if f < 0 || f > 1 {
		return nil, r.invalid(key, "must be within [0, 1], got %v", f)
	}
	return &f, nil
}

// count reads a non-negative integer. Literals are parsed exactly; an
// integral float literal such as 3.0 or 1e3 is accepted only within the
// range a float64 represents exactly.
func (r *row) count(key string) (*int64, error) {
	if !r.present(key) {
		return nil, nil
	}
	raw := bytes.TrimSpace(r.fields[key])
	if len(raw) == 0 || raw[0] == '"' {
		return nil, r.invalid(key, "must be an integer")
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return nil, r.invalid(key, "must be an integer")
	}

	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return nil, r.invalid(key, "out of range, got %s", num)
		}
		f, ferr := num.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return nil, r.invalid(key, "must be an integer, got %s", num)
		}
		if math.Abs(f) > maxExactFloat {
			return nil, r.invalid(key, "out of range, got %s", num)
		}
		n = int64(f)
	}
	if n < 0 {
		return nil, r.invalid(key, "must be non-negative, got %s", num)
	}
	return &n, nil
}

// maxExactFloat is 2^53, the largest integer span float64 holds exactly.
const maxExactFloat = 1 << 53

func (r *row) stringList(key string) ([]string, error) {
	out := []string{}
	if !r.present(key) {
		return out, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(r.fields[key], &items); err != nil {
		return nil, r.invalid(key, "must be an array of strings")
	}
	for i, item := range items {
		var s string
		if isNull(item) || json.Unmarshal(item, &s) != nil {
			return nil, r.invalid(key, "element %d must be a string", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *row) properties(key string) (models.Properties, error) {
	if !r.present(key) {
		return models.Properties{}, nil
	}
	props, err := models.ParseProperties(r.fields[key])
	if err != nil {
		return nil, r.invalid(key, "must be a JSON object")
	}
	return props, nil
}

// metadata returns the legacy metadata object, or nil when the row carries
// none (or carries a non-object, which is ignored like any unknown key).
func (r *row) metadata() map[string]json.RawMessage {
	if !r.present("metadata") {
		return nil
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(r.fields["metadata"], &meta); err != nil {
		return nil
	}
	return meta
}

// lift copies keys from meta into the row when the row lacks them.
func (r *row) lift(meta map[string]json.RawMessage, keys ...string) {
	for _, k := range keys {
		if v, ok := meta[k]; ok && !r.present(k) {
			r.fields[k] = v
		}
	}
}

// fold merges meta into props; meta keys win.
func fold(props models.Properties, meta map[string]json.RawMessage) error {
	for k, v := range meta {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return err
		}
		props[k] = json.RawMessage(buf.Bytes())
	}
	return nil
}
