package bundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

// Row is one raw record of a data file together with its location.
type Row struct {
	File string          // bundle-relative path as declared in the manifest
	Line int             // 1-based line (jsonl) or element position (json)
	Data json.RawMessage // the record, syntactically valid JSON
}

// Reader streams the rows of the data files a manifest declares.
// Sequences are lazy; each call opens the file again.
type Reader struct {
	root     string
	manifest Manifest
}

// NewReader creates a reader for the bundle rooted at root.
func NewReader(root string, m Manifest) *Reader {
	return &Reader{root: root, manifest: m}
}

// Entities streams the entity rows.
func (r *Reader) Entities() iter.Seq2[Row, error] {
	return r.rows("entities", &r.manifest.Entities)
}

// Relationships streams the relationship rows.
func (r *Reader) Relationships() iter.Seq2[Row, error] {
	return r.rows("relationships", &r.manifest.Relationships)
}

// Documents streams the document listing rows. The sequence is empty when
// the manifest declares no documents.
func (r *Reader) Documents() iter.Seq2[Row, error] {
	return r.rows("documents", r.manifest.Documents)
}

// Resolve maps a bundle-relative path onto the filesystem, refusing paths
// that escape the bundle root.
func (r *Reader) Resolve(rel string) (string, error) {
	if err := ValidatePath(rel); err != nil {
		return "", err
	}
	return resolveWithin(r.root, rel)
}

func resolveWithin(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(rel, "\\", "/")))
	back, err := filepath.Rel(root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the bundle root", rel)
	}
	return full, nil
}

func (r *Reader) rows(collection string, ref *FileRef) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if ref == nil {
			return
		}
		if ref.Format != FormatJSONL && ref.Format != FormatJSON {
			yield(Row{File: ref.Path}, kgerr.UnsupportedFormat(ref.Path, ref.Format))
			return
		}

		full, err := r.Resolve(ref.Path)
		if err != nil {
			yield(Row{File: ref.Path}, kgerr.ManifestInvalid(collection+".path", err.Error()))
			return
		}
		f, err := os.Open(full)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = kgerr.ManifestInvalid(collection+".path", fmt.Sprintf("declared file %q does not exist", ref.Path))
			}
			yield(Row{File: ref.Path}, err)
			return
		}
		defer f.Close()

		if ref.Format == FormatJSONL {
			readJSONL(f, ref.Path, yield)
		} else {
			readJSONArray(f, ref.Path, yield)
		}
	}
}

func readJSONL(src io.Reader, file string, yield func(Row, error) bool) {
	br := bufio.NewReaderSize(src, 64*1024)
	line := 0
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				row := Row{File: file, Line: line}
				if !json.Valid(trimmed) {
					yield(row, kgerr.RowInvalid(file, line, "", "malformed JSON"))
					return
				}
				row.Data = json.RawMessage(bytes.Clone(trimmed))
				if !yield(row, nil) {
					return
				}
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(Row{File: file, Line: line}, fmt.Errorf("read %s: %w", file, err))
			return
		}
	}
}

func readJSONArray(src io.Reader, file string, yield func(Row, error) bool) {
	dec := json.NewDecoder(bufio.NewReader(src))
	tok, err := dec.Token()
	if err != nil {
		yield(Row{File: file}, kgerr.RowInvalid(file, 0, "", "malformed JSON: "+err.Error()))
		return
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		yield(Row{File: file}, kgerr.RowInvalid(file, 0, "", "expected a top-level JSON array"))
		return
	}
	pos := 0
	for dec.More() {
		pos++
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			yield(Row{File: file, Line: pos}, kgerr.RowInvalid(file, pos, "", "malformed JSON: "+err.Error()))
			return
		}
		if !yield(Row{File: file, Line: pos, Data: raw}, nil) {
			return
		}
	}
	if _, err := dec.Token(); err != nil {
		yield(Row{File: file, Line: pos}, kgerr.RowInvalid(file, pos, "", "malformed JSON: "+err.Error()))
	}
}
