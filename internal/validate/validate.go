// Package validate turns raw bundle rows into typed graph values.
//
// Validation runs in two passes: entities first, building an identifier
// index, then relationships checked against that index. Forward references
// inside a file are therefore fine; a missing endpoint is not. The first
// violation aborts the whole bundle.
package validate

import (
	"context"
	"fmt"
	"iter"

	"github.com/kilupskalvis/kgserve/internal/bundle"
	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/models"
)

// ctxCheckInterval is how many rows are processed between cancellation checks.
const ctxCheckInterval = 1024

// Result is the validated content of one bundle, in file order.
type Result struct {
	Entities      []*models.Entity
	Relationships []*models.Relationship
	Documents     []models.Document
}

// Validator applies the row contract of one manifest.
type Validator struct {
	fields bundle.IDFields
}

// New creates a validator honoring the manifest's id_fields mapping.
func New(m bundle.Manifest) *Validator {
	return &Validator{fields: m.IDFields}
}

// Validate streams every collection of r and returns the typed rows, or the
// first violation found.
func (v *Validator) Validate(ctx context.Context, r *bundle.Reader) (*Result, error) {
	res := &Result{}

	index := make(map[string]int)
	err := each(ctx, r.Entities(), func(rw *row) error {
		e, err := v.entity(rw)
		if err != nil {
			return err
		}
		if first, dup := index[e.EntityID]; dup {
			return kgerr.DuplicateKey(rw.file, rw.line, e.EntityID, first)
		}
		index[e.EntityID] = rw.line
		res.Entities = append(res.Entities, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	triples := make(map[models.Triple]int)
	err = each(ctx, r.Relationships(), func(rw *row) error {
		rel, err := v.relationship(rw)
		if err != nil {
			return err
		}
		t := rel.Triple()
		if first, dup := triples[t]; dup {
			return kgerr.DuplicateKey(rw.file, rw.line, t.String(), first)
		}
		if _, ok := index[rel.SubjectID]; !ok {
			return kgerr.ReferentialIntegrity(rw.file, rw.line, v.fields.SubjectID, rel.SubjectID)
		}
		if _, ok := index[rel.ObjectID]; !ok {
			return kgerr.ReferentialIntegrity(rw.file, rw.line, v.fields.ObjectID, rel.ObjectID)
		}
		triples[t] = rw.line
		res.Relationships = append(res.Relationships, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Documents, err = Documents(ctx, r); err != nil {
		return nil, err
	}

	return res, nil
}

// Documents validates only the document listing of r. The loader uses it to
// republish assets for a bundle that is already materialized.
func Documents(ctx context.Context, r *bundle.Reader) ([]models.Document, error) {
	var docs []models.Document
	err := each(ctx, r.Documents(), func(rw *row) error {
		doc, err := document(rw)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func each(ctx context.Context, rows iter.Seq2[bundle.Row, error], fn func(*row) error) error {
	n := 0
	for raw, err := range rows {
		if err != nil {
			return err
		}
		if n++; n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rw, err := decodeRow(raw.File, raw.Line, raw.Data)
		if err != nil {
			return err
		}
		if err := fn(rw); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (v *Validator) entity(rw *row) (*models.Entity, error) {
	meta := rw.metadata()
	rw.lift(meta, "status", "usage_count", "source", "created_at")

	e := &models.Entity{}
	var err error
	if e.EntityID, err = rw.id(v.fields.EntityID); err != nil {
		return nil, err
	}
	if e.EntityType, err = rw.id(v.fields.EntityType); err != nil {
		return nil, err
	}
	if e.Name, err = rw.optString(v.fields.Name); err != nil {
		return nil, err
	}
	if e.Status, err = rw.optString("status"); err != nil {
		return nil, err
	}
	if e.Confidence, err = rw.confidence("confidence"); err != nil {
		return nil, err
	}
	if e.UsageCount, err = rw.count("usage_count"); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = rw.optString("created_at"); err != nil {
		return nil, err
	}
	if e.Source, err = rw.optString("source"); err != nil {
		return nil, err
	}
	if e.Synonyms, err = rw.stringList("synonyms"); err != nil {
		return nil, err
	}
	if e.Properties, err = rw.properties("properties"); err != nil {
		return nil, err
	}
	if err := fold(e.Properties, meta); err != nil {
		return nil, rw.invalid("metadata", "%v", err)
	}
	return e, nil
}

func (v *Validator) relationship(rw *row) (*models.Relationship, error) {
	meta := rw.metadata()
	if docs, ok := meta["source_documents"]; ok {
		if !rw.present("source_documents") {
			rw.fields["source_documents"] = docs
		}
		delete(meta, "source_documents")
	}
	rw.alias(v.fields.SourceEntityID, v.fields.SubjectID)
	rw.alias(v.fields.TargetEntityID, v.fields.ObjectID)

	rel := &models.Relationship{}
	var err error
	if rel.SubjectID, err = rw.id(v.fields.SubjectID); err != nil {
		return nil, err
	}
	if rel.Predicate, err = rw.id(v.fields.Predicate); err != nil {
		return nil, err
	}
	if rel.ObjectID, err = rw.id(v.fields.ObjectID); err != nil {
		return nil, err
	}
	if rel.Confidence, err = rw.confidence("confidence"); err != nil {
		return nil, err
	}
	if rel.SourceDocuments, err = rw.stringList("source_documents"); err != nil {
		return nil, err
	}
	if rel.CreatedAt, err = rw.optString("created_at"); err != nil {
		return nil, err
	}
	if rel.Properties, err = rw.properties("properties"); err != nil {
		return nil, err
	}
	if err := fold(rel.Properties, meta); err != nil {
		return nil, rw.invalid("metadata", "%v", err)
	}
	return rel, nil
}

// alias moves the value of from to to when the row lacks to.
func (r *row) alias(from, to string) {
	if from == "" || from == to {
		return
	}
	if v, ok := r.fields[from]; ok && !r.present(to) {
		r.fields[to] = v
	}
}

func document(rw *row) (models.Document, error) {
	p, err := rw.id("path")
	if err != nil {
		return models.Document{}, err
	}
	if err := bundle.ValidatePath(p); err != nil {
		return models.Document{}, rw.invalid("path", "%v", err)
	}
	return models.Document{Path: p}, nil
}

// Summary renders row counts for log lines and CLI output.
func (r *Result) Summary() string {
	return fmt.Sprintf("%d entities, %d relationships, %d documents", len(r.Entities), len(r.Relationships), len(r.Documents))
}
