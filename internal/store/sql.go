package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/kgserve/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name       string
	collate    string // appended to ORDER BY columns to force bytewise order
	migrations []migration
	// dollar placeholders ($1, $2, ...) instead of ?
	dollar bool
	// readTx makes the count and the page of a listing share one snapshot.
	// nil keeps the driver default, which SQLite already runs as a snapshot.
	readTx *sql.TxOptions
}

// SQLStore is the relational storage engine shared by SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("connect", err)
	}
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Backend returns the dialect name.
func (s *SQLStore) Backend() string {
	return s.dialect.name
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) orderBy(cols ...string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + s.dialect.collate
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

const entityColumns = `entity_id, entity_type, name, status, confidence, usage_count, created_at, source, synonyms, properties`

const relationshipColumns = `subject_id, predicate, object_id, confidence, source_documents, created_at, properties`

// ==================== Load ====================

// LoadBundle replaces the graph inside one transaction.
func (s *SQLStore) LoadBundle(ctx context.Context, rec *models.BundleRecord, entities []*models.Entity, relationships []*models.Relationship) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("begin load", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"relationships", "entities", "bundles"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return "", unavailable("clear "+table, err)
		}
	}

	if err := s.insertEntities(ctx, tx, entities); err != nil {
		return "", err
	}
	if err := s.insertRelationships(ctx, tx, relationships); err != nil {
		return "", err
	}

	rec.EntityCount = len(entities)
	rec.RelationshipCount = len(relationships)
	if rec.LoadedAt.IsZero() {
		rec.LoadedAt = time.Now().UTC()
	}
	if err := s.insertBundle(ctx, tx, rec); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", unavailable("commit load", err)
	}
	return rec.BundleID, nil
}

func (s *SQLStore) insertEntities(ctx context.Context, tx *sql.Tx, entities []*models.Entity) error {
	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO entities (`+entityColumns+`, name_folded) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return unavailable("prepare entity insert", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		synonyms, err := encodeValue(nonNil(e.Synonyms))
		if err != nil {
			return fmt.Errorf("encode synonyms of %q: %w", e.EntityID, err)
		}
		props, err := e.Properties.Encode()
		if err != nil {
			return fmt.Errorf("encode properties of %q: %w", e.EntityID, err)
		}
		var folded any
		if e.Name != nil {
			folded = foldName(*e.Name)
		}
		_, err = stmt.ExecContext(ctx,
			e.EntityID, e.EntityType, nullable(e.Name), nullable(e.Status), nullable(e.Confidence),
			nullable(e.UsageCount), nullable(e.CreatedAt), nullable(e.Source), string(synonyms), string(props), folded)
		if err != nil {
			return unavailable(fmt.Sprintf("insert entity %q", e.EntityID), err)
		}
	}
	return nil
}

func (s *SQLStore) insertRelationships(ctx context.Context, tx *sql.Tx, relationships []*models.Relationship) error {
	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO relationships (`+relationshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return unavailable("prepare relationship insert", err)
	}
	defer stmt.Close()

	for _, r := range relationships {
		docs, err := encodeValue(nonNil(r.SourceDocuments))
		if err != nil {
			return fmt.Errorf("encode source_documents of %s: %w", r.Triple(), err)
		}
		props, err := r.Properties.Encode()
		if err != nil {
			return fmt.Errorf("encode properties of %s: %w", r.Triple(), err)
		}
		_, err = stmt.ExecContext(ctx,
			r.SubjectID, r.Predicate, r.ObjectID, nullable(r.Confidence),
			string(docs), nullable(r.CreatedAt), string(props))
		if err != nil {
			return unavailable(fmt.Sprintf("insert relationship %s", r.Triple()), err)
		}
	}
	return nil
}

func (s *SQLStore) insertBundle(ctx context.Context, tx *sql.Tx, rec *models.BundleRecord) error {
	meta, err := rec.Metadata.Encode()
	if err != nil {
		return fmt.Errorf("encode bundle metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO bundles (slot, bundle_id, checksum, bundle_version, domain, label, created_at, metadata, entity_count, relationship_count, loaded_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.BundleID, rec.Checksum, rec.BundleVersion, rec.Domain, rec.Label,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(meta),
		rec.EntityCount, rec.RelationshipCount, rec.LoadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return unavailable("record bundle", err)
	}
	return nil
}

// ==================== Entities ====================

// GetEntity returns the entity with the given id, or nil.
func (s *SQLStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+entityColumns+` FROM entities WHERE entity_id = ?`), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get entity", err)
	}
	return e, nil
}

func entityWhere(f models.EntityFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.Name != "" {
		add("name = ?", f.Name)
	}
	if f.NameContains != "" {
		add(`name_folded LIKE ? ESCAPE '\'`, "%"+escapeLike(foldName(f.NameContains))+"%")
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEntities returns one page of entities matching filter and the total match count.
func (s *SQLStore) ListEntities(ctx context.Context, filter models.EntityFilter, page models.Page) ([]*models.Entity, int, error) {
	where, args := entityWhere(filter)
	tx, err := s.db.BeginTx(ctx, s.dialect.readTx)
	if err != nil {
		return nil, 0, unavailable("list entities", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM entities`+where), args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count entities", err)
	}

	query := `SELECT ` + entityColumns + ` FROM entities` + where + s.orderBy("entity_id") + ` LIMIT ? OFFSET ?`
	rows, err := tx.QueryContext(ctx, s.rebind(query), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, unavailable("list entities", err)
	}
	defer rows.Close()

	items := make([]*models.Entity, 0, page.Limit)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, unavailable("scan entity", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list entities", err)
	}
	return items, total, nil
}

// ==================== Relationships ====================

// GetRelationship returns the relationship identified by t, or nil.
func (s *SQLStore) GetRelationship(ctx context.Context, t models.Triple) (*models.Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+relationshipColumns+` FROM relationships WHERE subject_id = ? AND predicate = ? AND object_id = ?`),
		t.SubjectID, t.Predicate, t.ObjectID)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get relationship", err)
	}
	return r, nil
}

func relationshipWhere(f models.RelationshipFilter) (string, []any) {
	var conds []string
	var args []any
	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Predicate != "" {
		conds = append(conds, "predicate = ?")
		args = append(args, f.Predicate)
	}
	if f.ObjectID != "" {
		conds = append(conds, "object_id = ?")
		args = append(args, f.ObjectID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListRelationships returns one page of relationships matching filter and the total match count.
func (s *SQLStore) ListRelationships(ctx context.Context, filter models.RelationshipFilter, page models.Page) ([]*models.Relationship, int, error) {
	where, args := relationshipWhere(filter)
	tx, err := s.db.BeginTx(ctx, s.dialect.readTx)
	if err != nil {
		return nil, 0, unavailable("list relationships", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM relationships`+where), args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count relationships", err)
	}

	query := `SELECT ` + relationshipColumns + ` FROM relationships` + where +
		s.orderBy("subject_id", "predicate", "object_id") + ` LIMIT ? OFFSET ?`
	rows, err := tx.QueryContext(ctx, s.rebind(query), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, unavailable("list relationships", err)
	}
	defer rows.Close()

	items := make([]*models.Relationship, 0, page.Limit)
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, 0, unavailable("scan relationship", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list relationships", err)
	}
	return items, total, nil
}

// ==================== Bundle ====================

// GetActiveBundle returns the active bundle record, or nil before the first load.
func (s *SQLStore) GetActiveBundle(ctx context.Context) (*models.BundleRecord, error) {
	var (
		rec                 models.BundleRecord
		createdAt, loadedAt string
		meta                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT bundle_id, checksum, bundle_version, domain, label, created_at, metadata, entity_count, relationship_count, loaded_at
		FROM bundles WHERE slot = 1`).Scan(
		&rec.BundleID, &rec.Checksum, &rec.BundleVersion, &rec.Domain, &rec.Label,
		&createdAt, &meta, &rec.EntityCount, &rec.RelationshipCount, &loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get active bundle", err)
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse bundle created_at: %w", err)
	}
	if rec.LoadedAt, err = time.Parse(time.RFC3339Nano, loadedAt); err != nil {
		return nil, fmt.Errorf("parse bundle loaded_at: %w", err)
	}
	if rec.Metadata, err = models.DecodeProperties([]byte(meta)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ==================== Scanning ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (*models.Entity, error) {
	var (
		e                               models.Entity
		name, status, createdAt, source sql.NullString
		confidence                      sql.NullFloat64
		usage                           sql.NullInt64
		synonyms, props                 string
	)
	if err := sc.Scan(&e.EntityID, &e.EntityType, &name, &status, &confidence, &usage, &createdAt, &source, &synonyms, &props); err != nil {
		return nil, err
	}
	e.Name = ptr(name)
	e.Status = ptr(status)
	e.CreatedAt = ptr(createdAt)
	e.Source = ptr(source)
	if confidence.Valid {
		e.Confidence = &confidence.Float64
	}
	if usage.Valid {
		e.UsageCount = &usage.Int64
	}
	if err := json.Unmarshal([]byte(synonyms), &e.Synonyms); err != nil {
		return nil, fmt.Errorf("decode synonyms of %q: %w", e.EntityID, err)
	}
	var err error
	if e.Properties, err = models.DecodeProperties([]byte(props)); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRelationship(sc scanner) (*models.Relationship, error) {
	var (
		r           models.Relationship
		confidence  sql.NullFloat64
		createdAt   sql.NullString
		docs, props string
	)
	if err := sc.Scan(&r.SubjectID, &r.Predicate, &r.ObjectID, &confidence, &docs, &createdAt, &props); err != nil {
		return nil, err
	}
	if confidence.Valid {
		r.Confidence = &confidence.Float64
	}
	r.CreatedAt = ptr(createdAt)
	if err := json.Unmarshal([]byte(docs), &r.SourceDocuments); err != nil {
		return nil, fmt.Errorf("decode source_documents of %s: %w", r.Triple(), err)
	}
	var err error
	if r.Properties, err = models.DecodeProperties([]byte(props)); err != nil {
		return nil, err
	}
	return &r, nil
}

// ==================== Helpers ====================

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
