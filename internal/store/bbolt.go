package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/kilupskalvis/kgserve/internal/models"
)

// Bucket names used by the embedded store.
var (
	bucketEntities      = []byte("entities")      // entity_id -> entity JSON
	bucketRelationships = []byte("relationships") // subject\x00predicate\x00object -> relationship JSON
	bucketMeta          = []byte("meta")
)

var keyActiveBundle = []byte("active_bundle")

// BoltStore is an embedded single-file backend. Keys sort bytewise, which is
// exactly the listing order, so pages are read straight off a cursor.
type BoltStore struct {
	db *bolt.DB
}

// NewBolt opens or creates a bbolt database at the given path.
func NewBolt(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, unavailable("open bolt database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketRelationships, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, unavailable("initialize bolt database", err)
	}

	return &BoltStore{db: db}, nil
}

// Backend returns "bolt".
func (s *BoltStore) Backend() string {
	return "bolt"
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func tripleKey(t models.Triple) []byte {
	key := make([]byte, 0, len(t.SubjectID)+len(t.Predicate)+len(t.ObjectID)+2)
	key = append(key, t.SubjectID...)
	key = append(key, 0)
	key = append(key, t.Predicate...)
	key = append(key, 0)
	key = append(key, t.ObjectID...)
	return key
}

// ==================== Load ====================

// LoadBundle drops and rebuilds both graph buckets inside one update transaction.
func (s *BoltStore) LoadBundle(ctx context.Context, rec *models.BundleRecord, entities []*models.Entity, relationships []*models.Relationship) (string, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketRelationships} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolterrors.ErrBucketNotFound) {
				return fmt.Errorf("drop bucket %s: %w", name, err)
			}
		}
		eb, err := tx.CreateBucket(bucketEntities)
		if err != nil {
			return err
		}
		rb, err := tx.CreateBucket(bucketRelationships)
		if err != nil {
			return err
		}

		for i, e := range entities {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			key := []byte(e.EntityID)
			if eb.Get(key) != nil {
				return fmt.Errorf("duplicate entity %q", e.EntityID)
			}
			stored := *e
			stored.Synonyms = nonNil(e.Synonyms)
			if stored.Properties == nil {
				stored.Properties = models.Properties{}
			}
			data, err := encodeValue(&stored)
			if err != nil {
				return fmt.Errorf("encode entity %q: %w", e.EntityID, err)
			}
			if err := eb.Put(key, data); err != nil {
				return fmt.Errorf("store entity %q: %w", e.EntityID, err)
			}
		}

		for i, r := range relationships {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			key := tripleKey(r.Triple())
			if rb.Get(key) != nil {
				return fmt.Errorf("duplicate relationship %s", r.Triple())
			}
			stored := *r
			stored.SourceDocuments = nonNil(r.SourceDocuments)
			if stored.Properties == nil {
				stored.Properties = models.Properties{}
			}
			data, err := encodeValue(&stored)
			if err != nil {
				return fmt.Errorf("encode relationship %s: %w", r.Triple(), err)
			}
			if err := rb.Put(key, data); err != nil {
				return fmt.Errorf("store relationship %s: %w", r.Triple(), err)
			}
		}

		rec.EntityCount = len(entities)
		rec.RelationshipCount = len(relationships)
		if rec.LoadedAt.IsZero() {
			rec.LoadedAt = time.Now().UTC()
		}
		if rec.Metadata == nil {
			rec.Metadata = models.Properties{}
		}
		data, err := encodeValue(rec)
		if err != nil {
			return fmt.Errorf("encode bundle record: %w", err)
		}
		return tx.Bucket(bucketMeta).Put(keyActiveBundle, data)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", unavailable("load bundle", err)
	}
	return rec.BundleID, nil
}

// ==================== Reads ====================

// GetEntity returns the entity with the given id, or nil.
func (s *BoltStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	var e *models.Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntities).Get([]byte(id))
		if data == nil {
			return nil
		}
		e = &models.Entity{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, unavailable("get entity", err)
	}
	return e, nil
}

// ListEntities scans the entity bucket in key order. Unfiltered totals come
// from the bucket statistics; filtered totals are counted during the scan.
func (s *BoltStore) ListEntities(ctx context.Context, filter models.EntityFilter, page models.Page) ([]*models.Entity, int, error) {
	items := []*models.Entity{}
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if filter == (models.EntityFilter{}) {
			total = b.Stats().KeyN
			c := b.Cursor()
			k, v := c.First()
			for i := 0; k != nil && i < page.Offset; i++ {
				k, v = c.Next()
			}
			for ; k != nil && len(items) < page.Limit; k, v = c.Next() {
				e := &models.Entity{}
				if err := json.Unmarshal(v, e); err != nil {
					return err
				}
				items = append(items, e)
			}
			return nil
		}

		n := 0
		return b.ForEach(func(_, v []byte) error {
			if n++; n%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			e := &models.Entity{}
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			if !matchEntity(e, filter) {
				return nil
			}
			if total >= page.Offset && len(items) < page.Limit {
				items = append(items, e)
			}
			total++
			return nil
		})
	})
	if err != nil {
		return nil, 0, unavailable("list entities", err)
	}
	return items, total, nil
}

// GetRelationship returns the relationship identified by t, or nil.
func (s *BoltStore) GetRelationship(_ context.Context, t models.Triple) (*models.Relationship, error) {
	var r *models.Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRelationships).Get(tripleKey(t))
		if data == nil {
			return nil
		}
		r = &models.Relationship{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, unavailable("get relationship", err)
	}
	return r, nil
}

// ListRelationships scans relationships in key order. A subject filter seeks
// straight to the subject's key range.
func (s *BoltStore) ListRelationships(ctx context.Context, filter models.RelationshipFilter, page models.Page) ([]*models.Relationship, int, error) {
	items := []*models.Relationship{}
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRelationships)
		if filter == (models.RelationshipFilter{}) {
			total = b.Stats().KeyN
		}

		var prefix []byte
		if filter.SubjectID != "" {
			prefix = append([]byte(filter.SubjectID), 0)
		}

		c := b.Cursor()
		var k, v []byte
		if prefix != nil {
			k, v = c.Seek(prefix)
		} else {
			k, v = c.First()
		}

		unfiltered := filter == (models.RelationshipFilter{})
		matched := 0
		for n := 1; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if n++; n%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if unfiltered {
				if matched < page.Offset {
					matched++
					continue
				}
				if len(items) == page.Limit {
					break
				}
			}
			r := &models.Relationship{}
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			if !matchRelationship(r, filter) {
				continue
			}
			if matched >= page.Offset && len(items) < page.Limit {
				items = append(items, r)
			}
			matched++
		}
		if !unfiltered {
			total = matched
		}
		return nil
	})
	if err != nil {
		return nil, 0, unavailable("list relationships", err)
	}
	return items, total, nil
}

// GetActiveBundle returns the active bundle record, or nil before the first load.
func (s *BoltStore) GetActiveBundle(_ context.Context) (*models.BundleRecord, error) {
	var rec *models.BundleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyActiveBundle)
		if data == nil {
			return nil
		}
		rec = &models.BundleRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, unavailable("get active bundle", err)
	}
	return rec, nil
}
