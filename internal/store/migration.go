package store

import (
	"context"
	"fmt"
)

const currentSchemaVersion = 2

// migration is one schema step. Statements run in order inside one transaction.
type migration struct {
	version    int
	statements []string
}

// sqliteMigrations builds the SQLite schema. BINARY collation already orders bytewise.
var sqliteMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS entities (
				entity_id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				name TEXT,
				name_folded TEXT,
				status TEXT,
				confidence REAL,
				usage_count INTEGER,
				created_at TEXT,
				source TEXT,
				synonyms TEXT NOT NULL DEFAULT '[]',
				properties TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS relationships (
				subject_id TEXT NOT NULL,
				predicate TEXT NOT NULL,
				object_id TEXT NOT NULL,
				confidence REAL,
				source_documents TEXT NOT NULL DEFAULT '[]',
				created_at TEXT,
				properties TEXT NOT NULL DEFAULT '{}',
				PRIMARY KEY (subject_id, predicate, object_id)
			)`,
			`CREATE TABLE IF NOT EXISTS bundles (
				slot INTEGER PRIMARY KEY CHECK (slot = 1),
				bundle_id TEXT NOT NULL,
				checksum TEXT NOT NULL,
				bundle_version TEXT NOT NULL,
				domain TEXT NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				entity_count INTEGER NOT NULL,
				relationship_count INTEGER NOT NULL,
				loaded_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type, entity_id)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_source ON entities(source)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_object ON relationships(object_id)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_predicate ON relationships(predicate)`,
		},
	},
}

// postgresMigrations builds the PostgreSQL schema. Keys use COLLATE "C" so
// index order matches the bytewise listing order.
var postgresMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS entities (
				entity_id TEXT COLLATE "C" PRIMARY KEY,
				entity_type TEXT NOT NULL,
				name TEXT,
				name_folded TEXT,
				status TEXT,
				confidence DOUBLE PRECISION,
				usage_count BIGINT,
				created_at TEXT,
				source TEXT,
				synonyms TEXT NOT NULL DEFAULT '[]',
				properties TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS relationships (
				subject_id TEXT COLLATE "C" NOT NULL,
				predicate TEXT COLLATE "C" NOT NULL,
				object_id TEXT COLLATE "C" NOT NULL,
				confidence DOUBLE PRECISION,
				source_documents TEXT NOT NULL DEFAULT '[]',
				created_at TEXT,
				properties TEXT NOT NULL DEFAULT '{}',
				PRIMARY KEY (subject_id, predicate, object_id)
			)`,
			`CREATE TABLE IF NOT EXISTS bundles (
				slot INTEGER PRIMARY KEY CHECK (slot = 1),
				bundle_id TEXT NOT NULL,
				checksum TEXT NOT NULL,
				bundle_version TEXT NOT NULL,
				domain TEXT NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				entity_count INTEGER NOT NULL,
				relationship_count INTEGER NOT NULL,
				loaded_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type, entity_id)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_source ON entities(source)`,
			`CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_object ON relationships(object_id)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_predicate ON relationships(predicate)`,
		},
	},
}

// RunMigrations applies any pending schema migrations.
func (s *SQLStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kgserve_schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return unavailable("create schema version table", err)
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for _, m := range s.dialect.migrations {
		if m.version <= version {
			continue
		}
		if err := s.migrate(ctx, m); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version, 0 for a fresh database.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM kgserve_schema_version`).Scan(&version); err != nil {
		return 0, unavailable("read schema version", err)
	}
	return version, nil
}

func (s *SQLStore) migrate(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin migration", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO kgserve_schema_version (version) VALUES (?)`), m.version); err != nil {
		return err
	}
	return tx.Commit()
}
