package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres connects to the PostgreSQL database named by dsn.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, unavailable("open postgres database", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newSQLStore(ctx, db, postgresDialect)
}

// postgresDialect reads listings under REPEATABLE READ: READ COMMITTED would
// give the COUNT and the page query separate snapshots, so a reload
// committing between them could pair one bundle's total with another's rows.
var postgresDialect = dialect{
	name:       "postgres",
	collate:    ` COLLATE "C"`,
	dollar:     true,
	migrations: postgresMigrations,
	readTx:     &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
}
