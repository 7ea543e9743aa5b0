package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS async_queries (
    id          TEXT PRIMARY KEY,
    query       TEXT NOT NULL,
    query_type  TEXT NOT NULL,
    principal   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    result_id   TEXT,
    reason      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_async_queries_status ON async_queries (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS async_query_results (
    id             TEXT PRIMARY KEY,
    query_id       TEXT NOT NULL REFERENCES async_queries(id),
    status_code    INTEGER NOT NULL,
    response_body  TEXT NOT NULL,
    content_length INTEGER NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
)`,
}

var postgresDialect = dialect{
	name:      "postgres",
	schema:    postgresSchema,
	numbered:  true,
	lockRow:   " FOR UPDATE",
	transient: postgresTransient,
	duplicate: postgresDuplicate,
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver and runs
// migrations.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing PostgreSQL handle without migrating it.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: postgresDialect}
}

func postgresTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsInsufficientResources(pgErr.Code)
}

func postgresDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
