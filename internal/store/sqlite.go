package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS async_queries (
    id          TEXT PRIMARY KEY,
    query       TEXT NOT NULL,
    query_type  TEXT NOT NULL,
    principal   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    result_id   TEXT,
    reason      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_async_queries_status ON async_queries (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS async_query_results (
    id             TEXT PRIMARY KEY,
    query_id       TEXT NOT NULL REFERENCES async_queries(id),
    status_code    INTEGER NOT NULL,
    response_body  TEXT NOT NULL,
    content_length INTEGER NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL
)`,
}

var sqliteDialect = dialect{
	name:      "sqlite",
	schema:    sqliteSchema,
	transient: sqliteTransient,
	duplicate: sqliteDuplicate,
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// The pool is limited to one connection: SQLite serialises writers anyway,
// and ":memory:" databases exist per connection.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLStore{db: db, d: sqliteDialect}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func sqliteTransient(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func sqliteDuplicate(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
