package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/asyncq/internal/model"
)

var (
	// ErrNotFound is returned when an async query or result does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrResultExists is returned when a result is inserted twice for one query.
	ErrResultExists = errors.New("result already exists")

	// ErrTransient marks failures that may succeed on retry: lock contention,
	// serialization conflicts, dropped connections.
	ErrTransient = errors.New("transient storage error")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// QueryFilter selects async queries for listing.
type QueryFilter struct {
	Statuses []model.Status
	// MissingResult restricts the listing to queries with no attached result.
	MissingResult bool
	// NotStarted restricts the listing to queries no executor has started.
	NotStarted bool
	// OldestFirst orders by created_at ascending instead of newest first.
	OldestFirst bool
	Limit       int
	Offset      int
}

// QueryStats holds aggregate execution statistics.
type QueryStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByQueryType map[string]int `json:"count_by_query_type"`
	// MissingResult counts terminal queries that have no attached result yet.
	MissingResult int `json:"missing_result"`
}

// Store defines the persistence operations for async queries and results.
type Store interface {
	CreateQuery(ctx context.Context, q *model.AsyncQuery) error
	GetQuery(ctx context.Context, id string) (*model.AsyncQuery, error)
	GetResult(ctx context.Context, id string) (*model.QueryResult, error)
	ListQueries(ctx context.Context, f QueryFilter) ([]*model.AsyncQuery, int, error)
	GetQueryStats(ctx context.Context) (*QueryStats, error)
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one unit of work. Callers must end every Tx with Commit or Rollback;
// WithTx does that for them.
type Tx interface {
	LoadQuery(ctx context.Context, id string) (*model.AsyncQuery, error)
	SaveQuery(ctx context.Context, q *model.AsyncQuery) error
	LoadResult(ctx context.Context, id string) (*model.QueryResult, error)
	CreateResult(ctx context.Context, r *model.QueryResult) error
	Commit() error
	Rollback() error
}

// Beginner starts transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on every other exit path, including panics.
func WithTx(ctx context.Context, b Beginner, fn func(Tx) error) (err error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
