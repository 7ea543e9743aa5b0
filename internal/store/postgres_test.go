package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/asyncq/internal/model"
)

func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func queryRow(id string, status model.Status) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "query", "query_type", "principal", "status", "result_id", "reason", "error",
		"created_at", "updated_at", "started_at", "finished_at",
	}).AddRow(id, "/widgets", "JSONAPI_V1_0", "alice", string(status), nil, "", "", now, now, nil, nil)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	pg := NewPostgresStore(nil)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &SQLStore{d: sqliteDialect}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgresLoadQueryLocksRow(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM async_queries WHERE id = $1 FOR UPDATE")).
		WithArgs("q1").
		WillReturnRows(queryRow("q1", model.StatusQueued))
	mock.ExpectCommit()

	var loaded *model.AsyncQuery
	err := WithTx(ctx, s, func(tx Tx) error {
		var err error
		loaded, err = tx.LoadQuery(ctx, "q1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, loaded.Status)
	assert.Empty(t, loaded.ResultID)
	assert.Nil(t, loaded.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSerializationFailureIsTransient(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE async_queries SET")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})
	mock.ExpectRollback()

	err := WithTx(ctx, s, func(tx Tx) error {
		return tx.SaveQuery(ctx, &model.AsyncQuery{ID: "q1", Status: model.StatusProcessing})
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "serialization failure should be transient: %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPermanentErrorIsNotTransient(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE async_queries SET")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedColumn})
	mock.ExpectRollback()

	err := WithTx(ctx, s, func(tx Tx) error {
		return tx.SaveQuery(ctx, &model.AsyncQuery{ID: "q1"})
	})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveQueryNoRows(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $8")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := WithTx(ctx, s, func(tx Tx) error {
		return tx.SaveQuery(ctx, &model.AsyncQuery{ID: "ghost"})
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateResult(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO async_query_results")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
	mock.ExpectRollback()

	err := WithTx(ctx, s, func(tx Tx) error {
		return tx.CreateResult(ctx, model.NewQueryResult("q1", 200, "{}", model.ReasonNone))
	})
	assert.ErrorIs(t, err, ErrResultExists)
	assert.False(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListQueriesFilter(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM async_queries WHERE status IN ($1, $2) AND result_id IS NULL")).
		WithArgs("COMPLETE", "FAILURE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, id ASC LIMIT $3 OFFSET $4")).
		WithArgs("COMPLETE", "FAILURE", 10, 0).
		WillReturnRows(queryRow("q1", model.StatusComplete))
	mock.ExpectRollback()

	queries, total, err := s.ListQueries(ctx, QueryFilter{
		Statuses:      []model.Status{model.StatusComplete, model.StatusFailure},
		MissingResult: true,
		OldestFirst:   true,
		Limit:         10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, queries, 1)
	assert.Equal(t, "q1", queries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresContextErrorIsNotTransient(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM async_queries WHERE id = $1")).
		WillReturnError(context.DeadlineExceeded)

	_, err := s.GetQuery(context.Background(), "q1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsTransient(err))
}
