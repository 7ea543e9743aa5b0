package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/asyncq/internal/model"
)

const (
	queryColumns = `id, query, query_type, principal, status, result_id, reason, error,
		created_at, updated_at, started_at, finished_at`
	resultColumns = `id, query_id, status_code, response_body, content_length, reason, created_at`
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name      string
	schema    []string
	numbered  bool   // $1-style placeholders instead of ?
	lockRow   string // suffix that locks a row loaded for update
	transient func(error) bool
	duplicate func(error) bool
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on database/sql. The dialect decides DDL,
// placeholders and error classification.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

// Dialect returns the name of the SQL backend ("sqlite" or "postgres").
func (s *SQLStore) Dialect() string {
	return s.d.name
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// wrap annotates err with op and marks retryable failures with ErrTransient.
func (s *SQLStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || (s.d.transient != nil && s.d.transient(err)) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateQuery inserts a new async query record.
func (s *SQLStore) CreateQuery(ctx context.Context, q *model.AsyncQuery) error {
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO async_queries (`+queryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		q.ID, q.Query, string(q.QueryType), q.Principal, string(q.Status), nullString(q.ResultID),
		string(q.Reason), q.Error, q.CreatedAt, q.UpdatedAt, q.StartedAt, q.FinishedAt,
	)
	return s.wrap("insert query", err)
}

// GetQuery retrieves an async query by ID.
func (s *SQLStore) GetQuery(ctx context.Context, id string) (*model.AsyncQuery, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+queryColumns+` FROM async_queries WHERE id = ?`), id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get query", err)
	}
	return q, nil
}

// GetResult retrieves the result stored for a query.
func (s *SQLStore) GetResult(ctx context.Context, id string) (*model.QueryResult, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+resultColumns+` FROM async_query_results WHERE id = ?`), id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get result", err)
	}
	return r, nil
}

// ListQueries returns a page of queries matching f along with the total
// number of matching queries.
func (s *SQLStore) ListQueries(ctx context.Context, f QueryFilter) ([]*model.AsyncQuery, int, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.MissingResult {
		conds = append(conds, "result_id IS NULL")
	}
	if f.NotStarted {
		conds = append(conds, "started_at IS NULL")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	order := "DESC"
	if f.OldestFirst {
		order = "ASC"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, s.wrap("begin list tx", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM async_queries"+where), args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count queries", err)
	}

	page := ""
	pageArgs := append([]any{}, args...)
	if f.Limit > 0 {
		page = " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, f.Limit, max(f.Offset, 0))
	}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+queryColumns+` FROM async_queries`+where+
		` ORDER BY created_at `+order+`, id `+order+page), pageArgs...)
	if err != nil {
		return nil, 0, s.wrap("list queries", err)
	}
	defer rows.Close()

	var queries []*model.AsyncQuery
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, 0, s.wrap("scan query", err)
		}
		queries = append(queries, q)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, s.wrap("iterate queries", err)
	}

	return queries, total, nil
}

// GetQueryStats aggregates counts by status and query type.
func (s *SQLStore) GetQueryStats(ctx context.Context) (*QueryStats, error) {
	stats := &QueryStats{
		CountByStatus:    make(map[string]int),
		CountByQueryType: make(map[string]int),
	}

	if err := s.countGrouped(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, "query_type", stats.CountByQueryType); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM async_queries WHERE status IN (?, ?) AND result_id IS NULL`),
		string(model.StatusComplete), string(model.StatusFailure),
	).Scan(&stats.MissingResult)
	if err != nil {
		return nil, s.wrap("count missing results", err)
	}

	return stats, nil
}

func (s *SQLStore) countGrouped(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM async_queries GROUP BY "+column)
	if err != nil {
		return s.wrap("count by "+column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return s.wrap("scan "+column+" count", err)
		}
		into[key] = n
	}
	return s.wrap("iterate "+column+" counts", rows.Err())
}

// Begin starts a unit of work.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("begin tx", err)
	}
	return &sqlTx{tx: tx, s: s}, nil
}

type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *sqlTx) LoadQuery(ctx context.Context, id string) (*model.AsyncQuery, error) {
	row := t.tx.QueryRowContext(ctx,
		t.s.rebind(`SELECT `+queryColumns+` FROM async_queries WHERE id = ?`+t.s.d.lockRow), id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, t.s.wrap("load query", err)
	}
	return q, nil
}

func (t *sqlTx) SaveQuery(ctx context.Context, q *model.AsyncQuery) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`UPDATE async_queries SET
			status = ?, result_id = ?, reason = ?, error = ?,
			updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`),
		string(q.Status), nullString(q.ResultID), string(q.Reason), q.Error,
		q.UpdatedAt, q.StartedAt, q.FinishedAt, q.ID,
	)
	if err != nil {
		return t.s.wrap("save query", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.s.wrap("check rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) LoadResult(ctx context.Context, id string) (*model.QueryResult, error) {
	row := t.tx.QueryRowContext(ctx,
		t.s.rebind(`SELECT `+resultColumns+` FROM async_query_results WHERE id = ?`), id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, t.s.wrap("load result", err)
	}
	return r, nil
}

func (t *sqlTx) CreateResult(ctx context.Context, r *model.QueryResult) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO async_query_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.QueryID, r.StatusCode, r.ResponseBody, r.ContentLength, string(r.Reason), r.CreatedAt,
	)
	if err != nil && t.s.d.duplicate != nil && t.s.d.duplicate(err) {
		return fmt.Errorf("insert result %s: %w", r.ID, ErrResultExists)
	}
	return t.s.wrap("insert result", err)
}

func (t *sqlTx) Commit() error {
	return t.s.wrap("commit", t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (*model.AsyncQuery, error) {
	var (
		q         model.AsyncQuery
		queryType string
		status    string
		reason    string
		resultID  sql.NullString
	)
	err := row.Scan(
		&q.ID, &q.Query, &queryType, &q.Principal, &status, &resultID, &reason, &q.Error,
		&q.CreatedAt, &q.UpdatedAt, &q.StartedAt, &q.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	q.QueryType = model.QueryType(queryType)
	q.Status = model.Status(status)
	q.Reason = model.Reason(reason)
	q.ResultID = resultID.String
	return &q, nil
}

func scanResult(row rowScanner) (*model.QueryResult, error) {
	var (
		r      model.QueryResult
		reason string
	)
	err := row.Scan(&r.ID, &r.QueryID, &r.StatusCode, &r.ResponseBody, &r.ContentLength, &reason, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Reason = model.Reason(reason)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
