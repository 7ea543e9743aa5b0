// Package recorder builds and persists the result artifact of an async query.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/asyncq/internal/backoff"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

// Recorder creates query results, at most one per query.
type Recorder struct {
	store   store.Beginner
	logger  *slog.Logger
	policy  backoff.Policy
	onRetry func(attempt int, err error)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPolicy replaces the default retry policy. A nil Retryable is replaced
// by store.IsTransient.
func WithPolicy(p backoff.Policy) Option {
	return func(r *Recorder) { r.policy = p }
}

// WithRetryObserver registers a callback invoked before every retry.
func WithRetryObserver(fn func(attempt int, err error)) Option {
	return func(r *Recorder) { r.onRetry = fn }
}

// New creates a Recorder backed by b.
func New(b store.Beginner, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  b,
		logger: logger,
		policy: backoff.DefaultPolicy(store.IsTransient),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy.Retryable == nil {
		r.policy.Retryable = store.IsTransient
	}
	return r
}

// CreateResult stores the result of query id and returns it. If a result is
// already stored for the query, that result is returned unchanged, which
// makes the call safe to repeat after an ambiguous commit or a crash.
//
// The owning query must exist and be terminal.
func (r *Recorder) CreateResult(ctx context.Context, id string, statusCode int, body string, reason model.Reason) (*model.QueryResult, error) {
	p := r.policy
	p.OnRetry = func(attempt int, err error) {
		r.logger.Warn("retrying persistence step",
			"query_id", id, "step", "create_result", "attempt", attempt, "error", err)
		if r.onRetry != nil {
			r.onRetry(attempt, err)
		}
	}

	var result *model.QueryResult
	err := backoff.Retry(ctx, p, func(ctx context.Context) error {
		return store.WithTx(ctx, r.store, func(tx store.Tx) error {
			q, err := tx.LoadQuery(ctx, id)
			if err != nil {
				return err
			}
			if !q.Status.Terminal() {
				return fmt.Errorf("%w: result for %s query", store.ErrInvalidTransition, q.Status)
			}

			existing, err := tx.LoadResult(ctx, id)
			switch {
			case err == nil:
				result = existing
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}

			res := model.NewQueryResult(q.ID, statusCode, body, reason)
			if err := tx.CreateResult(ctx, res); err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if errors.Is(err, store.ErrResultExists) {
		// Lost a race with another writer between load and insert.
		result, err = r.load(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create result for %s: %w", id, err)
	}

	r.logger.Debug("result recorded",
		"query_id", id, "status_code", result.StatusCode, "content_length", result.ContentLength)
	return result, nil
}

// Lookup returns the result stored for query id, or store.ErrNotFound.
func (r *Recorder) Lookup(ctx context.Context, id string) (*model.QueryResult, error) {
	result, err := r.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup result for %s: %w", id, err)
	}
	return result, nil
}

func (r *Recorder) load(ctx context.Context, id string) (*model.QueryResult, error) {
	var result *model.QueryResult
	err := store.WithTx(ctx, r.store, func(tx store.Tx) error {
		var err error
		result, err = tx.LoadResult(ctx, id)
		return err
	})
	return result, err
}
