// Package transition performs the single-field mutations of an async query
// record. Every call is one transaction: load, mutate one aspect, save,
// commit. Transient storage failures are retried under a bounded backoff
// policy; missing records and illegal transitions are not.
package transition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/asyncq/internal/backoff"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

// ErrAlreadyStarted is returned when PROCESSING is requested for a record an
// earlier execution already started. It wraps store.ErrInvalidTransition.
var ErrAlreadyStarted = fmt.Errorf("%w: query already started", store.ErrInvalidTransition)

// Failure describes why a query is being moved to FAILURE. It is ignored for
// every other target status.
type Failure struct {
	Reason  model.Reason
	Message string
}

// RetryObserver is notified before each retry of a persistence step.
type RetryObserver func(step string, attempt int, err error)

// Manager applies status transitions and result attachment.
type Manager struct {
	store    store.Beginner
	logger   *slog.Logger
	policy   backoff.Policy
	observer RetryObserver
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy replaces the default retry policy. A nil Retryable is replaced
// by store.IsTransient.
func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRetryObserver registers a callback invoked before every retry.
func WithRetryObserver(o RetryObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by b.
func NewManager(b store.Beginner, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  b,
		logger: logger,
		policy: backoff.DefaultPolicy(store.IsTransient),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy.Retryable == nil {
		m.policy.Retryable = store.IsTransient
	}
	return m
}

// SetStatus moves query id to status to and returns the saved record.
//
// PROCESSING stamps StartedAt. A PROCESSING record is only claimed while it
// has no StartedAt; one started by an earlier call fails with
// ErrAlreadyStarted. Terminal statuses stamp FinishedAt and FAILURE also
// records f. Setting a terminal status the record already has is a no-op, so
// a retry after an ambiguous commit does not fail.
func (m *Manager) SetStatus(ctx context.Context, id string, to model.Status, f Failure) (*model.AsyncQuery, error) {
	// One stamp per call: a retry that finds its own committed StartedAt
	// recognises the earlier attempt. Microseconds survive every dialect.
	now := m.now().Truncate(time.Microsecond)

	var updated *model.AsyncQuery
	err := m.retry(ctx, "set_status", id, func(ctx context.Context) error {
		return store.WithTx(ctx, m.store, func(tx store.Tx) error {
			q, err := tx.LoadQuery(ctx, id)
			if err != nil {
				return err
			}
			if q.Status == to && to.Terminal() {
				updated = q
				return nil
			}
			if to == model.StatusProcessing && q.Status == model.StatusProcessing && q.StartedAt != nil {
				if q.StartedAt.Equal(now) {
					updated = q
					return nil
				}
				return fmt.Errorf("%w at %s", ErrAlreadyStarted, q.StartedAt.Format(time.RFC3339Nano))
			}
			if !model.ValidTransition(q.Status, to) {
				return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, q.Status, to)
			}

			q.Status = to
			q.UpdatedAt = now
			switch {
			case to == model.StatusProcessing:
				q.StartedAt = &now
			case to.Terminal():
				q.FinishedAt = &now
			}
			if to == model.StatusFailure {
				q.Reason = f.Reason
				q.Error = f.Message
			}

			if err := tx.SaveQuery(ctx, q); err != nil {
				return err
			}
			updated = q
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("set status %s on %s: %w", to, id, err)
	}

	m.logger.Debug("status updated", "query_id", id, "status", to)
	return updated, nil
}

// AttachResult links resultID to query id. The query must be terminal and the
// result must already be stored. Attaching the result that is already
// attached is a no-op.
func (m *Manager) AttachResult(ctx context.Context, id, resultID string) error {
	err := m.retry(ctx, "attach_result", id, func(ctx context.Context) error {
		return store.WithTx(ctx, m.store, func(tx store.Tx) error {
			q, err := tx.LoadQuery(ctx, id)
			if err != nil {
				return err
			}
			if q.ResultID == resultID {
				return nil
			}
			if !q.Status.Terminal() {
				return fmt.Errorf("%w: attach result to %s query", store.ErrInvalidTransition, q.Status)
			}
			if q.HasResult() {
				return fmt.Errorf("query already has result %s: %w", q.ResultID, store.ErrResultExists)
			}
			if _, err := tx.LoadResult(ctx, resultID); err != nil {
				return fmt.Errorf("result %s: %w", resultID, err)
			}

			q.ResultID = resultID
			q.UpdatedAt = m.now()
			return tx.SaveQuery(ctx, q)
		})
	})
	if err != nil {
		return fmt.Errorf("attach result to %s: %w", id, err)
	}

	m.logger.Debug("result attached", "query_id", id, "result_id", resultID)
	return nil
}

func (m *Manager) retry(ctx context.Context, step, id string, fn func(context.Context) error) error {
	p := m.policy
	p.OnRetry = func(attempt int, err error) {
		m.logger.Warn("retrying persistence step",
			"query_id", id, "step", step, "attempt", attempt, "error", err)
		if m.observer != nil {
			m.observer(step, attempt, err)
		}
	}
	return backoff.Retry(ctx, p, fn)
}
