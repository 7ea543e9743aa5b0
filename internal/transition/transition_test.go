package transition_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/asyncq/internal/backoff"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
	"github.com/seantiz/asyncq/internal/store/storetest"
	"github.com/seantiz/asyncq/internal/transition"
)

var fastPolicy = backoff.Policy{MaxAttempts: 3, Strategy: backoff.Constant{}}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s store.Store, status model.Status) *model.AsyncQuery {
	t.Helper()
	q := &model.AsyncQuery{
		ID:        model.NewID(),
		Query:     "/widgets",
		QueryType: model.QueryTypeJSONAPI,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateQuery(context.Background(), q))
	return q
}

func TestSetStatusLifecycle(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, s, model.StatusQueued)

	got, err := m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	got, err = m.SetStatus(ctx, q.ID, model.StatusComplete, transition.Failure{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.Reason)

	stored, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, stored.Status)
}

func TestSetStatusRejectsStartedProcessing(t *testing.T) {
	s := storetest.NewSQLite(t)
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := first
	m := transition.NewManager(s, discardLogger(),
		transition.WithPolicy(fastPolicy),
		transition.WithClock(func() time.Time { return clock }))
	q := seed(t, s, model.StatusQueued)

	_, err := m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	require.NoError(t, err)

	clock = first.Add(time.Minute)
	_, err = m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	assert.ErrorIs(t, err, transition.ErrAlreadyStarted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	stored, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.StartedAt)
	assert.True(t, stored.StartedAt.Equal(first), "StartedAt = %v, want %v", stored.StartedAt, first)
}

func TestSetStatusClaimsUnstartedProcessing(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	q := seed(t, s, model.StatusProcessing)

	got, err := m.SetStatus(context.Background(), q.ID, model.StatusProcessing, transition.Failure{})
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
}

func TestSetStatusProcessingAfterAmbiguousCommit(t *testing.T) {
	flaky := storetest.NewFlaky(storetest.NewSQLite(t), 0)
	m := transition.NewManager(flaky, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, flaky, model.StatusQueued)

	flaky.FailNext(1, true)
	got, err := m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	require.NoError(t, err, "the retry finds its own committed start")
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, 1, flaky.Failed())
}

func TestSetStatusRecordsFailure(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, s, model.StatusProcessing)

	_, err := m.SetStatus(ctx, q.ID, model.StatusFailure, transition.Failure{
		Reason:  model.ReasonBackendError,
		Message: "connection refused",
	})
	require.NoError(t, err)

	stored, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, stored.Status)
	assert.Equal(t, model.ReasonBackendError, stored.Reason)
	assert.Equal(t, "connection refused", stored.Error)
}

func TestSetStatusRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from model.Status
		to   model.Status
	}{
		{"queued to complete skips processing", model.StatusQueued, model.StatusComplete},
		{"queued to failure skips processing", model.StatusQueued, model.StatusFailure},
		{"complete back to processing", model.StatusComplete, model.StatusProcessing},
		{"failure to complete", model.StatusFailure, model.StatusComplete},
		{"processing back to queued", model.StatusProcessing, model.StatusQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storetest.NewSQLite(t)
			m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
			q := seed(t, s, tt.from)

			_, err := m.SetStatus(context.Background(), q.ID, tt.to, transition.Failure{})
			assert.ErrorIs(t, err, store.ErrInvalidTransition)

			stored, err := s.GetQuery(context.Background(), q.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
		})
	}
}

func TestSetStatusNotFoundIsNotRetried(t *testing.T) {
	s := storetest.NewSQLite(t)
	var retries int
	m := transition.NewManager(s, discardLogger(),
		transition.WithPolicy(fastPolicy),
		transition.WithRetryObserver(func(string, int, error) { retries++ }))

	_, err := m.SetStatus(context.Background(), "missing", model.StatusProcessing, transition.Failure{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, retries)
}

func TestSetStatusRetriesTransientCommit(t *testing.T) {
	flaky := storetest.NewFlaky(storetest.NewSQLite(t), 0)
	var steps []string
	m := transition.NewManager(flaky, discardLogger(),
		transition.WithPolicy(fastPolicy),
		transition.WithRetryObserver(func(step string, _ int, _ error) { steps = append(steps, step) }))
	ctx := context.Background()
	q := seed(t, flaky, model.StatusQueued)

	flaky.FailNext(2, false)
	got, err := m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, []string{"set_status", "set_status"}, steps)
	assert.Equal(t, 2, flaky.Failed())
}

func TestSetStatusGivesUpAfterPolicy(t *testing.T) {
	flaky := storetest.NewFlaky(storetest.NewSQLite(t), 0)
	m := transition.NewManager(flaky, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, flaky, model.StatusQueued)

	flaky.FailNext(10, false)
	_, err := m.SetStatus(ctx, q.ID, model.StatusProcessing, transition.Failure{})
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, 3, flaky.Failed())

	stored, err := flaky.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, stored.Status)
}

func TestSetStatusTerminalAfterAmbiguousCommit(t *testing.T) {
	flaky := storetest.NewFlaky(storetest.NewSQLite(t), 0)
	m := transition.NewManager(flaky, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, flaky, model.StatusProcessing)

	flaky.FailNext(1, true)
	got, err := m.SetStatus(ctx, q.ID, model.StatusComplete, transition.Failure{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
}

func TestAttachResult(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	ctx := context.Background()
	q := seed(t, s, model.StatusComplete)

	r := model.NewQueryResult(q.ID, 200, "[...]", model.ReasonNone)
	require.NoError(t, store.WithTx(ctx, s, func(tx store.Tx) error {
		return tx.CreateResult(ctx, r)
	}))

	require.NoError(t, m.AttachResult(ctx, q.ID, r.ID))
	require.NoError(t, m.AttachResult(ctx, q.ID, r.ID), "re-attaching the same result is a no-op")

	stored, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ResultID)
}

func TestAttachResultRequiresTerminal(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	q := seed(t, s, model.StatusProcessing)

	err := m.AttachResult(context.Background(), q.ID, q.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestAttachResultRequiresStoredResult(t *testing.T) {
	s := storetest.NewSQLite(t)
	m := transition.NewManager(s, discardLogger(), transition.WithPolicy(fastPolicy))
	q := seed(t, s, model.StatusFailure)

	err := m.AttachResult(context.Background(), q.ID, q.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
