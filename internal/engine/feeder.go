package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

// Submitter accepts jobs without blocking.
type Submitter interface {
	TrySubmit(job Job) error
}

// Feeder moves queued records from the store into a Submitter. Records the
// upstream created directly in PROCESSING are picked up as long as no
// executor has started them.
type Feeder struct {
	store    store.Store
	sub      Submitter
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewFeeder creates a Feeder polling every interval for up to batch records.
func NewFeeder(s store.Store, sub Submitter, logger *slog.Logger, interval time.Duration, batch int) *Feeder {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = DefaultQueueSize
	}
	return &Feeder{store: s, sub: sub, logger: logger, interval: interval, batch: batch}
}

// Run polls until ctx is done.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if _, err := f.Poll(ctx); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			f.logger.Error("feeder poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll submits one batch of pending records, oldest first, and returns how
// many were accepted. It stops early when the queue is full.
func (f *Feeder) Poll(ctx context.Context) (int, error) {
	pending, _, err := f.store.ListQueries(ctx, store.QueryFilter{
		Statuses:    []model.Status{model.StatusQueued, model.StatusProcessing},
		NotStarted:  true,
		OldestFirst: true,
		Limit:       f.batch,
	})
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, q := range pending {
		err := f.sub.TrySubmit(JobFromQuery(q))
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDuplicate):
		case errors.Is(err, ErrQueueFull):
			f.logger.Debug("queue full, deferring remaining records", "accepted", accepted)
			return accepted, nil
		default:
			return accepted, err
		}
	}

	if accepted > 0 {
		f.logger.Debug("fed queued records", "count", accepted)
	}
	return accepted, nil
}
