package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/asyncq/internal/claim"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

// Report summarises one recovery sweep.
type Report struct {
	Scanned int `json:"scanned"`
	// Executed counts records that had not been started and were run.
	Executed int `json:"executed"`
	// Interrupted counts started records that were failed as interrupted.
	Interrupted int `json:"interrupted"`
	// Completed counts terminal records whose result was rebuilt or attached.
	Completed int `json:"completed"`
	// Skipped counts records claimed by someone else.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Recoverer finds records a crash left between persistence steps and resumes
// them.
type Recoverer struct {
	store  store.Store
	exec   *Executor
	claims claim.Claimer
	logger *slog.Logger
}

// NewRecoverer creates a Recoverer. claims must be the claimer the Engine
// uses so that a sweep never resumes a query the Engine is running.
func NewRecoverer(s store.Store, exec *Executor, claims claim.Claimer, logger *slog.Logger) *Recoverer {
	if claims == nil {
		claims = claim.NewMemory()
	}
	return &Recoverer{store: s, exec: exec, claims: claims, logger: logger}
}

// Sweep resumes every PROCESSING record and every terminal record without a
// result.
func (r *Recoverer) Sweep(ctx context.Context) (Report, error) {
	var rep Report

	processing, _, err := r.store.ListQueries(ctx, store.QueryFilter{
		Statuses:    []model.Status{model.StatusProcessing},
		OldestFirst: true,
	})
	if err != nil {
		return rep, fmt.Errorf("list processing queries: %w", err)
	}
	unattached, _, err := r.store.ListQueries(ctx, store.QueryFilter{
		Statuses:      []model.Status{model.StatusComplete, model.StatusFailure},
		MissingResult: true,
		OldestFirst:   true,
	})
	if err != nil {
		return rep, fmt.Errorf("list queries without result: %w", err)
	}

	for _, q := range append(processing, unattached...) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		r.resume(ctx, q, &rep)
	}

	r.logger.Info("recovery sweep finished",
		"scanned", rep.Scanned,
		"executed", rep.Executed,
		"interrupted", rep.Interrupted,
		"completed", rep.Completed,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	return rep, nil
}

func (r *Recoverer) resume(ctx context.Context, q *model.AsyncQuery, rep *Report) {
	ok, err := r.claims.Claim(ctx, q.ID)
	if err != nil {
		r.logger.Error("recovery claim failed", "query_id", q.ID, "error", err)
		rep.Failed++
		return
	}
	if !ok {
		rep.Skipped++
		return
	}
	defer func() {
		if err := r.claims.Release(context.WithoutCancel(ctx), q.ID); err != nil {
			r.logger.Error("failed to release claim", "query_id", q.ID, "error", err)
		}
	}()

	action := recoveryAction(q)
	out := r.exec.Resume(ctx, q)
	if out.Err != nil {
		r.logger.Error("recovery failed", "query_id", q.ID, "action", action, "error", out.Err)
		rep.Failed++
		recoveredTotal.WithLabelValues("failed").Inc()
		return
	}

	switch action {
	case "executed":
		rep.Executed++
	case "interrupted":
		rep.Interrupted++
	default:
		rep.Completed++
	}
	recoveredTotal.WithLabelValues(action).Inc()
}

func recoveryAction(q *model.AsyncQuery) string {
	switch {
	case q.Status == model.StatusProcessing && q.StartedAt == nil:
		return "executed"
	case q.Status == model.StatusProcessing:
		return "interrupted"
	default:
		return "completed"
	}
}
