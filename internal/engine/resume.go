package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

var (
	// errNotPersisting is returned by Resume on an Executor without storage.
	errNotPersisting = errors.New("resume requires a persisting executor")
	// ErrOutcomeChanged is returned when re-running a query to rebuild its
	// lost result no longer yields the stored terminal status. The record is
	// left without a result and a later sweep tries again.
	ErrOutcomeChanged = errors.New("re-run outcome differs from stored status")
)

// reasonCodes maps a stored failure reason to the diagnostic status code its
// result carries.
var reasonCodes = map[model.Reason]int{
	model.ReasonMalformedPayload:  CodeMalformed,
	model.ReasonBackendError:      CodeBackendError,
	model.ReasonTimeout:           CodeTimeout,
	model.ReasonCancelled:         CodeCancelled,
	model.ReasonPersistenceFailed: CodePersistenceFailed,
	model.ReasonInterrupted:       CodeInterrupted,
}

// Resume continues q from whatever step it was left at. Every step it runs
// is idempotent, so Resume is safe to repeat.
//
//   - QUEUED, or PROCESSING without a start time: executed from the start.
//   - PROCESSING after a start: the executor that started it is gone; the
//     query fails with reason interrupted.
//   - terminal without a result: the result is rebuilt from the stored
//     failure reason, or, for a plain backend outcome, by running the
//     read-only query again; the rebuilt result carries reason recovered.
//     A re-run whose answer classifies differently, or that fails, records
//     nothing and returns ErrOutcomeChanged or the dispatch failure.
//   - terminal with a stored but unattached result: the result is attached.
//
// The caller must hold the query's claim.
func (e *Executor) Resume(ctx context.Context, q *model.AsyncQuery) Outcome {
	if !e.Persisting() {
		return Outcome{ID: q.ID, Err: errNotPersisting}
	}

	switch {
	case q.Status == model.StatusQueued,
		q.Status == model.StatusProcessing && q.StartedAt == nil:
		return e.Execute(ctx, JobFromQuery(q))

	case q.Status == model.StatusProcessing:
		e.logger.Warn("failing interrupted query", "query_id", q.ID)
		v := diagnostic(CodeInterrupted, model.ReasonInterrupted, "execution interrupted before completion")
		out := Outcome{ID: q.ID, Status: model.StatusProcessing}
		out = e.finalize(ctx, JobFromQuery(q), v, out)
		if out.Finished() {
			queriesTotal.WithLabelValues(string(q.QueryType), string(out.Status)).Inc()
		}
		return out

	case q.Status.Terminal() && q.HasResult():
		return Outcome{ID: q.ID, Status: q.Status}

	case q.Status.Terminal():
		return e.completeResult(ctx, q)
	}

	return Outcome{ID: q.ID, Err: fmt.Errorf("resume %s: unknown status %q", q.ID, q.Status)}
}

// completeResult records and attaches the result of a terminal query that
// has none attached.
func (e *Executor) completeResult(ctx context.Context, q *model.AsyncQuery) Outcome {
	out := Outcome{ID: q.ID, Status: q.Status}
	if e.caps.Results == nil {
		out.Err = errNotPersisting
		return out
	}

	result, err := e.caps.Results.Lookup(ctx, q.ID)
	switch {
	case err == nil:
		e.logger.Info("attaching stored result", "query_id", q.ID)
	case errors.Is(err, store.ErrNotFound):
		v, rerr := e.rebuild(ctx, q)
		if rerr != nil {
			e.logger.Warn("result not rebuilt", "query_id", q.ID, "status", q.Status, "error", rerr)
			out.Err = rerr
			return out
		}
		result, err = e.caps.Results.CreateResult(ctx, q.ID, v.code, v.body, v.reason)
		if err != nil {
			out.Err = err
			return out
		}
		e.logger.Info("rebuilt missing result", "query_id", q.ID, "status_code", result.StatusCode)
	default:
		out.Err = err
		return out
	}
	out.Result = result

	if err := e.caps.Transitions.AttachResult(ctx, q.ID, result.ID); err != nil {
		out.Err = err
	}
	e.notifyTerminal(q.ID, out)
	return out
}

// rebuild produces the result content of a terminal query whose result was
// never stored.
func (e *Executor) rebuild(ctx context.Context, q *model.AsyncQuery) (verdict, error) {
	if q.Reason != model.ReasonNone || q.Error != "" {
		code, ok := reasonCodes[q.Reason]
		if !ok {
			code = CodeBackendError
		}
		return verdict{status: q.Status, code: code, body: q.Error, reason: q.Reason, message: q.Error}, nil
	}

	v := e.dispatch(ctx, JobFromQuery(q))
	if v.reason != model.ReasonNone {
		return verdict{}, fmt.Errorf("re-run %s: %s", q.ID, v.message)
	}
	if v.status != q.Status {
		return verdict{}, fmt.Errorf("%w: %s answered %d, stored %s",
			ErrOutcomeChanged, q.ID, v.code, q.Status)
	}
	v.reason = model.ReasonRecovered
	return v, nil
}
