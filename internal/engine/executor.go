package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seantiz/asyncq/internal/backend"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/recorder"
	"github.com/seantiz/asyncq/internal/store"
	"github.com/seantiz/asyncq/internal/transition"
)

const (
	// DefaultQueryTimeout bounds a single backend call.
	DefaultQueryTimeout = 30 * time.Second
	// DefaultFinalizeTimeout bounds the persistence steps after the backend
	// call. They run detached from cancellation.
	DefaultFinalizeTimeout = 30 * time.Second
)

// Diagnostic status codes recorded in the result of a query that failed
// without a backend response.
const (
	CodeMalformed         = http.StatusBadRequest
	CodeCancelled         = 499
	CodePersistenceFailed = http.StatusInternalServerError
	CodeInterrupted       = http.StatusInternalServerError
	CodeUnsupported       = http.StatusNotImplemented
	CodeBackendError      = http.StatusBadGateway
	CodeTimeout           = http.StatusGatewayTimeout
)

var (
	// ErrAlreadyFinished is returned in an Outcome when the record was
	// already terminal before execution started.
	ErrAlreadyFinished = errors.New("query already finished")
	// ErrAlreadyStarted is returned in an Outcome when an earlier execution
	// started the record. The backend is not called again; the recovery
	// sweep settles such records.
	ErrAlreadyStarted = errors.New("query already started")
)

// Job describes one query to execute.
type Job struct {
	ID        string
	Query     string
	QueryType model.QueryType
	Principal string
}

// JobFromQuery builds the job descriptor of a stored query.
func JobFromQuery(q *model.AsyncQuery) Job {
	return Job{ID: q.ID, Query: q.Query, QueryType: q.QueryType, Principal: q.Principal}
}

// Dispatcher routes a query to its backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, queryType model.QueryType, payload, principal string) (backend.Response, error)
}

// Transitions applies status changes to query records.
type Transitions interface {
	SetStatus(ctx context.Context, id string, to model.Status, f transition.Failure) (*model.AsyncQuery, error)
	AttachResult(ctx context.Context, id, resultID string) error
}

// Results stores query results.
type Results interface {
	CreateResult(ctx context.Context, id string, statusCode int, body string, reason model.Reason) (*model.QueryResult, error)
	Lookup(ctx context.Context, id string) (*model.QueryResult, error)
}

var (
	_ Transitions = (*transition.Manager)(nil)
	_ Results     = (*recorder.Recorder)(nil)
	_ Dispatcher  = (*backend.Dispatcher)(nil)
)

// Capabilities selects what an Executor persists. With nil Transitions the
// outcome is computed in memory only. With nil Results the result is built
// but neither stored nor attached.
type Capabilities struct {
	Transitions Transitions
	Results     Results
	Notifier    Notifier
}

// Outcome is what one execution did.
type Outcome struct {
	ID string
	// Status is the last status this execution wrote, or would have written
	// without persistence. It is empty when the record was not touched.
	Status model.Status
	// Result is the recorded result, nil if none was recorded.
	Result *model.QueryResult
	// Err is nil only when the query reached a terminal status with its
	// result attached.
	Err error
}

// Finished reports whether the query reached a terminal status.
func (o Outcome) Finished() bool {
	return o.Status.Terminal()
}

// verdict is the terminal status an execution decided on and the result it
// records.
type verdict struct {
	status  model.Status
	code    int
	body    string
	reason  model.Reason
	message string
}

func diagnostic(code int, reason model.Reason, message string) verdict {
	return verdict{status: model.StatusFailure, code: code, body: message, reason: reason, message: message}
}

// Executor runs single queries. It is safe for concurrent use.
type Executor struct {
	dispatcher      Dispatcher
	caps            Capabilities
	logger          *slog.Logger
	queryTimeout    time.Duration
	finalizeTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithQueryTimeout bounds each backend call.
func WithQueryTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.queryTimeout = d
		}
	}
}

// WithFinalizeTimeout bounds the persistence steps after the backend call.
func WithFinalizeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.finalizeTimeout = d
		}
	}
}

// NewExecutor creates an Executor dispatching through d.
func NewExecutor(d Dispatcher, caps Capabilities, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dispatcher:      d,
		caps:            caps,
		logger:          logger,
		queryTimeout:    DefaultQueryTimeout,
		finalizeTimeout: DefaultFinalizeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Persisting reports whether the Executor writes status changes.
func (e *Executor) Persisting() bool {
	return e.caps.Transitions != nil
}

// Execute runs job: PROCESSING write, backend call, terminal write, result
// creation, result attach, strictly in that order.
//
// ctx is checked before the PROCESSING write, before the backend call and
// before the terminal write. A job cancelled before the PROCESSING write is
// left untouched. Once the job has started, every exit reaches a terminal
// status unless storage itself keeps failing.
func (e *Executor) Execute(ctx context.Context, job Job) Outcome {
	out := Outcome{ID: job.ID}
	log := e.logger.With("query_id", job.ID, "query_type", job.QueryType)

	if err := ctx.Err(); err != nil {
		out.Err = fmt.Errorf("not started: %w", err)
		log.Debug("query not started", "error", err)
		return out
	}

	if e.Persisting() {
		_, err := e.caps.Transitions.SetStatus(ctx, job.ID, model.StatusProcessing, transition.Failure{})
		switch {
		case errors.Is(err, transition.ErrAlreadyStarted):
			out.Err = fmt.Errorf("%w: %w", ErrAlreadyStarted, err)
			log.Warn("query already started", "error", err)
			return out
		case errors.Is(err, store.ErrInvalidTransition):
			out.Err = fmt.Errorf("%w: %w", ErrAlreadyFinished, err)
			log.Warn("query already finished", "error", err)
			return out
		case err != nil:
			out.Err = err
			log.Error("failed to transition to processing", "error", err)
			return out
		}
	}
	out.Status = model.StatusProcessing
	e.notify(StatusEvent{QueryID: job.ID, Status: model.StatusProcessing})

	queriesInFlight.Inc()
	defer queriesInFlight.Dec()
	start := time.Now()

	v := e.dispatch(ctx, job)
	// A caller that cancelled wins over a backend answer that arrived late,
	// a 200 included.
	if err := ctx.Err(); err != nil && v.reason != model.ReasonCancelled {
		v = diagnostic(CodeCancelled, model.ReasonCancelled, fmt.Sprintf("query cancelled: %v", err))
	}

	out = e.finalize(ctx, job, v, out)
	if out.Finished() {
		queriesTotal.WithLabelValues(string(job.QueryType), string(out.Status)).Inc()
		queryDuration.WithLabelValues(string(job.QueryType)).Observe(time.Since(start).Seconds())
	}

	if out.Err != nil {
		log.Error("query finished with error", "status", out.Status, "error", out.Err)
	} else {
		log.Info("query finished",
			"status", out.Status,
			"status_code", out.Result.StatusCode,
			"reason", out.Result.Reason,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return out
}

// dispatch calls the backend under the query timeout and classifies the
// answer.
func (e *Executor) dispatch(ctx context.Context, job Job) verdict {
	if err := ctx.Err(); err != nil {
		return diagnostic(CodeCancelled, model.ReasonCancelled, fmt.Sprintf("query cancelled: %v", err))
	}

	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	resp, err := e.dispatcher.Dispatch(qctx, job.QueryType, job.Query, job.Principal)
	if err == nil {
		return verdict{status: model.Classify(resp.StatusCode), code: resp.StatusCode, body: resp.Body}
	}

	kind, _ := backend.KindOf(err)
	switch {
	case ctx.Err() != nil:
		return diagnostic(CodeCancelled, model.ReasonCancelled, fmt.Sprintf("query cancelled: %v", ctx.Err()))
	case kind == backend.KindMalformed:
		return diagnostic(CodeMalformed, model.ReasonMalformedPayload, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return diagnostic(CodeTimeout, model.ReasonTimeout, fmt.Sprintf("query timed out after %s", e.queryTimeout))
	case kind == backend.KindUnsupported:
		return diagnostic(CodeUnsupported, model.ReasonBackendError, err.Error())
	default:
		return diagnostic(CodeBackendError, model.ReasonBackendError, err.Error())
	}
}

// finalize writes the terminal status, records the result and attaches it.
// The steps run on a context detached from ctx's cancellation so that a
// started query is never left in PROCESSING by a cancelled caller.
func (e *Executor) finalize(ctx context.Context, job Job, v verdict, out Outcome) Outcome {
	if !e.Persisting() {
		out.Status = v.status
		out.Result = e.inMemoryResult(job.ID, v)
		e.notifyTerminal(job.ID, out)
		return out
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
	defer cancel()

	_, err := e.caps.Transitions.SetStatus(fctx, job.ID, v.status, transition.Failure{Reason: v.reason, Message: v.message})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			out.Err = err
			return out
		}
		e.logger.Error("terminal status write failed",
			"query_id", job.ID, "status", v.status, "error", err)

		v = diagnostic(CodePersistenceFailed, model.ReasonPersistenceFailed,
			fmt.Sprintf("persistence failed: %v", err))
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
		defer lcancel()
		if _, lerr := e.caps.Transitions.SetStatus(lctx, job.ID, v.status,
			transition.Failure{Reason: v.reason, Message: v.message}); lerr != nil {
			out.Err = errors.Join(err, lerr)
			return out
		}
		fctx = lctx
	}
	out.Status = v.status

	if e.caps.Results == nil {
		out.Result = e.inMemoryResult(job.ID, v)
		e.notifyTerminal(job.ID, out)
		return out
	}

	result, err := e.caps.Results.CreateResult(fctx, job.ID, v.code, v.body, v.reason)
	if err != nil {
		out.Err = err
		e.notifyTerminal(job.ID, out)
		return out
	}
	out.Result = result

	if err := e.caps.Transitions.AttachResult(fctx, job.ID, result.ID); err != nil {
		out.Err = err
	}
	e.notifyTerminal(job.ID, out)
	return out
}

func (e *Executor) inMemoryResult(id string, v verdict) *model.QueryResult {
	return model.NewQueryResult(id, v.code, v.body, v.reason)
}

func (e *Executor) notify(ev StatusEvent) {
	if e.caps.Notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.caps.Notifier.Publish(ev)
}

func (e *Executor) notifyTerminal(id string, out Outcome) {
	if e.caps.Notifier == nil {
		return
	}
	ev := StatusEvent{QueryID: id, Status: out.Status}
	if out.Result != nil {
		ev.Reason = out.Result.Reason
		if out.Err == nil {
			ev.ResultID = out.Result.ID
		}
	}
	e.notify(ev)
	e.caps.Notifier.Close(id)
}
