package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/asyncq/internal/claim"
)

const (
	// DefaultWorkers is the worker count when none is configured.
	DefaultWorkers = 4
	// DefaultQueueSize is the queue capacity when none is configured.
	DefaultQueueSize = 64

	releaseTimeout = 5 * time.Second
)

var (
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("queue full")
	// ErrDuplicate is returned when the query is already queued or running.
	ErrDuplicate = errors.New("query already submitted")
	// ErrStopped is returned after Stop has been called.
	ErrStopped = errors.New("engine stopped")
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Engine executes jobs on a fixed number of workers fed from a bounded
// queue. A job's id is claimed from submission until its execution ends, so
// the same query never runs twice at once.
type Engine struct {
	exec    *Executor
	claims  claim.Claimer
	logger  *slog.Logger
	workers int
	queue   chan Job

	// runCtx is the parent of every job context. It is cancelled when Stop
	// runs out of time.
	runCtx    context.Context
	cancelRun context.CancelFunc
	quit      chan struct{}

	mu       sync.Mutex
	started  bool
	stopping bool
	sending  sync.WaitGroup
	wg       sync.WaitGroup
	stopOnce sync.Once

	onOutcome func(Outcome)
}

// Option configures an Engine.
type Option func(*Engine)

// WithOutcomeHook registers fn to be called after each job finishes.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(e *Engine) { e.onOutcome = fn }
}

// NewEngine creates an engine. A nil claimer uses an in-process one.
func NewEngine(exec *Executor, claims claim.Claimer, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if claims == nil {
		claims = claim.NewMemory()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		exec:      exec,
		claims:    claims,
		logger:    logger,
		workers:   cfg.Workers,
		queue:     make(chan Job, cfg.QueueSize),
		runCtx:    runCtx,
		cancelRun: cancel,
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the workers. Calling Start more than once has no effect.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopping {
		return
	}
	e.started = true

	for range e.workers {
		e.wg.Go(e.work)
	}
	e.logger.Info("engine started", "workers", e.workers, "queue_size", cap(e.queue))
}

// Submit queues job, blocking until a slot frees up or ctx is done.
func (e *Engine) Submit(ctx context.Context, job Job) error {
	if err := e.admit(ctx, job.ID); err != nil {
		return err
	}
	defer e.sending.Done()

	select {
	case e.queue <- job:
		queueDepth.Set(float64(len(e.queue)))
		return nil
	case <-ctx.Done():
		e.release(job.ID)
		return ctx.Err()
	case <-e.quit:
		e.release(job.ID)
		return ErrStopped
	}
}

// TrySubmit queues job if a slot is free and returns ErrQueueFull otherwise.
func (e *Engine) TrySubmit(job Job) error {
	if err := e.admit(context.Background(), job.ID); err != nil {
		return err
	}
	defer e.sending.Done()

	select {
	case e.queue <- job:
		queueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		e.release(job.ID)
		return ErrQueueFull
	}
}

// admit claims id and registers an in-progress send. On success the caller
// must call e.sending.Done.
func (e *Engine) admit(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrStopped
	}
	e.sending.Add(1)
	e.mu.Unlock()

	ok, err := e.claims.Claim(ctx, id)
	if err != nil {
		e.sending.Done()
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if !ok {
		e.sending.Done()
		return ErrDuplicate
	}
	return nil
}

// QueueDepth returns the number of jobs waiting for a worker.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Stop stops accepting jobs and waits for running jobs to finish. Jobs still
// queued are not run; their claims are released and their records stay as
// they were. If ctx ends first, running jobs are cancelled, which drives them
// to FAILURE with reason cancelled, and Stop returns ctx's error after they
// have finished.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopping = true
		e.mu.Unlock()

		close(e.quit)
		e.sending.Wait()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			e.logger.Warn("stop deadline reached, cancelling running queries")
			e.cancelRun()
			<-done
			err = ctx.Err()
		}
		e.cancelRun()

		dropped := e.drain()
		queueDepth.Set(0)
		e.logger.Info("engine stopped", "unstarted", dropped)
	})
	return err
}

func (e *Engine) work() {
	for {
		select {
		case <-e.quit:
			return
		case job := <-e.queue:
			queueDepth.Set(float64(len(e.queue)))
			select {
			case <-e.quit:
				e.release(job.ID)
				return
			default:
			}
			e.run(job)
		}
	}
}

func (e *Engine) run(job Job) {
	out := e.exec.Execute(e.runCtx, job)
	e.release(job.ID)
	if e.onOutcome != nil {
		e.onOutcome(out)
	}
}

// drain releases the claims of jobs left in the queue.
func (e *Engine) drain() int {
	n := 0
	for {
		select {
		case job := <-e.queue:
			e.release(job.ID)
			n++
		default:
			return n
		}
	}
}

func (e *Engine) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := e.claims.Release(ctx, id); err != nil {
		e.logger.Error("failed to release claim", "query_id", id, "error", err)
	}
}
