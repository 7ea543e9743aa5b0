// testserver starts asyncq with stub backends and a fixed set of seeded
// queries for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/asyncq/internal/api"
	"github.com/seantiz/asyncq/internal/backend"
	"github.com/seantiz/asyncq/internal/config"
	"github.com/seantiz/asyncq/internal/engine"
	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/recorder"
	"github.com/seantiz/asyncq/internal/store"
	"github.com/seantiz/asyncq/internal/transition"
)

const slowDelay = 1500 * time.Millisecond

// seed is one query created at startup.
type seed struct {
	id      string
	typ     model.QueryType
	query   string
	status  model.Status
	started bool
}

var seeds = []seed{
	{"e2e-path-ok", model.QueryTypeJSONAPI, "/widgets?color=red&color=blue", model.StatusQueued, false},
	{"e2e-doc-fail", model.QueryTypeGraphQL, "{ broken }", model.StatusQueued, false},
	{"e2e-malformed", model.QueryTypeJSONAPI, "/widgets?color=%zz", model.StatusQueued, false},
	{"e2e-slow", model.QueryTypeJSONAPI, "/slow", model.StatusQueued, false},
	{"e2e-created-processing", model.QueryTypeJSONAPI, "/widgets", model.StatusProcessing, false},
	{"e2e-interrupted", model.QueryTypeJSONAPI, "/widgets", model.StatusProcessing, true},
}

// stubPath answers path-style queries with the decoded parameters.
func stubPath(ctx context.Context, path string, params url.Values, _ string) (backend.Response, error) {
	if path == "/slow" {
		select {
		case <-time.After(slowDelay):
		case <-ctx.Done():
			return backend.Response{}, ctx.Err()
		}
	}
	body, err := json.Marshal(map[string]any{"path": path, "params": params})
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{StatusCode: 200, Body: string(body)}, nil
}

// stubDocument fails any document mentioning "broken".
func stubDocument(_ context.Context, document, _ string) (backend.Response, error) {
	if strings.Contains(document, "broken") {
		return backend.Response{StatusCode: 500, Body: "error"}, nil
	}
	return backend.Response{StatusCode: 200, Body: `{"data":{}}`}, nil
}

func seedQueries(ctx context.Context, st store.Store) error {
	now := time.Now().UTC()
	for i, s := range seeds {
		q := &model.AsyncQuery{
			ID:        s.id,
			Query:     s.query,
			QueryType: s.typ,
			Principal: "e2e",
			Status:    s.status,
			// Spread creation times so the feeder's oldest-first order is stable.
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		}
		if s.started {
			started := now.Add(-time.Minute)
			q.StartedAt = &started
		}
		if err := st.CreateQuery(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DB.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if err := seedQueries(ctx, st); err != nil {
		log.Fatalf("seed queries: %v", err)
	}

	d := backend.NewDispatcher()
	d.RegisterPath("stub-jsonapi", backend.PathBackendFunc(stubPath))
	d.RegisterDocument("stub-graphql", backend.DocumentBackendFunc(stubDocument))

	broker := engine.NewStatusBroker()
	exec := engine.NewExecutor(d, engine.Capabilities{
		Transitions: transition.NewManager(st, logger, transition.WithRetryObserver(engine.ObservePersistenceRetry)),
		Results:     recorder.New(st, logger, recorder.WithRetryObserver(engine.ObserveResultRetry)),
		Notifier:    broker,
	}, logger, engine.WithQueryTimeout(cfg.Engine.QueryTimeout))

	if _, err := engine.NewRecoverer(st, exec, nil, logger).Sweep(ctx); err != nil {
		log.Fatalf("recovery sweep: %v", err)
	}

	eng := engine.NewEngine(exec, nil, logger, engine.Config{Workers: 2, QueueSize: 8})
	eng.Start()
	feeder := engine.NewFeeder(st, eng, logger, 100*time.Millisecond, 8)
	srv := api.NewServer(cfg.ListenAddr, st, d, logger, api.WithStatusBroker(broker))

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return feeder.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
