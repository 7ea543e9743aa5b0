package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/asyncq/internal/backend"
	"github.com/seantiz/asyncq/internal/backend/httpquery"
	"github.com/seantiz/asyncq/internal/claim"
	"github.com/seantiz/asyncq/internal/config"
	"github.com/seantiz/asyncq/internal/engine"
	"github.com/seantiz/asyncq/internal/recorder"
	"github.com/seantiz/asyncq/internal/store"
	"github.com/seantiz/asyncq/internal/transition"
)

func openStore(ctx context.Context, cfg config.DBConfig) (*store.SQLStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.DSN, store.PostgresOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}

func newDispatcher(cfg config.BackendConfig) (*backend.Dispatcher, error) {
	d := backend.NewDispatcher()

	opts := httpquery.Options{MaxBodyBytes: cfg.MaxBodyBytes}
	if cfg.Timeout > 0 {
		opts.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.TokenURL != "" {
		opts.Credentials = &httpquery.ClientCredentials{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		}
	}

	if cfg.JSONAPIURL != "" {
		o := opts
		o.BaseURL = cfg.JSONAPIURL
		b, err := httpquery.NewJSONAPI(o)
		if err != nil {
			return nil, fmt.Errorf("jsonapi backend: %w", err)
		}
		d.RegisterPath("jsonapi", b)
	}
	if cfg.GraphQLURL != "" {
		o := opts
		o.BaseURL = cfg.GraphQLURL
		b, err := httpquery.NewGraphQL(o)
		if err != nil {
			return nil, fmt.Errorf("graphql backend: %w", err)
		}
		d.RegisterDocument("graphql", b)
	}
	return d, nil
}

// runtime is the execution side of the service.
type runtime struct {
	dispatcher *backend.Dispatcher
	broker     *engine.StatusBroker
	claims     claim.Claimer
	exec       *engine.Executor
	recoverer  *engine.Recoverer

	// redis is nil when claims are in-process.
	redis *redis.Client
}

func newRuntime(cfg config.Config, st *store.SQLStore, logger *slog.Logger) (*runtime, error) {
	d, err := newDispatcher(cfg.Backends)
	if err != nil {
		return nil, err
	}

	rt := &runtime{dispatcher: d, broker: engine.NewStatusBroker()}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.claims = claim.NewRedis(rt.redis, cfg.Redis.KeyPrefix, cfg.Redis.ClaimTTL)
	} else {
		rt.claims = claim.NewMemory()
	}

	caps := engine.Capabilities{
		Transitions: transition.NewManager(st, logger,
			transition.WithRetryObserver(engine.ObservePersistenceRetry)),
		Results: recorder.New(st, logger,
			recorder.WithRetryObserver(engine.ObserveResultRetry)),
		Notifier: rt.broker,
	}
	rt.exec = engine.NewExecutor(d, caps, logger,
		engine.WithQueryTimeout(cfg.Engine.QueryTimeout),
		engine.WithFinalizeTimeout(cfg.Engine.FinalizeTimeout),
	)
	rt.recoverer = engine.NewRecoverer(st, rt.exec, rt.claims, logger)
	return rt, nil
}

func (rt *runtime) Close() error {
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}
