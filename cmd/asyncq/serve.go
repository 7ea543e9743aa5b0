package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/asyncq/internal/api"
	"github.com/seantiz/asyncq/internal/claim"
	"github.com/seantiz/asyncq/internal/config"
	"github.com/seantiz/asyncq/internal/engine"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the executor, the queue feeder and the inspection API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.ListenAddr = addr
			}
			return serve(cmd, a.cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ASYNCQ_LISTEN_ADDR)")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config) error {
	logger := config.NewLogger(cmd.OutOrStdout(), cfg.LogLevel)
	logger.Info("asyncq: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DB.Driver,
		"workers", cfg.Engine.Workers,
		"queue_size", cfg.Engine.QueueSize,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rt, err := newRuntime(cfg, st, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Engine.RecoverOnStart {
		if _, err := rt.recoverer.Sweep(ctx); err != nil {
			return fmt.Errorf("recovery sweep: %w", err)
		}
	}

	eng := engine.NewEngine(rt.exec, rt.claims, logger, engine.Config{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	})
	eng.Start()

	feeder := engine.NewFeeder(st, eng, logger, cfg.Engine.PollInterval, cfg.Engine.PollBatch)

	opts := []api.Option{
		api.WithStatusBroker(rt.broker),
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithHealthCheck("store", st.Ping),
	}
	if rc, ok := rt.claims.(*claim.Redis); ok {
		opts = append(opts, api.WithHealthCheck("redis", rc.Health))
	}
	srv := api.NewServer(cfg.ListenAddr, st, rt.dispatcher, logger, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return feeder.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Engine.StopTimeout)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Warn("engine stopped with running queries cancelled", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("asyncq: stopped")
	return err
}
