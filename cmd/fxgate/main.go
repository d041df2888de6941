// The fxgate server: HTTP API, WebSocket streaming and health on one port.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/fxgate/internal/api"
	"github.com/kroma-labs/fxgate/internal/app"
	"github.com/kroma-labs/fxgate/internal/config"
	"github.com/kroma-labs/fxgate/internal/metrics"
	"github.com/kroma-labs/fxgate/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := app.NewLogger("info")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	a, err := app.Build(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// Catalog refresh is best-effort at boot; the validator fails open
	// until it lands.
	go func() {
		if err := a.Validator.RefreshIfStale(ctx); err != nil {
			logger.Warn().Err(err).Msg("currency catalog refresh failed")
		}
	}()

	hub := ws.NewHub(m, logger)
	updates, stopSub := a.Cache.Subscribe(ctx)
	defer stopSub()

	server := api.New(api.Options{
		Addr:    cfg.HTTPAddr,
		Rates:   a.Aggregator,
		DB:      a.Store,
		Cache:   a.Cache,
		Hub:     hub,
		Metrics: m,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx, updates)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
