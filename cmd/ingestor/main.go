// The fxgate ingestor: keeps the configured pair set warm and publishes
// rate updates on the broadcast channel.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kroma-labs/fxgate/internal/app"
	"github.com/kroma-labs/fxgate/internal/config"
	"github.com/kroma-labs/fxgate/internal/ingest"
	"github.com/kroma-labs/fxgate/internal/metrics"
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

	if err := a.Validator.RefreshIfStale(ctx); err != nil {
		logger.Warn().Err(err).Msg("currency catalog refresh failed")
	}

	w := ingest.New(a.Aggregator, a.Cache,
		cfg.WorkerBaseCurrencies, cfg.WorkerTargetCurrencies,
		cfg.WorkerUpdateInterval, m, logger)

	if err := w.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ingestor failed")
	}
	logger.Info().Msg("shutdown complete")
}
