// Package ingest runs the background loop that keeps the configured pair
// set warm: every interval it fetches each base/target pair through the
// aggregator, refreshes the cache entry and publishes an update frame.
// Pair failures are isolated, panics are recovered, and the loop only stops
// when its context does.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/fxgate/internal/currency"
	"github.com/kroma-labs/fxgate/internal/metrics"
)

// RateSource produces fused rates; the aggregator implements it.
type RateSource interface {
	GetRate(ctx context.Context, base, target string) (*currency.AggregatedRate, error)
}

// Publisher refreshes the cache entry and broadcasts an update frame; the
// cache implements it.
type Publisher interface {
	SetRate(ctx context.Context, agg *currency.AggregatedRate) error
	PublishUpdate(ctx context.Context, u currency.Update) (int64, error)
}

// Ingestor drives the periodic refresh.
type Ingestor struct {
	source   RateSource
	pub      Publisher
	bases    []string
	targets  []string
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	cycles atomic.Int64
}

// New builds an Ingestor over the configured pair set.
func New(source RateSource, pub Publisher, bases, targets []string, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		source:   source,
		pub:      pub,
		bases:    bases,
		targets:  targets,
		interval: interval,
		metrics:  m,
		log:      logger.With().Str("component", "ingestor").Logger(),
	}
}

// Run executes cycles until ctx is cancelled. It always returns nil: the
// ingestor has no fatal errors, only logged ones.
func (w *Ingestor) Run(ctx context.Context) error {
	w.log.Info().
		Strs("bases", w.bases).
		Strs("targets", w.targets).
		Dur("interval", w.interval).
		Msg("ingestor starting")

	for {
		w.runCycle(ctx)

		select {
		case <-ctx.Done():
			w.log.Info().Int64("cycles", w.cycles.Load()).Msg("ingestor stopping")
			return nil
		case <-time.After(w.interval):
		}
	}
}

// runCycle refreshes every pair once, bases in parallel, targets within a
// base sequentially. A panic anywhere in the cycle is recovered so one bad
// cycle cannot kill the loop.
func (w *Ingestor) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("ingest cycle panicked")
		}
	}()

	start := time.Now()
	var attempted, succeeded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, base := range w.bases {
		g.Go(func() error {
			w.refreshBase(gctx, base, &attempted, &succeeded)
			return nil
		})
	}
	_ = g.Wait()

	n := w.cycles.Add(1)
	failed := attempted.Load() - succeeded.Load()
	w.metrics.ObserveIngestCycle(int(succeeded.Load()), int(failed))
	w.log.Info().
		Int64("cycle", n).
		Int64("pairs_attempted", attempted.Load()).
		Int64("pairs_succeeded", succeeded.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("ingest cycle complete")
}

func (w *Ingestor) refreshBase(ctx context.Context, base string, attempted, succeeded *atomic.Int64) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("base", base).Interface("panic", r).
				Msg("base refresh panicked")
		}
	}()

	for _, target := range w.targets {
		if target == base {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempted.Add(1)
		if err := w.refreshPair(ctx, base, target); err != nil {
			w.log.Warn().Err(err).Str("pair", currency.PairKey(base, target)).
				Msg("pair refresh failed")
			continue
		}
		succeeded.Add(1)
	}
}

// refreshPair fetches one pair and publishes it. Cached aggregator answers
// are published too: subscribers rely on a frame per pair per cycle.
func (w *Ingestor) refreshPair(ctx context.Context, base, target string) error {
	agg, err := w.source.GetRate(ctx, base, target)
	if err != nil {
		return err
	}

	// Cached answers (fresh hits and stale fallbacks) are published but
	// never written back: only rates a provider produced this window
	// belong in the fresh cache.
	if !agg.Cached {
		if err := w.pub.SetRate(ctx, agg); err != nil {
			w.log.Warn().Err(err).Str("pair", agg.Pair()).Msg("cache refresh failed")
		}
	}

	receivers, err := w.pub.PublishUpdate(ctx, currency.UpdateFrom(agg))
	if err != nil {
		return fmt.Errorf("publish %s: %w", agg.Pair(), err)
	}
	w.log.Debug().Str("pair", agg.Pair()).Int64("receivers", receivers).
		Msg("update published")
	return nil
}

// Cycles returns the number of completed cycles, for health reporting.
func (w *Ingestor) Cycles() int64 { return w.cycles.Load() }
