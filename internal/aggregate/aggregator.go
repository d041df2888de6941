// Package aggregate turns many provider opinions into one rate. A request
// fans out to the primary and every secondary concurrently, each call runs
// under its provider's circuit breaker, and the answers are fused into a
// single rate with a confidence label. Degradation is graceful: secondaries
// cover a dead primary, the database covers a dead provider fleet, and only
// a total blackout surfaces ErrNoRateAvailable.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/fxgate/internal/breaker"
	"github.com/kroma-labs/fxgate/internal/cache"
	"github.com/kroma-labs/fxgate/internal/currency"
	"github.com/kroma-labs/fxgate/internal/metrics"
	"github.com/kroma-labs/fxgate/internal/provider"
	"github.com/kroma-labs/fxgate/internal/store"
)

// ErrNoRateAvailable means every provider failed and no usable history
// exists for the pair.
var ErrNoRateAvailable = errors.New("no exchange rate available")

// HistoryStore is the durable side the aggregator writes through to; the
// Postgres store implements it.
type HistoryStore interface {
	LatestRate(ctx context.Context, base, target string) (*store.StaleRate, error)
	RecordRate(ctx context.Context, base, target string, providerID int, rate decimal.Decimal, fetchedAt time.Time, confidence currency.Confidence) error
	LogAPICall(ctx context.Context, providerID int, endpoint string, httpStatus int, duration time.Duration, successful bool, errMsg string) error
}

// PairValidator pre-checks that a pair is quotable.
type PairValidator interface {
	Validate(ctx context.Context, base, target string) (bool, string)
}

// Options wires an Aggregator.
type Options struct {
	// Primary names the provider whose answer anchors fusion. When it
	// does not match any provider, the first provider is promoted.
	Primary     string
	Providers   []provider.Provider
	Breakers    map[string]*breaker.Breaker
	ProviderIDs map[string]int
	Cache       *cache.Cache
	Store       HistoryStore
	Validator   PairValidator
	// DeviationThreshold is the absolute cross-provider deviation from
	// the mean above which the blended rate is rejected.
	DeviationThreshold float64
	Metrics            *metrics.Metrics
	Logger             zerolog.Logger
}

// Aggregator fans requests out to the providers and fuses the answers.
type Aggregator struct {
	primary     string
	providers   []provider.Provider
	breakers    map[string]*breaker.Breaker
	providerIDs map[string]int
	cache       *cache.Cache
	store       HistoryStore
	validator   PairValidator
	deviation   decimal.Decimal
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// New builds an Aggregator.
func New(opts Options) *Aggregator {
	log := opts.Logger.With().Str("component", "aggregator").Logger()

	primary := opts.Primary
	known := false
	for _, p := range opts.Providers {
		if p.Name() == primary {
			known = true
			break
		}
	}
	if !known && len(opts.Providers) > 0 {
		fallback := opts.Providers[0].Name()
		log.Warn().Str("configured", primary).Str("using", fallback).
			Msg("configured primary provider not wired, promoting first provider")
		primary = fallback
	}

	return &Aggregator{
		primary:     primary,
		providers:   opts.Providers,
		breakers:    opts.Breakers,
		providerIDs: opts.ProviderIDs,
		cache:       opts.Cache,
		store:       opts.Store,
		validator:   opts.Validator,
		deviation:   decimal.NewFromFloat(opts.DeviationThreshold),
		metrics:     opts.Metrics,
		log:         log,
	}
}

// Primary returns the anchoring provider's name.
func (a *Aggregator) Primary() string { return a.primary }

// Breaker returns the breaker guarding a provider, or nil.
func (a *Aggregator) Breaker(providerName string) *breaker.Breaker {
	return a.breakers[providerName]
}

// GetRate returns the fused rate for one pair: validation, cache, fan-out,
// fusion, write-through, in that order.
func (a *Aggregator) GetRate(ctx context.Context, base, target string) (*currency.AggregatedRate, error) {
	base, target = currency.Normalize(base), currency.Normalize(target)

	if ok, reason := a.validator.Validate(ctx, base, target); !ok {
		return nil, &currency.InvalidError{Reason: reason}
	}

	if cached, err := a.cache.GetRate(ctx, base, target); err != nil {
		a.log.Warn().Err(err).Str("pair", currency.PairKey(base, target)).
			Msg("rate cache unreadable")
	} else if cached != nil {
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	primaryRes, secondaries := a.fanOut(ctx, base, target)

	agg, err := a.fuse(ctx, base, target, primaryRes, secondaries)
	a.record(ctx, primaryRes, secondaries)
	if err != nil {
		return nil, err
	}

	// Stale fallbacks are not re-cached: the fresh cache must only hold
	// rates a provider actually produced this window.
	if !agg.Cached {
		if err := a.cache.SetRate(ctx, agg); err != nil {
			a.log.Warn().Err(err).Str("pair", agg.Pair()).Msg("failed to cache fused rate")
		}
	}

	a.log.Info().
		Str("pair", agg.Pair()).
		Str("rate", agg.Rate.String()).
		Str("confidence", string(agg.Confidence)).
		Strs("sources", agg.Sources).
		Bool("cached", agg.Cached).
		Msg("rate aggregated")
	return agg, nil
}

// GetAllRates fetches every rate the providers quote for a base and fuses
// them per target with the single-pair policy. Targets that cannot be fused
// are skipped; the batch fails only when no target survives.
func (a *Aggregator) GetAllRates(ctx context.Context, base string) (map[string]*currency.AggregatedRate, error) {
	base = currency.Normalize(base)

	if ok, reason := a.validator.Validate(ctx, base, base); !ok {
		return nil, &currency.InvalidError{Reason: reason}
	}

	batches := a.fanOutBatch(ctx, base)

	// Union of every target any provider quoted.
	targets := make(map[string]struct{})
	for _, res := range batches {
		if res == nil || !res.Successful {
			continue
		}
		for _, r := range res.Rates {
			if r.Successful {
				targets[r.Target] = struct{}{}
			}
		}
	}

	out := make(map[string]*currency.AggregatedRate, len(targets))
	for target := range targets {
		if target == base {
			continue
		}
		primaryRes, secondaries := a.perTarget(target, batches)
		agg, err := a.fuse(ctx, base, target, primaryRes, secondaries)
		if err != nil {
			continue
		}
		if !agg.Cached {
			if err := a.cache.SetRate(ctx, agg); err != nil {
				a.log.Warn().Err(err).Str("pair", agg.Pair()).Msg("failed to cache fused rate")
			}
		}
		out[target] = agg
	}

	a.logCalls(ctx, batches)
	if len(out) == 0 {
		return nil, ErrNoRateAvailable
	}
	return out, nil
}

// fanOut queries every provider concurrently for one pair. A provider whose
// breaker rejects the call contributes nothing, not even a call log entry.
func (a *Aggregator) fanOut(ctx context.Context, base, target string) (*currency.CallResult, []*currency.CallResult) {
	var mu sync.Mutex
	var primary *currency.CallResult
	var secondaries []*currency.CallResult

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		g.Go(func() error {
			res := a.callProvider(gctx, p, func(ctx context.Context) currency.CallResult {
				return p.GetRate(ctx, base, target)
			}, func(res currency.CallResult) bool { return res.OK() })
			if res == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if p.Name() == a.primary {
				primary = res
			} else {
				secondaries = append(secondaries, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(secondaries, func(i, j int) bool {
		return secondaries[i].Provider < secondaries[j].Provider
	})
	return primary, secondaries
}

// fanOutBatch queries every provider's batch endpoint concurrently.
func (a *Aggregator) fanOutBatch(ctx context.Context, base string) map[string]*currency.CallResult {
	var mu sync.Mutex
	batches := make(map[string]*currency.CallResult, len(a.providers))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		g.Go(func() error {
			res := a.callProvider(gctx, p, func(ctx context.Context) currency.CallResult {
				return p.GetAllRates(ctx, base)
			}, func(res currency.CallResult) bool {
				return res.Successful && len(res.Rates) > 0
			})
			if res == nil {
				return nil
			}
			mu.Lock()
			batches[p.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return batches
}

// callProvider runs one provider call under its breaker. The breaker counts
// logical failures too: an HTTP 200 carrying an error envelope is still a
// failure. Returns nil when the breaker rejected the call outright.
func (a *Aggregator) callProvider(ctx context.Context, p provider.Provider, call func(context.Context) currency.CallResult, usable func(currency.CallResult) bool) *currency.CallResult {
	var res currency.CallResult
	attempt := func(ctx context.Context) error {
		res = call(ctx)
		if !usable(res) {
			msg := res.ErrorMessage
			if msg == "" {
				msg = "provider returned no usable data"
			}
			return fmt.Errorf("%s: %s", p.Name(), msg)
		}
		return nil
	}

	br := a.breakers[p.Name()]
	var err error
	if br != nil {
		err = br.Call(ctx, attempt)
	} else {
		err = attempt(ctx)
	}

	var open *breaker.OpenError
	if errors.As(err, &open) {
		a.metrics.SetBreakerOpen(p.Name(), true)
		a.log.Debug().Str("provider", p.Name()).Int("failures", open.Failures).
			Msg("skipping provider, breaker open")
		return nil
	}
	if err == nil {
		a.metrics.SetBreakerOpen(p.Name(), false)
	}

	a.metrics.ObserveProviderCall(p.Name(), usable(res), res.Duration)
	return &res
}

// perTarget slices one target's quotes out of the batch results as
// synthetic single-pair call results, so batch fusion shares the single-pair
// policy.
func (a *Aggregator) perTarget(target string, batches map[string]*currency.CallResult) (*currency.CallResult, []*currency.CallResult) {
	var primary *currency.CallResult
	var secondaries []*currency.CallResult

	names := make([]string, 0, len(batches))
	for name := range batches {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		batch := batches[name]
		if batch == nil || !batch.Successful {
			continue
		}
		for i := range batch.Rates {
			r := batch.Rates[i]
			if r.Target != target || !r.Successful {
				continue
			}
			res := &currency.CallResult{
				Provider:   name,
				Endpoint:   batch.Endpoint,
				HTTPStatus: batch.HTTPStatus,
				Duration:   batch.Duration,
				Successful: true,
				Rate:       &r,
			}
			if name == a.primary {
				primary = res
			} else {
				secondaries = append(secondaries, res)
			}
			break
		}
	}
	return primary, secondaries
}

// fuse applies the fusion policy to one pair's results.
func (a *Aggregator) fuse(ctx context.Context, base, target string, primary *currency.CallResult, secondaries []*currency.CallResult) (*currency.AggregatedRate, error) {
	var okSecs []*currency.CallResult
	for _, res := range secondaries {
		if res.OK() && res.Rate.Rate.IsPositive() {
			okSecs = append(okSecs, res)
		}
	}
	primaryOK := primary != nil && primary.OK() && primary.Rate.Rate.IsPositive()

	switch {
	case primaryOK && len(okSecs) == 0:
		return &currency.AggregatedRate{
			Base:        base,
			Target:      target,
			Rate:        primary.Rate.Rate,
			Confidence:  currency.ConfidenceHigh,
			Sources:     []string{primary.Provider},
			PrimaryUsed: true,
			Timestamp:   primary.Rate.Timestamp,
		}, nil

	case primaryOK:
		rates := []decimal.Decimal{primary.Rate.Rate}
		sources := []string{primary.Provider}
		for _, res := range okSecs {
			rates = append(rates, res.Rate.Rate)
			sources = append(sources, res.Provider)
		}
		mean := decimal.Avg(rates[0], rates[1:]...)

		maxDev := decimal.Zero
		for _, r := range rates {
			if dev := r.Sub(mean).Abs(); dev.GreaterThan(maxDev) {
				maxDev = dev
			}
		}

		if maxDev.GreaterThanOrEqual(a.deviation) {
			// Disagreement this large means somebody is wrong; trust
			// the anchor alone rather than blend in a bad quote.
			a.log.Warn().
				Str("pair", currency.PairKey(base, target)).
				Str("max_deviation", maxDev.String()).
				Str("threshold", a.deviation.String()).
				Msg("high deviation between providers")
			return &currency.AggregatedRate{
				Base:        base,
				Target:      target,
				Rate:        primary.Rate.Rate,
				Confidence:  currency.ConfidenceHigh,
				Sources:     []string{primary.Provider},
				PrimaryUsed: true,
				Timestamp:   primary.Rate.Timestamp,
				Warnings: []string{fmt.Sprintf(
					"high deviation between providers (max %s)", maxDev.StringFixed(6))},
			}, nil
		}

		return &currency.AggregatedRate{
			Base:        base,
			Target:      target,
			Rate:        mean,
			Confidence:  currency.ConfidenceHigh,
			Sources:     sources,
			PrimaryUsed: true,
			Timestamp:   time.Now().UTC(),
		}, nil

	case len(okSecs) > 0:
		rates := make([]decimal.Decimal, 0, len(okSecs))
		sources := make([]string, 0, len(okSecs))
		for _, res := range okSecs {
			rates = append(rates, res.Rate.Rate)
			sources = append(sources, res.Provider)
		}
		mean := decimal.Avg(rates[0], rates[1:]...)

		return &currency.AggregatedRate{
			Base:       base,
			Target:     target,
			Rate:       mean,
			Confidence: currency.ConfidenceMedium,
			Sources:    sources,
			Timestamp:  time.Now().UTC(),
			Warnings: []string{fmt.Sprintf(
				"primary provider %s unavailable", a.primary)},
		}, nil

	default:
		return a.staleFallback(ctx, base, target)
	}
}

// staleFallback serves the newest historical quote when every provider is
// down.
func (a *Aggregator) staleFallback(ctx context.Context, base, target string) (*currency.AggregatedRate, error) {
	stale, err := a.store.LatestRate(ctx, base, target)
	if err != nil {
		a.log.Error().Err(err).Str("pair", currency.PairKey(base, target)).
			Msg("stale rate lookup failed")
		return nil, ErrNoRateAvailable
	}
	if stale == nil || !stale.Rate.IsPositive() {
		return nil, ErrNoRateAvailable
	}

	age := time.Since(stale.FetchedAt)
	a.log.Warn().
		Str("pair", currency.PairKey(base, target)).
		Str("provider", stale.Provider).
		Dur("age", age).
		Msg("all providers down, serving stale rate")

	return &currency.AggregatedRate{
		Base:       base,
		Target:     target,
		Rate:       stale.Rate,
		Confidence: currency.ConfidenceLow,
		Sources:    []string{stale.Provider},
		Cached:     true,
		Timestamp:  stale.FetchedAt,
		Warnings: []string{
			"all providers unavailable",
			fmt.Sprintf("using stale rate from %s (age %dm)", stale.Provider, int(age.Minutes())),
		},
	}, nil
}

// record writes call logs and rate history best-effort; storage trouble
// never fails a request.
func (a *Aggregator) record(ctx context.Context, primary *currency.CallResult, secondaries []*currency.CallResult) {
	results := make([]*currency.CallResult, 0, 1+len(secondaries))
	if primary != nil {
		results = append(results, primary)
	}
	results = append(results, secondaries...)

	for _, res := range results {
		a.logCall(ctx, res)
		if !res.OK() {
			continue
		}
		confidence := currency.ConfidenceMedium
		if res.Provider == a.primary {
			confidence = currency.ConfidenceHigh
		}
		id, ok := a.providerIDs[res.Provider]
		if !ok {
			continue
		}
		if err := a.store.RecordRate(ctx, res.Rate.Base, res.Rate.Target, id,
			res.Rate.Rate, res.Rate.Timestamp, confidence); err != nil {
			a.log.Warn().Err(err).Str("provider", res.Provider).Msg("failed to record rate")
		}
	}
}

func (a *Aggregator) logCalls(ctx context.Context, batches map[string]*currency.CallResult) {
	for _, res := range batches {
		a.logCall(ctx, res)
	}
}

func (a *Aggregator) logCall(ctx context.Context, res *currency.CallResult) {
	if res == nil {
		return
	}
	id, ok := a.providerIDs[res.Provider]
	if !ok {
		return
	}
	if err := a.store.LogAPICall(ctx, id, res.Endpoint, res.HTTPStatus,
		res.Duration, res.Successful, res.ErrorMessage); err != nil {
		a.log.Warn().Err(err).Str("provider", res.Provider).Msg("failed to log provider call")
	}
}

// ProviderHealth is one provider's entry in the health report.
type ProviderHealth struct {
	breaker.Status
	IsPrimary bool `json:"is_primary"`
}

// Health snapshots every breaker plus an overall aggregator verdict:
// healthy with every breaker closed, unhealthy with every breaker open,
// degraded in between.
func (a *Aggregator) Health(ctx context.Context) (string, map[string]ProviderHealth) {
	providers := make(map[string]ProviderHealth, len(a.providers))
	open := 0
	for _, p := range a.providers {
		br := a.breakers[p.Name()]
		if br == nil {
			continue
		}
		st := br.Status(ctx)
		a.metrics.SetBreakerOpen(p.Name(), st.State == breaker.StateOpen)
		if st.State == breaker.StateOpen {
			open++
		}
		providers[p.Name()] = ProviderHealth{
			Status:    st,
			IsPrimary: p.Name() == a.primary,
		}
	}

	switch {
	case len(providers) == 0:
		return "unhealthy", providers
	case open == 0:
		return "healthy", providers
	case open == len(providers):
		return "unhealthy", providers
	default:
		return "degraded", providers
	}
}
