package aggregate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/fxgate/internal/breaker"
	"github.com/kroma-labs/fxgate/internal/cache"
	"github.com/kroma-labs/fxgate/internal/currency"
	"github.com/kroma-labs/fxgate/internal/store"
)

type stubProvider struct {
	name  string
	rate  string // empty means the provider fails
	err   string
	calls atomic.Int64
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) GetRate(_ context.Context, base, target string) currency.CallResult {
	s.calls.Add(1)
	res := currency.CallResult{
		Provider:   s.name,
		Endpoint:   "latest",
		HTTPStatus: 200,
		Duration:   25 * time.Millisecond,
	}
	if s.rate == "" {
		res.ErrorMessage = s.err
		rate := currency.FailedRate(s.name, base, target, s.err)
		res.Rate = &rate
		return res
	}
	res.Successful = true
	res.Rate = &currency.Rate{
		Base:       base,
		Target:     target,
		Rate:       decimal.RequireFromString(s.rate),
		Timestamp:  time.Now().UTC(),
		Provider:   s.name,
		Successful: true,
	}
	return res
}

func (s *stubProvider) GetAllRates(ctx context.Context, base string) currency.CallResult {
	res := s.GetRate(ctx, base, "EUR")
	if !res.Successful {
		return res
	}
	gbp := s.GetRate(ctx, base, "GBP")
	res.Rates = []currency.Rate{*res.Rate, *gbp.Rate}
	res.Rates[1].Rate = res.Rates[1].Rate.Mul(decimal.NewFromFloat(0.9))
	res.Rate = nil
	return res
}

func (s *stubProvider) GetSupportedCurrencies(context.Context) currency.CallResult {
	return currency.CallResult{Provider: s.name, Successful: true, Currencies: []string{"USD", "EUR", "GBP"}}
}

type recordedRate struct {
	base, target string
	providerID   int
	rate         decimal.Decimal
}

type loggedCall struct {
	providerID int
	successful bool
}

type fakeHistory struct {
	stale    *store.StaleRate
	staleErr error
	recorded []recordedRate
	calls    []loggedCall
}

func (f *fakeHistory) LatestRate(context.Context, string, string) (*store.StaleRate, error) {
	return f.stale, f.staleErr
}

func (f *fakeHistory) RecordRate(_ context.Context, base, target string, providerID int, rate decimal.Decimal, _ time.Time, _ currency.Confidence) error {
	f.recorded = append(f.recorded, recordedRate{base: base, target: target, providerID: providerID, rate: rate})
	return nil
}

func (f *fakeHistory) LogAPICall(_ context.Context, providerID int, _ string, _ int, _ time.Duration, successful bool, _ string) error {
	f.calls = append(f.calls, loggedCall{providerID: providerID, successful: successful})
	return nil
}

type stubValidator struct {
	reason string
}

func (s *stubValidator) Validate(context.Context, string, string) (bool, string) {
	return s.reason == "", s.reason
}

type fixture struct {
	agg     *Aggregator
	cache   *cache.Cache
	history *fakeHistory
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, history *fakeHistory, providers ...*stubProvider) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.New(rdb, cache.DefaultTTLs(), zerolog.Nop())

	opts := Options{
		Primary:            "FixerIO",
		Cache:              c,
		Store:              history,
		Validator:          &stubValidator{},
		DeviationThreshold: 1.0,
		Logger:             zerolog.Nop(),
		Breakers:           map[string]*breaker.Breaker{},
		ProviderIDs:        map[string]int{},
	}
	for i, p := range providers {
		opts.Providers = append(opts.Providers, p)
		opts.ProviderIDs[p.name] = i + 1
		opts.Breakers[p.name] = breaker.New(i+1, p.name, c,
			nil, breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Hour, SuccessThreshold: 2}, zerolog.Nop())
	}

	return &fixture{agg: New(opts), cache: c, history: history, mr: mr}
}

func TestGetRateAllProvidersHealthy(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", rate: "1.20"},
		&stubProvider{name: "OpenExchange", rate: "1.22"},
		&stubProvider{name: "CurrencyAPI", rate: "1.18"},
	)

	agg, err := f.agg.GetRate(context.Background(), "usd", "eur")
	require.NoError(t, err)

	assert.True(t, agg.Rate.Equal(decimal.RequireFromString("1.20")), "mean of 1.20/1.22/1.18, got %s", agg.Rate)
	assert.Equal(t, currency.ConfidenceHigh, agg.Confidence)
	assert.True(t, agg.PrimaryUsed)
	assert.False(t, agg.Cached)
	assert.ElementsMatch(t, []string{"FixerIO", "OpenExchange", "CurrencyAPI"}, agg.Sources)
	assert.Empty(t, agg.Warnings)

	t.Run("then the fused rate is cached", func(t *testing.T) {
		cached, err := f.cache.GetRate(context.Background(), "USD", "EUR")
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.True(t, agg.Rate.Equal(cached.Rate))
	})

	t.Run("then every call is logged and every quote recorded", func(t *testing.T) {
		assert.Len(t, f.history.calls, 3)
		assert.Len(t, f.history.recorded, 3)
	})
}

func TestGetRateCacheHit(t *testing.T) {
	primary := &stubProvider{name: "FixerIO", rate: "1.20"}
	f := newFixture(t, &fakeHistory{}, primary)
	ctx := context.Background()

	first, err := f.agg.GetRate(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.agg.GetRate(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.True(t, first.Rate.Equal(second.Rate))
	assert.Equal(t, int64(1), primary.calls.Load(), "cache hit must not reach the provider")
}

func TestGetRateHighDeviation(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", rate: "1.20"},
		&stubProvider{name: "OpenExchange", rate: "5.00"},
	)

	agg, err := f.agg.GetRate(context.Background(), "USD", "EUR")
	require.NoError(t, err)

	assert.True(t, agg.Rate.Equal(decimal.RequireFromString("1.20")), "primary's own rate, got %s", agg.Rate)
	assert.Equal(t, currency.ConfidenceHigh, agg.Confidence)
	assert.True(t, agg.PrimaryUsed)
	assert.Equal(t, []string{"FixerIO"}, agg.Sources)
	require.Len(t, agg.Warnings, 1)
	assert.Contains(t, agg.Warnings[0], "high deviation")
}

func TestGetRatePrimaryDown(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", err: "connection refused"},
		&stubProvider{name: "OpenExchange", rate: "1.22"},
		&stubProvider{name: "CurrencyAPI", rate: "1.18"},
	)

	agg, err := f.agg.GetRate(context.Background(), "USD", "EUR")
	require.NoError(t, err)

	assert.True(t, agg.Rate.Equal(decimal.RequireFromString("1.20")), "mean of secondaries, got %s", agg.Rate)
	assert.Equal(t, currency.ConfidenceMedium, agg.Confidence)
	assert.False(t, agg.PrimaryUsed)
	assert.ElementsMatch(t, []string{"OpenExchange", "CurrencyAPI"}, agg.Sources)
	require.Len(t, agg.Warnings, 1)
	assert.Contains(t, agg.Warnings[0], "primary provider FixerIO unavailable")
}

func TestGetRateStaleFallback(t *testing.T) {
	fetched := time.Now().Add(-45 * time.Minute)
	history := &fakeHistory{stale: &store.StaleRate{
		Rate:      decimal.RequireFromString("1.19"),
		Provider:  "FixerIO",
		FetchedAt: fetched,
	}}
	f := newFixture(t, history,
		&stubProvider{name: "FixerIO", err: "timeout"},
		&stubProvider{name: "OpenExchange", err: "timeout"},
	)

	agg, err := f.agg.GetRate(context.Background(), "USD", "EUR")
	require.NoError(t, err)

	assert.True(t, agg.Rate.Equal(decimal.RequireFromString("1.19")))
	assert.Equal(t, currency.ConfidenceLow, agg.Confidence)
	assert.True(t, agg.Cached)
	assert.Equal(t, []string{"FixerIO"}, agg.Sources)
	require.Len(t, agg.Warnings, 2)
	assert.Contains(t, agg.Warnings[0], "all providers unavailable")
	assert.Contains(t, agg.Warnings[1], "stale rate")

	t.Run("then the stale result is not written to the fresh cache", func(t *testing.T) {
		cached, err := f.cache.GetRate(context.Background(), "USD", "EUR")
		require.NoError(t, err)
		assert.Nil(t, cached)
	})
}

func TestGetRateNothingAvailable(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", err: "timeout"},
		&stubProvider{name: "OpenExchange", err: "timeout"},
	)

	_, err := f.agg.GetRate(context.Background(), "USD", "EUR")
	assert.ErrorIs(t, err, ErrNoRateAvailable)
}

func TestGetRateInvalidCurrency(t *testing.T) {
	primary := &stubProvider{name: "FixerIO", rate: "1.20"}
	f := newFixture(t, &fakeHistory{}, primary)
	f.agg.validator = &stubValidator{reason: "Unsupported currency(ies): XXX"}

	_, err := f.agg.GetRate(context.Background(), "USD", "XXX")

	var invalid *currency.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "XXX")
	assert.Zero(t, primary.calls.Load(), "invalid pairs must not reach providers")
}

func TestGetRateBreakerSkipsProvider(t *testing.T) {
	primary := &stubProvider{name: "FixerIO", err: "HTTP 500"}
	secondary := &stubProvider{name: "OpenExchange", rate: "1.22"}
	f := newFixture(t, &fakeHistory{}, primary, secondary)
	ctx := context.Background()

	// Five failed cycles trip the primary's breaker; logical failures
	// count the same as transport ones. The cached fused rate is cleared
	// between rounds so every request reaches the fan-out.
	for i := 0; i < 5; i++ {
		_, err := f.agg.GetRate(ctx, "USD", "EUR")
		require.NoError(t, err)
		f.mr.Del("rates:USD:EUR")
	}
	require.Equal(t, int64(5), primary.calls.Load())

	st := f.agg.Breaker("FixerIO").Status(ctx)
	require.Equal(t, breaker.StateOpen, st.State)

	// The sixth request skips the primary entirely.
	agg, err := f.agg.GetRate(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(5), primary.calls.Load())
	assert.Equal(t, currency.ConfidenceMedium, agg.Confidence)
	assert.Contains(t, agg.Warnings[0], "primary provider FixerIO unavailable")
}

func TestGetRateStaleLookupErrorMapsToNoRate(t *testing.T) {
	history := &fakeHistory{staleErr: assert.AnError}
	f := newFixture(t, history, &stubProvider{name: "FixerIO", err: "timeout"})

	_, err := f.agg.GetRate(context.Background(), "USD", "EUR")
	assert.ErrorIs(t, err, ErrNoRateAvailable)
}

func TestGetAllRates(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", rate: "1.20"},
		&stubProvider{name: "OpenExchange", rate: "1.22"},
	)

	out, err := f.agg.GetAllRates(context.Background(), "USD")
	require.NoError(t, err)

	require.Contains(t, out, "EUR")
	require.Contains(t, out, "GBP")
	assert.Equal(t, currency.ConfidenceHigh, out["EUR"].Confidence)
	assert.True(t, out["EUR"].Rate.Equal(decimal.RequireFromString("1.21")), "mean of 1.20/1.22, got %s", out["EUR"].Rate)

	t.Run("then fused targets are cached", func(t *testing.T) {
		cached, err := f.cache.GetRate(context.Background(), "USD", "EUR")
		require.NoError(t, err)
		require.NotNil(t, cached)
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &fakeHistory{},
		&stubProvider{name: "FixerIO", rate: "1.20"},
		&stubProvider{name: "OpenExchange", rate: "1.22"},
	)
	ctx := context.Background()

	status, providers := f.agg.Health(ctx)
	assert.Equal(t, "healthy", status)
	require.Contains(t, providers, "FixerIO")
	assert.True(t, providers["FixerIO"].IsPrimary)
	assert.False(t, providers["OpenExchange"].IsPrimary)

	f.agg.Breaker("FixerIO").ForceOpen(ctx, "test")
	status, _ = f.agg.Health(ctx)
	assert.Equal(t, "degraded", status)

	f.agg.Breaker("OpenExchange").ForceOpen(ctx, "test")
	status, _ = f.agg.Health(ctx)
	assert.Equal(t, "unhealthy", status)
}
