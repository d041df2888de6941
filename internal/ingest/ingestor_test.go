package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/fxgate/internal/currency"
)

type fakeSource struct {
	mu      sync.Mutex
	failing map[string]error
	panicOn string
	calls   []string
}

func (f *fakeSource) GetRate(_ context.Context, base, target string) (*currency.AggregatedRate, error) {
	pair := currency.PairKey(base, target)

	f.mu.Lock()
	f.calls = append(f.calls, pair)
	f.mu.Unlock()

	if pair == f.panicOn {
		panic("boom")
	}
	if err, ok := f.failing[pair]; ok {
		return nil, err
	}
	return &currency.AggregatedRate{
		Base:       base,
		Target:     target,
		Rate:       decimal.NewFromFloat(1.2),
		Confidence: currency.ConfidenceHigh,
		Sources:    []string{"FixerIO"},
		Timestamp:  time.Now().UTC(),
	}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []currency.Update
	cached    []string
}

func (f *fakePublisher) SetRate(_ context.Context, agg *currency.AggregatedRate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = append(f.cached, agg.Pair())
	return nil
}

func (f *fakePublisher) PublishUpdate(_ context.Context, u currency.Update) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, u)
	return 1, nil
}

func (f *fakePublisher) publishedPairs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	pairs := make([]string, len(f.published))
	for i, u := range f.published {
		pairs[i] = u.Pair
	}
	return pairs
}

func TestCyclePublishesEveryPair(t *testing.T) {
	source := &fakeSource{}
	pub := &fakePublisher{}
	w := New(source, pub, []string{"USD", "EUR"}, []string{"USD", "EUR", "GBP"},
		time.Minute, nil, zerolog.Nop())

	// 2 bases x 3 targets minus the 2 self-pairs = 4 pairs per cycle.
	const cycles = 3
	for i := 0; i < cycles; i++ {
		w.runCycle(context.Background())
	}

	assert.Equal(t, int64(cycles), w.Cycles())
	assert.Len(t, pub.published, cycles*4)

	perPair := map[string]int{}
	for _, pair := range pub.publishedPairs() {
		perPair[pair]++
	}
	for _, pair := range []string{"USD/EUR", "USD/GBP", "EUR/USD", "EUR/GBP"} {
		assert.Equal(t, cycles, perPair[pair], "pair %s", pair)
	}
	assert.NotContains(t, perPair, "USD/USD")
	assert.NotContains(t, perPair, "EUR/EUR")
}

func TestCycleIsolatesPairFailures(t *testing.T) {
	source := &fakeSource{failing: map[string]error{
		"USD/GBP": errors.New("no exchange rate available"),
	}}
	pub := &fakePublisher{}
	w := New(source, pub, []string{"USD"}, []string{"EUR", "GBP", "JPY"},
		time.Minute, nil, zerolog.Nop())

	w.runCycle(context.Background())

	assert.ElementsMatch(t, []string{"USD/EUR", "USD/JPY"}, pub.publishedPairs())
}

func TestCycleRecoversPanics(t *testing.T) {
	source := &fakeSource{panicOn: "USD/GBP"}
	pub := &fakePublisher{}
	w := New(source, pub, []string{"USD", "EUR"}, []string{"EUR", "GBP"},
		time.Minute, nil, zerolog.Nop())

	require.NotPanics(t, func() { w.runCycle(context.Background()) })

	// The EUR base is unaffected; the USD base dies at its panicking pair.
	pairs := pub.publishedPairs()
	assert.Contains(t, pairs, "EUR/GBP")
	assert.Contains(t, pairs, "USD/EUR")
	assert.NotContains(t, pairs, "USD/GBP")
}

func TestCycleSkipsCacheWriteForCachedResults(t *testing.T) {
	source := &cachedSource{}
	pub := &fakePublisher{}
	w := New(source, pub, []string{"USD"}, []string{"EUR"}, time.Minute, nil, zerolog.Nop())

	w.runCycle(context.Background())

	assert.Empty(t, pub.cached, "cached results must not be re-written")
	assert.Len(t, pub.published, 1, "but they are still published")
}

type cachedSource struct{}

func (cachedSource) GetRate(_ context.Context, base, target string) (*currency.AggregatedRate, error) {
	return &currency.AggregatedRate{
		Base:       base,
		Target:     target,
		Rate:       decimal.NewFromFloat(1.19),
		Confidence: currency.ConfidenceLow,
		Cached:     true,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := &fakeSource{}
	pub := &fakePublisher{}
	w := New(source, pub, []string{"USD"}, []string{"EUR"}, 10*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.Cycles() >= 2 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop on cancel")
	}
}
