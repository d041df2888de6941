// Package cache is the Redis layer: fresh fused rates, currency validation
// entries, the hot top-currencies set, shared circuit-breaker state, and the
// rate broadcast pub/sub channel.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// BroadcastChannel carries one JSON-encoded currency.Update per freshly
// ingested rate.
const BroadcastChannel = "rates:broadcast"

const keyTopCurrencies = "supported_currencies:top"

// TTLs groups the expiry of every key family the cache owns.
type TTLs struct {
	Rate          time.Duration
	ValidationPos time.Duration
	ValidationNeg time.Duration
	Breaker       time.Duration
	TopCurrencies time.Duration
}

// DefaultTTLs returns the production defaults.
func DefaultTTLs() TTLs {
	return TTLs{
		Rate:          5 * time.Minute,
		ValidationPos: 15 * time.Minute,
		ValidationNeg: 5 * time.Minute,
		Breaker:       time.Hour,
		TopCurrencies: 24 * time.Hour,
	}
}

// ValidationResult is a cached answer from the currency validator.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Cache wraps a Redis client with the service's key layout.
type Cache struct {
	rdb redis.UniversalClient
	ttl TTLs
	log zerolog.Logger
}

// New builds a Cache on top of an existing client.
func New(rdb redis.UniversalClient, ttl TTLs, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb: rdb,
		ttl: ttl,
		log: logger.With().Str("component", "cache").Logger(),
	}
}

// Ping checks connectivity for health reporting.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func rateKey(base, target string) string {
	return "rates:" + currency.Normalize(base) + ":" + currency.Normalize(target)
}

func validationKey(base, target string) string {
	return "currency_validation:" + currency.Normalize(base) + "_" + currency.Normalize(target)
}

// GetRate returns the cached fused rate for a pair, or nil on a miss.
func (c *Cache) GetRate(ctx context.Context, base, target string) (*currency.AggregatedRate, error) {
	raw, err := c.rdb.Get(ctx, rateKey(base, target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate %s/%s: %w", base, target, err)
	}

	var agg currency.AggregatedRate
	if err := json.Unmarshal(raw, &agg); err != nil {
		// A corrupt entry behaves as a miss; the next write repairs it.
		c.log.Warn().Err(err).Str("pair", currency.PairKey(base, target)).
			Msg("dropping unparseable cached rate")
		return nil, nil
	}
	return &agg, nil
}

// SetRate stores a fused rate under the pair key with the fresh-rate TTL.
func (c *Cache) SetRate(ctx context.Context, agg *currency.AggregatedRate) error {
	raw, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode rate %s: %w", agg.Pair(), err)
	}
	if err := c.rdb.Set(ctx, rateKey(agg.Base, agg.Target), raw, c.ttl.Rate).Err(); err != nil {
		return fmt.Errorf("set rate %s: %w", agg.Pair(), err)
	}
	return nil
}

// GetValidation returns a cached validation verdict for a pair, or nil on a
// miss.
func (c *Cache) GetValidation(ctx context.Context, base, target string) (*ValidationResult, error) {
	raw, err := c.rdb.Get(ctx, validationKey(base, target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get validation %s/%s: %w", base, target, err)
	}

	var res ValidationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil
	}
	return &res, nil
}

// SetValidation caches a validation verdict. Negative verdicts get the
// shorter TTL so catalog refreshes propagate quickly.
func (c *Cache) SetValidation(ctx context.Context, base, target string, res ValidationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	ttl := c.ttl.ValidationPos
	if !res.Valid {
		ttl = c.ttl.ValidationNeg
	}
	return c.rdb.Set(ctx, validationKey(base, target), raw, ttl).Err()
}

// GetTopCurrencies returns the hot set of most-traded currency codes, or nil
// on a miss.
func (c *Cache) GetTopCurrencies(ctx context.Context) ([]string, error) {
	raw, err := c.rdb.Get(ctx, keyTopCurrencies).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get top currencies: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, nil
	}
	return codes, nil
}

// SetTopCurrencies replaces the hot set.
func (c *Cache) SetTopCurrencies(ctx context.Context, codes []string) error {
	raw, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("encode top currencies: %w", err)
	}
	return c.rdb.Set(ctx, keyTopCurrencies, raw, c.ttl.TopCurrencies).Err()
}

// PublishUpdate publishes a rate update frame and returns the number of
// subscribers that received it.
func (c *Cache) PublishUpdate(ctx context.Context, u currency.Update) (int64, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return 0, fmt.Errorf("encode update %s: %w", u.Pair, err)
	}
	n, err := c.rdb.Publish(ctx, BroadcastChannel, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("publish update %s: %w", u.Pair, err)
	}
	return n, nil
}

// Subscribe opens one subscription on the broadcast channel and returns a
// channel of parsed updates. Malformed frames are dropped with a log line.
// The returned stop function (or ctx cancellation) tears the subscription
// down and closes the channel.
func (c *Cache) Subscribe(ctx context.Context) (<-chan currency.Update, func()) {
	ps := c.rdb.Subscribe(ctx, BroadcastChannel)
	out := make(chan currency.Update, 64)

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u currency.Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					c.log.Warn().Err(err).Msg("dropping malformed broadcast frame")
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = ps.Close() }
}

// Breaker key layout: breaker:<providerID>:state|failures|last_failure.
// Every key carries the breaker TTL so abandoned state self-heals.

func breakerKey(providerID int, field string) string {
	return "breaker:" + strconv.Itoa(providerID) + ":" + field
}

// BreakerState reads the shared breaker state. A missing key reads as
// CLOSED; transport errors are returned for the caller's fail-open policy.
func (c *Cache) BreakerState(ctx context.Context, providerID int) (string, error) {
	state, err := c.rdb.Get(ctx, breakerKey(providerID, "state")).Result()
	if errors.Is(err, redis.Nil) {
		return "CLOSED", nil
	}
	if err != nil {
		return "", fmt.Errorf("get breaker state %d: %w", providerID, err)
	}
	return state, nil
}

// SetBreakerState writes state and failure count in one pipeline, and stamps
// the last-failure time when stampFailure is set (transitions to OPEN).
func (c *Cache) SetBreakerState(ctx context.Context, providerID int, state string, failures int, stampFailure bool) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, breakerKey(providerID, "state"), state, c.ttl.Breaker)
	pipe.Set(ctx, breakerKey(providerID, "failures"), failures, c.ttl.Breaker)
	if stampFailure {
		pipe.Set(ctx, breakerKey(providerID, "last_failure"),
			time.Now().UTC().Format(time.RFC3339Nano), c.ttl.Breaker)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set breaker state %d: %w", providerID, err)
	}
	return nil
}

// BreakerFailures reads the shared failure count; missing reads as zero.
func (c *Cache) BreakerFailures(ctx context.Context, providerID int) (int, error) {
	n, err := c.rdb.Get(ctx, breakerKey(providerID, "failures")).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get breaker failures %d: %w", providerID, err)
	}
	return n, nil
}

// IncrementBreakerFailures bumps the shared failure count and refreshes its
// TTL, returning the new count.
func (c *Cache) IncrementBreakerFailures(ctx context.Context, providerID int) (int, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, breakerKey(providerID, "failures"))
	pipe.Expire(ctx, breakerKey(providerID, "failures"), c.ttl.Breaker)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment breaker failures %d: %w", providerID, err)
	}
	return int(incr.Val()), nil
}

// ResetBreakerFailures clears the shared failure count.
func (c *Cache) ResetBreakerFailures(ctx context.Context, providerID int) error {
	if err := c.rdb.Del(ctx, breakerKey(providerID, "failures")).Err(); err != nil {
		return fmt.Errorf("reset breaker failures %d: %w", providerID, err)
	}
	return nil
}

// BreakerLastFailure reads the last-failure stamp. The second return is
// false when no stamp exists (expired or never written).
func (c *Cache) BreakerLastFailure(ctx context.Context, providerID int) (time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, breakerKey(providerID, "last_failure")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get breaker last failure %d: %w", providerID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// An unreadable stamp behaves as an expired one.
		return time.Time{}, false, nil
	}
	return ts, true, nil
}
