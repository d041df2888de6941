// Package breaker implements a per-provider circuit breaker whose state is
// shared through Redis, so every process sees the same verdict about a
// provider. Redis being unreachable never blocks traffic: reads fail open
// to CLOSED and write errors are logged, not returned.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN cycle.
type State string

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed State = "CLOSED"
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen State = "OPEN"
	// StateHalfOpen lets probe calls through; enough consecutive
	// successes close the breaker, any failure reopens it.
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError is returned when the breaker rejects a call without attempting
// the provider.
type OpenError struct {
	Provider    string
	Failures    int
	LastFailure time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s after %d failures (last failure %s)",
		e.Provider, e.Failures, e.LastFailure.Format(time.RFC3339))
}

// Store is the shared breaker state, keyed by provider ID. The cache layer
// implements it.
type Store interface {
	BreakerState(ctx context.Context, providerID int) (string, error)
	SetBreakerState(ctx context.Context, providerID int, state string, failures int, stampFailure bool) error
	BreakerFailures(ctx context.Context, providerID int) (int, error)
	IncrementBreakerFailures(ctx context.Context, providerID int) (int, error)
	ResetBreakerFailures(ctx context.Context, providerID int) error
	BreakerLastFailure(ctx context.Context, providerID int) (time.Time, bool, error)
}

// TransitionLogger persists state transitions for audit. Implementations
// must tolerate being called on every transition; errors are logged and
// never block the transition itself.
type TransitionLogger interface {
	LogBreakerTransition(ctx context.Context, providerID int, from, to string, failures int, reason string) error
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive probe successes required to
	// close a half-open breaker.
	SuccessThreshold int
}

// DefaultConfig matches the production tuning: open after 5 consecutive
// failures, probe after an hour, close after 2 good probes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
		SuccessThreshold: 2,
	}
}

// Status is a snapshot for health reporting.
type Status struct {
	Provider             string `json:"provider"`
	State                State  `json:"state"`
	Failures             int    `json:"failure_count"`
	FailureThreshold     int    `json:"failure_threshold"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	SuccessThreshold     int    `json:"success_threshold"`
	Healthy              bool   `json:"healthy"`
}

// Breaker guards calls to one provider. Failure counts and state live in
// the shared Store; only the half-open success streak is process-local,
// so each process proves recovery independently.
type Breaker struct {
	providerID int
	provider   string
	store      Store
	translog   TransitionLogger // optional
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	successes int
}

// New builds a breaker for one provider. translog may be nil.
func New(providerID int, provider string, store Store, translog TransitionLogger, cfg Config, logger zerolog.Logger) *Breaker {
	return &Breaker{
		providerID: providerID,
		provider:   provider,
		store:      store,
		translog:   translog,
		cfg:        cfg,
		log: logger.With().
			Str("component", "breaker").
			Str("provider", provider).
			Logger(),
		now: time.Now,
	}
}

// Provider returns the guarded provider's name.
func (b *Breaker) Provider() string { return b.provider }

// Call runs fn under the breaker. When the breaker is open and the cooldown
// has not elapsed, fn is not invoked and an *OpenError is returned. fn's
// error is passed through unchanged after the failure is recorded.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	state := b.currentState(ctx)

	if state == StateOpen {
		if !b.cooldownElapsed(ctx) {
			return b.rejection(ctx)
		}
		b.transition(ctx, state, StateHalfOpen, "attempting recovery", false)
		state = StateHalfOpen
	}

	if err := fn(ctx); err != nil {
		b.onFailure(ctx, state)
		return err
	}

	b.onSuccess(ctx, state)
	return nil
}

// currentState reads the shared state, failing open to CLOSED when Redis is
// unreachable so provider traffic is never blocked by cache trouble.
func (b *Breaker) currentState(ctx context.Context) State {
	raw, err := b.store.BreakerState(ctx, b.providerID)
	if err != nil {
		b.log.Warn().Err(err).Msg("breaker state unreadable, failing open to CLOSED")
		return StateClosed
	}
	switch State(raw) {
	case StateOpen, StateHalfOpen:
		return State(raw)
	default:
		return StateClosed
	}
}

// cooldownElapsed reports whether an open breaker may probe again. A
// missing last-failure stamp (expired key) counts as elapsed.
func (b *Breaker) cooldownElapsed(ctx context.Context) bool {
	last, ok, err := b.store.BreakerLastFailure(ctx, b.providerID)
	if err != nil {
		b.log.Warn().Err(err).Msg("last failure unreadable, allowing probe")
		return true
	}
	if !ok {
		return true
	}
	return b.now().Sub(last) >= b.cfg.RecoveryTimeout
}

func (b *Breaker) rejection(ctx context.Context) *OpenError {
	failures, _ := b.store.BreakerFailures(ctx, b.providerID)
	last, _, _ := b.store.BreakerLastFailure(ctx, b.providerID)
	return &OpenError{
		Provider:    b.provider,
		Failures:    failures,
		LastFailure: last,
	}
}

func (b *Breaker) onSuccess(ctx context.Context, state State) {
	if state == StateHalfOpen {
		b.mu.Lock()
		b.successes++
		streak := b.successes
		b.mu.Unlock()

		if streak >= b.cfg.SuccessThreshold {
			b.transition(ctx, state, StateClosed, "recovery successful", false)
			return
		}
		b.log.Debug().Int("successes", streak).Int("needed", b.cfg.SuccessThreshold).
			Msg("half-open probe succeeded")
		return
	}

	if err := b.store.ResetBreakerFailures(ctx, b.providerID); err != nil {
		b.log.Warn().Err(err).Msg("failed to reset failure count")
	}
}

func (b *Breaker) onFailure(ctx context.Context, state State) {
	if state == StateHalfOpen {
		b.transition(ctx, state, StateOpen, "failure during recovery", true)
		return
	}

	n, err := b.store.IncrementBreakerFailures(ctx, b.providerID)
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to record failure")
		return
	}
	if n >= b.cfg.FailureThreshold {
		b.transition(ctx, state, StateOpen,
			fmt.Sprintf("%d consecutive failures", n), true)
		return
	}
	b.log.Warn().Int("failures", n).Int("threshold", b.cfg.FailureThreshold).
		Msg("provider call failed")
}

// transition writes the new state to the shared store, resets the local
// probe streak, and appends to the durable transition log best-effort.
func (b *Breaker) transition(ctx context.Context, from, to State, reason string, stampFailure bool) {
	b.mu.Lock()
	b.successes = 0
	b.mu.Unlock()

	failures := 0
	if to == StateOpen {
		failures, _ = b.store.BreakerFailures(ctx, b.providerID)
		if failures == 0 {
			failures = b.cfg.FailureThreshold
		}
	}

	if err := b.store.SetBreakerState(ctx, b.providerID, string(to), failures, stampFailure); err != nil {
		b.log.Error().Err(err).Str("to", string(to)).Msg("failed to persist breaker transition")
	}
	if to == StateClosed {
		if err := b.store.ResetBreakerFailures(ctx, b.providerID); err != nil {
			b.log.Warn().Err(err).Msg("failed to reset failure count")
		}
	}

	evt := b.log.Info()
	if to == StateOpen {
		evt = b.log.Warn()
	}
	evt.Str("from", string(from)).Str("to", string(to)).Str("reason", reason).
		Msg("breaker state transition")

	if b.translog != nil {
		if err := b.translog.LogBreakerTransition(ctx, b.providerID, string(from), string(to), failures, reason); err != nil {
			b.log.Warn().Err(err).Msg("failed to log breaker transition")
		}
	}
}

// ForceOpen trips the breaker manually (maintenance, known outage).
func (b *Breaker) ForceOpen(ctx context.Context, reason string) {
	if reason == "" {
		reason = "forced open"
	}
	b.transition(ctx, b.currentState(ctx), StateOpen, reason, true)
}

// ForceReset closes the breaker and clears its counters.
func (b *Breaker) ForceReset(ctx context.Context) {
	b.transition(ctx, b.currentState(ctx), StateClosed, "forced reset", false)
}

// Status snapshots the breaker for health reporting.
func (b *Breaker) Status(ctx context.Context) Status {
	state := b.currentState(ctx)
	failures, _ := b.store.BreakerFailures(ctx, b.providerID)

	b.mu.Lock()
	streak := b.successes
	b.mu.Unlock()

	return Status{
		Provider:             b.provider,
		State:                state,
		Failures:             failures,
		FailureThreshold:     b.cfg.FailureThreshold,
		ConsecutiveSuccesses: streak,
		SuccessThreshold:     b.cfg.SuccessThreshold,
		Healthy:              state == StateClosed,
	}
}
