// Package app builds the service graph shared by the API server and the
// ingestor binaries: connections, provider registry, breakers, validator
// and aggregator, constructed in dependency order.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/fxgate/internal/aggregate"
	"github.com/kroma-labs/fxgate/internal/breaker"
	"github.com/kroma-labs/fxgate/internal/cache"
	"github.com/kroma-labs/fxgate/internal/config"
	"github.com/kroma-labs/fxgate/internal/metrics"
	"github.com/kroma-labs/fxgate/internal/provider"
	"github.com/kroma-labs/fxgate/internal/store"
	"github.com/kroma-labs/fxgate/internal/validate"
)

// App is the constructed service graph.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	DB         *sqlx.DB
	Redis      *redis.Client
	Cache      *cache.Cache
	Store      *store.Store
	Providers  []provider.Provider
	Breakers   map[string]*breaker.Breaker
	Validator  *validate.Validator
	Aggregator *aggregate.Aggregator
	Metrics    *metrics.Metrics
}

// NewLogger builds the root logger from the configured level.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// Build connects to the backing services (with startup retry), registers
// the providers and wires the aggregation graph.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*App, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := connectWithRetry(ctx, "redis", logger, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return nil, err
	}

	var db *sqlx.DB
	if err := connectWithRetry(ctx, "postgres", logger, func(ctx context.Context) error {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		return err
	}); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}

	c := cache.New(rdb, cache.TTLs{
		Rate:          cfg.CacheTTLRate,
		ValidationPos: cfg.CacheTTLValidationPos,
		ValidationNeg: cfg.CacheTTLValidationNeg,
		Breaker:       cfg.CacheTTLBreaker,
		TopCurrencies: cfg.CacheTTLTopCurrencies,
	}, logger)

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		_ = rdb.Close()
		_ = db.Close()
		return nil, fmt.Errorf("no provider credentials configured")
	}

	providerIDs := registerProviders(ctx, cfg, st, providers, logger)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	}
	breakers := make(map[string]*breaker.Breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = breaker.New(providerIDs[p.Name()], p.Name(), c, st, breakerCfg, logger)
	}

	validator := validate.New(c, st, providers, cfg.CurrencyRefreshInterval, logger)

	agg := aggregate.New(aggregate.Options{
		Primary:            cfg.PrimaryProvider,
		Providers:          providers,
		Breakers:           breakers,
		ProviderIDs:        providerIDs,
		Cache:              c,
		Store:              st,
		Validator:          validator,
		DeviationThreshold: cfg.DeviationThreshold,
		Metrics:            m,
		Logger:             logger,
	})

	return &App{
		Config:     cfg,
		Log:        logger,
		DB:         db,
		Redis:      rdb,
		Cache:      c,
		Store:      st,
		Providers:  providers,
		Breakers:   breakers,
		Validator:  validator,
		Aggregator: agg,
		Metrics:    m,
	}, nil
}

// Close releases the connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// buildProviders wires every provider whose credential is present, primary
// first.
func buildProviders(cfg *config.Config, logger zerolog.Logger) []provider.Provider {
	var providers []provider.Provider

	if cfg.FixerIOAPIKey != "" {
		providers = append(providers, provider.NewFixerIO(cfg.FixerIOAPIKey, logger,
			provider.WithTimeout(cfg.FixerIOTimeout),
			provider.WithRateLimit(cfg.ProviderRateLimit)))
	}
	if cfg.OpenExchangeAppID != "" {
		providers = append(providers, provider.NewOpenExchange(cfg.OpenExchangeAppID, logger,
			provider.WithTimeout(cfg.OpenExchangeTimeout),
			provider.WithRateLimit(cfg.ProviderRateLimit)))
	}
	if cfg.CurrencyAPIKey != "" {
		providers = append(providers, provider.NewCurrencyAPI(cfg.CurrencyAPIKey, logger,
			provider.WithTimeout(cfg.CurrencyAPITimeout),
			provider.WithRateLimit(cfg.ProviderRateLimit)))
	}

	// The configured primary goes first so registry priority follows it.
	for i, p := range providers {
		if p.Name() == cfg.PrimaryProvider && i != 0 {
			providers[0], providers[i] = providers[i], providers[0]
		}
	}
	return providers
}

// registerProviders persists the registry and returns the stable IDs the
// breakers key on. When the database is unreachable the priority order
// doubles as the ID, so breakers still share state across processes.
func registerProviders(ctx context.Context, cfg *config.Config, st *store.Store, providers []provider.Provider, logger zerolog.Logger) map[string]int {
	baseURLs := map[string]string{
		provider.FixerName:        provider.FixerBaseURL,
		provider.OpenExchangeName: provider.OpenExchangeBaseURL,
		provider.CurrencyAPIName:  provider.CurrencyAPIBaseURL,
	}

	ids := make(map[string]int, len(providers))
	for i, p := range providers {
		priority := i + 1
		id, err := st.EnsureProvider(ctx, p.Name(), baseURLs[p.Name()],
			p.Name() == cfg.PrimaryProvider, priority)
		if err != nil {
			logger.Warn().Err(err).Str("provider", p.Name()).
				Msg("provider registration failed, using priority order as breaker id")
			id = priority
		}
		ids[p.Name()] = id
	}
	return ids
}

// connectWithRetry pings a backing service with exponential backoff so the
// binaries survive compose-style startup ordering.
func connectWithRetry(ctx context.Context, name string, logger zerolog.Logger, ping func(context.Context) error) error {
	operation := func() (struct{}, error) {
		if err := ping(ctx); err != nil {
			logger.Warn().Err(err).Str("service", name).Msg("connection attempt failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	logger.Info().Str("service", name).Msg("connected")
	return nil
}
