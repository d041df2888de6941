// Package store is the Postgres layer: provider registry, rate history,
// call and breaker audit logs, the supported-currency catalog, and the
// stale-rate query the aggregator falls back to when every provider is down.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// Store wraps the database handle with the service's queries.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New builds a Store on an existing handle.
func New(db *sqlx.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: logger.With().Str("component", "store").Logger(),
	}
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the schema idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureProvider registers a provider (or refreshes its row) and returns its
// stable ID, which keys the shared breaker state.
func (s *Store) EnsureProvider(ctx context.Context, name, baseURL string, isPrimary bool, priority int) (int, error) {
	const q = `
		INSERT INTO api_providers (name, base_url, is_primary, priority_order)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET base_url = EXCLUDED.base_url,
		    is_primary = EXCLUDED.is_primary,
		    priority_order = EXCLUDED.priority_order
		RETURNING id`

	var id int
	if err := s.db.QueryRowxContext(ctx, q, name, baseURL, isPrimary, priority).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure provider %s: %w", name, err)
	}
	return id, nil
}

func (s *Store) ensurePair(ctx context.Context, base, target string) (int, error) {
	const q = `
		INSERT INTO currency_pairs (base_currency, target_currency)
		VALUES ($1, $2)
		ON CONFLICT (base_currency, target_currency) DO UPDATE
		SET is_active = TRUE
		RETURNING id`

	var id int
	if err := s.db.QueryRowxContext(ctx, q, currency.Normalize(base), currency.Normalize(target)).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure pair %s/%s: %w", base, target, err)
	}
	return id, nil
}

// RecordRate appends one provider quote to the history table.
func (s *Store) RecordRate(ctx context.Context, base, target string, providerID int, rate decimal.Decimal, fetchedAt time.Time, confidence currency.Confidence) error {
	pairID, err := s.ensurePair(ctx, base, target)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO exchange_rates (currency_pair_id, provider_id, rate, fetched_at, is_successful, confidence_level)
		VALUES ($1, $2, $3, $4, TRUE, $5)`

	if _, err := s.db.ExecContext(ctx, q, pairID, providerID, rate, fetchedAt, string(confidence)); err != nil {
		return fmt.Errorf("record rate %s/%s: %w", base, target, err)
	}
	return nil
}

// StaleRate is the most recent successful quote for a pair, used as the
// last-resort fallback.
type StaleRate struct {
	Rate      decimal.Decimal `db:"rate"`
	Provider  string          `db:"provider"`
	FetchedAt time.Time       `db:"fetched_at"`
}

// LatestRate returns the newest successful historical quote for a pair, or
// nil when the pair has no history.
func (s *Store) LatestRate(ctx context.Context, base, target string) (*StaleRate, error) {
	const q = `
		SELECT er.rate AS rate, ap.name AS provider, er.fetched_at AS fetched_at
		FROM exchange_rates er
		JOIN currency_pairs cp ON cp.id = er.currency_pair_id
		JOIN api_providers ap ON ap.id = er.provider_id
		WHERE cp.base_currency = $1 AND cp.target_currency = $2 AND er.is_successful
		ORDER BY er.fetched_at DESC
		LIMIT 1`

	var row StaleRate
	err := s.db.GetContext(ctx, &row, q, currency.Normalize(base), currency.Normalize(target))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest rate %s/%s: %w", base, target, err)
	}
	return &row, nil
}

// LogAPICall appends one provider call to the audit log.
func (s *Store) LogAPICall(ctx context.Context, providerID int, endpoint string, httpStatus int, duration time.Duration, successful bool, errMsg string) error {
	const q = `
		INSERT INTO api_call_logs (provider_id, endpoint, http_status, response_time_ms, is_successful, error_message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`

	if _, err := s.db.ExecContext(ctx, q, providerID, endpoint, httpStatus, duration.Milliseconds(), successful, errMsg); err != nil {
		return fmt.Errorf("log api call %d %s: %w", providerID, endpoint, err)
	}
	return nil
}

// LogBreakerTransition appends one breaker transition to the audit log. It
// implements breaker.TransitionLogger.
func (s *Store) LogBreakerTransition(ctx context.Context, providerID int, from, to string, failures int, reason string) error {
	const q = `
		INSERT INTO circuit_breaker_logs (provider_id, from_state, to_state, failure_count, reason)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, q, providerID, from, to, failures, reason); err != nil {
		return fmt.Errorf("log breaker transition %d: %w", providerID, err)
	}
	return nil
}

// SupportedCurrencies returns the active catalog codes.
func (s *Store) SupportedCurrencies(ctx context.Context) ([]string, error) {
	var codes []string
	const q = `SELECT code FROM supported_currencies WHERE is_active ORDER BY code`
	if err := s.db.SelectContext(ctx, &codes, q); err != nil {
		return nil, fmt.Errorf("load supported currencies: %w", err)
	}
	return codes, nil
}

// UpsertCurrencies replaces catalog membership: listed codes become active
// with a fresh stamp, previously known codes missing from the union stay but
// go inactive.
func (s *Store) UpsertCurrencies(ctx context.Context, codes []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin currency upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE supported_currencies SET is_active = FALSE`); err != nil {
		return fmt.Errorf("deactivate currencies: %w", err)
	}

	const q = `
		INSERT INTO supported_currencies (code, is_active, updated_at)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (code) DO UPDATE SET is_active = TRUE, updated_at = NOW()`
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, q, currency.Normalize(code)); err != nil {
			return fmt.Errorf("upsert currency %s: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit currency upsert: %w", err)
	}
	return nil
}

// CurrencyCatalogAge returns the newest catalog stamp. The second return is
// false when the catalog is empty.
func (s *Store) CurrencyCatalogAge(ctx context.Context) (time.Time, bool, error) {
	var stamp sql.NullTime
	const q = `SELECT MAX(updated_at) FROM supported_currencies WHERE is_active`
	if err := s.db.GetContext(ctx, &stamp, q); err != nil {
		return time.Time{}, false, fmt.Errorf("catalog age: %w", err)
	}
	if !stamp.Valid {
		return time.Time{}, false, nil
	}
	return stamp.Time, true, nil
}
