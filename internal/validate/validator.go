// Package validate answers "is this pair quotable?" before any provider is
// called. Lookups go validation cache -> hot top set -> full catalog, and
// every infrastructure error fails open: a broken cache or database must
// never block rate traffic.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/fxgate/internal/cache"
	"github.com/kroma-labs/fxgate/internal/currency"
	"github.com/kroma-labs/fxgate/internal/provider"
)

// popularCurrencies seeds the hot set; only codes actually present in the
// catalog make it into the cache.
var popularCurrencies = []string{
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF", "CNY", "NGN", "INR",
}

// CatalogStore is the durable side of the currency catalog; the Postgres
// store implements it.
type CatalogStore interface {
	SupportedCurrencies(ctx context.Context) ([]string, error)
	UpsertCurrencies(ctx context.Context, codes []string) error
	CurrencyCatalogAge(ctx context.Context) (time.Time, bool, error)
}

// Validator checks currency support and maintains the catalog.
type Validator struct {
	cache           *cache.Cache
	store           CatalogStore
	providers       []provider.Provider
	refreshInterval time.Duration
	log             zerolog.Logger
}

// New builds a Validator. providers are only consulted during catalog
// refresh, never on the request path.
func New(c *cache.Cache, store CatalogStore, providers []provider.Provider, refreshInterval time.Duration, logger zerolog.Logger) *Validator {
	return &Validator{
		cache:           c,
		store:           store,
		providers:       providers,
		refreshInterval: refreshInterval,
		log:             logger.With().Str("component", "validator").Logger(),
	}
}

// Validate reports whether both codes are quotable. The reason is non-empty
// only on a definitive rejection; infrastructure trouble fails open with an
// empty reason.
func (v *Validator) Validate(ctx context.Context, base, target string) (bool, string) {
	base, target = currency.Normalize(base), currency.Normalize(target)

	if !currency.ValidCode(base) || !currency.ValidCode(target) {
		return false, fmt.Sprintf("Invalid currency code format: %s/%s", base, target)
	}

	if res, err := v.cache.GetValidation(ctx, base, target); err == nil && res != nil {
		return res.Valid, res.Reason
	} else if err != nil {
		v.log.Warn().Err(err).Msg("validation cache unreadable")
	}

	if top, err := v.cache.GetTopCurrencies(ctx); err == nil && len(top) > 0 {
		if contains(top, base) && contains(top, target) {
			v.cacheVerdict(ctx, base, target, cache.ValidationResult{Valid: true})
			return true, ""
		}
	} else if err != nil {
		v.log.Warn().Err(err).Msg("top currencies unreadable")
	}

	catalog, err := v.store.SupportedCurrencies(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("currency catalog unreadable, failing open")
		return true, ""
	}
	if len(catalog) == 0 {
		// No catalog yet (first boot, refresh pending): let traffic through.
		return true, ""
	}

	var unsupported []string
	for _, code := range []string{base, target} {
		if !contains(catalog, code) {
			unsupported = append(unsupported, code)
		}
	}

	verdict := cache.ValidationResult{Valid: len(unsupported) == 0}
	if !verdict.Valid {
		verdict.Reason = "Unsupported currency(ies): " + strings.Join(unsupported, ", ")
	}
	v.cacheVerdict(ctx, base, target, verdict)
	return verdict.Valid, verdict.Reason
}

func (v *Validator) cacheVerdict(ctx context.Context, base, target string, res cache.ValidationResult) {
	if err := v.cache.SetValidation(ctx, base, target, res); err != nil {
		v.log.Warn().Err(err).Msg("failed to cache validation verdict")
	}
}

// RefreshIfStale rebuilds the catalog when it is empty or older than the
// refresh interval.
func (v *Validator) RefreshIfStale(ctx context.Context) error {
	stamp, ok, err := v.store.CurrencyCatalogAge(ctx)
	if err != nil {
		return fmt.Errorf("check catalog age: %w", err)
	}
	if ok && time.Since(stamp) < v.refreshInterval {
		v.log.Debug().Time("updated_at", stamp).Msg("currency catalog fresh")
		return nil
	}
	return v.Refresh(ctx)
}

// Refresh unions every provider's catalog into the durable store and
// replaces the hot top set. Providers that fail contribute nothing; the
// refresh fails only when no provider answered.
func (v *Validator) Refresh(ctx context.Context) error {
	union := make(map[string]struct{})
	answered := 0

	for _, p := range v.providers {
		res := p.GetSupportedCurrencies(ctx)
		if !res.Successful {
			v.log.Warn().Str("provider", p.Name()).Str("error", res.ErrorMessage).
				Msg("catalog fetch failed")
			continue
		}
		answered++
		for _, code := range res.Currencies {
			if currency.ValidCode(code) {
				union[currency.Normalize(code)] = struct{}{}
			}
		}
	}

	if answered == 0 {
		return fmt.Errorf("currency catalog refresh: no provider answered")
	}

	codes := make([]string, 0, len(union))
	for code := range union {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	if err := v.store.UpsertCurrencies(ctx, codes); err != nil {
		return fmt.Errorf("persist currency catalog: %w", err)
	}

	var top []string
	for _, code := range popularCurrencies {
		if _, ok := union[code]; ok {
			top = append(top, code)
		}
	}
	if len(top) == 0 && len(codes) > 0 {
		if len(codes) > 10 {
			top = codes[:10]
		} else {
			top = codes
		}
	}
	if err := v.cache.SetTopCurrencies(ctx, top); err != nil {
		v.log.Warn().Err(err).Msg("failed to cache top currencies")
	}

	v.log.Info().Int("currencies", len(codes)).Int("providers", answered).
		Msg("currency catalog refreshed")
	return nil
}

func contains(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
