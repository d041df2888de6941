// Package provider contains the clients for the external FX APIs. Every
// client exposes the same three operations and never returns an error:
// transport failures, non-2xx statuses, payload-level error envelopes and
// missing targets are all absorbed into the CallResult, so the aggregator
// can treat every provider uniformly and the call log captures every
// attempt.
package provider

import (
	"context"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// Provider is the uniform surface over a third-party FX API.
type Provider interface {
	// Name returns the stable provider name used in logs, the provider
	// registry and the breaker keys.
	Name() string
	// GetRate fetches one pair.
	GetRate(ctx context.Context, base, target string) currency.CallResult
	// GetAllRates fetches every rate the provider quotes for a base.
	GetAllRates(ctx context.Context, base string) currency.CallResult
	// GetSupportedCurrencies fetches the provider's currency catalog.
	GetSupportedCurrencies(ctx context.Context) currency.CallResult
}
