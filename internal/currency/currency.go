// Package currency holds the value types that flow between the provider
// clients, the aggregator, the cache and the delivery surfaces: single
// provider quotes, fused results with confidence labels, and the frames
// published on the broadcast channel.
package currency

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Confidence labels how trustworthy a fused rate is, based on which
// providers contributed to it.
type Confidence string

const (
	// ConfidenceHigh means the primary provider contributed.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium means only secondary providers contributed.
	ConfidenceMedium Confidence = "medium"
	// ConfidenceLow means the rate is a stale fallback from storage.
	ConfidenceLow Confidence = "low"
)

// codePattern accepts standard ISO 4217 codes plus the longer
// provider-specific codes some catalogs carry (e.g. "USDT").
var codePattern = regexp.MustCompile(`^[A-Z]{3,5}$`)

// Normalize upper-cases and trims a currency code. It does not validate.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a plausible currency code after
// normalization. Catalog membership is checked separately by the validator.
func ValidCode(code string) bool {
	return codePattern.MatchString(Normalize(code))
}

// PairKey renders a pair in the canonical "BASE/TARGET" form used by the
// broadcast protocol and subscription filters.
func PairKey(base, target string) string {
	return Normalize(base) + "/" + Normalize(target)
}

// Rate is a single provider's quote for one pair. Failed lookups are
// represented in-band with Successful=false rather than as errors, so a
// partially failing batch can still be processed.
type Rate struct {
	Base         string          `json:"base_currency"`
	Target       string          `json:"target_currency"`
	Rate         decimal.Decimal `json:"rate"`
	Timestamp    time.Time       `json:"timestamp"`
	Provider     string          `json:"provider"`
	Successful   bool            `json:"successful"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// FailedRate builds an unsuccessful Rate carrying only the error context.
func FailedRate(provider, base, target, errMsg string) Rate {
	return Rate{
		Base:         Normalize(base),
		Target:       Normalize(target),
		Provider:     provider,
		Successful:   false,
		ErrorMessage: errMsg,
	}
}

// CallResult records the outcome of one provider API call: transport
// metadata for the call log plus whatever payload the call produced.
// Exactly one of Rate, Rates or Currencies is populated on success,
// depending on the operation.
type CallResult struct {
	Provider     string
	Endpoint     string
	HTTPStatus   int // 0 when the request never completed
	Duration     time.Duration
	Successful   bool
	ErrorMessage string

	Rate       *Rate
	Rates      []Rate
	Currencies []string
}

// OK reports whether the call produced a usable single-pair quote.
func (r CallResult) OK() bool {
	return r.Successful && r.Rate != nil && r.Rate.Successful
}

// AggregatedRate is the fused answer for one pair: the chosen rate, the
// confidence label, which providers contributed, and any advisory warnings
// (high deviation, primary unavailable, stale fallback).
type AggregatedRate struct {
	Base        string          `json:"base_currency"`
	Target      string          `json:"target_currency"`
	Rate        decimal.Decimal `json:"rate"`
	Confidence  Confidence      `json:"confidence_level"`
	Sources     []string        `json:"sources_used"`
	PrimaryUsed bool            `json:"is_primary_used"`
	Cached      bool            `json:"cached"`
	Timestamp   time.Time       `json:"timestamp"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Pair returns the canonical pair key for the result.
func (a AggregatedRate) Pair() string {
	return PairKey(a.Base, a.Target)
}

// Update is the frame published on the broadcast channel and forwarded to
// WebSocket subscribers for every freshly ingested rate.
type Update struct {
	Pair       string          `json:"pair"`
	Base       string          `json:"base_currency"`
	Target     string          `json:"target_currency"`
	Rate       decimal.Decimal `json:"rate"`
	Confidence Confidence      `json:"confidence_level"`
	Sources    []string        `json:"sources_used"`
	Cached     bool            `json:"cached"`
	Timestamp  time.Time       `json:"timestamp"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// UpdateFrom converts a fused result into its broadcast frame.
func UpdateFrom(a *AggregatedRate) Update {
	return Update{
		Pair:       a.Pair(),
		Base:       a.Base,
		Target:     a.Target,
		Rate:       a.Rate,
		Confidence: a.Confidence,
		Sources:    a.Sources,
		Cached:     a.Cached,
		Timestamp:  a.Timestamp,
		Warnings:   a.Warnings,
	}
}

// InvalidError reports a request for a currency the catalog does not
// support. The reason is safe to surface to API clients.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid currency: %s", e.Reason)
}
