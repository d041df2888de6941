package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/kroma-labs/fxgate/internal/aggregate"
	"github.com/kroma-labs/fxgate/internal/breaker"
	"github.com/kroma-labs/fxgate/internal/currency"
)

// RateService is the aggregator surface the handlers need.
type RateService interface {
	GetRate(ctx context.Context, base, target string) (*currency.AggregatedRate, error)
	GetAllRates(ctx context.Context, base string) (map[string]*currency.AggregatedRate, error)
	Health(ctx context.Context) (string, map[string]aggregate.ProviderHealth)
	Breaker(providerName string) *breaker.Breaker
}

// ConvertRequest is the conversion body.
type ConvertRequest struct {
	From   string          `json:"from_currency"`
	To     string          `json:"to_currency"`
	Amount decimal.Decimal `json:"amount"`
}

// ConvertResponse carries the converted amount rounded to 2 decimal places
// alongside the rate that produced it.
type ConvertResponse struct {
	From            string              `json:"from_currency"`
	To              string              `json:"to_currency"`
	Amount          decimal.Decimal     `json:"amount"`
	ConvertedAmount decimal.Decimal     `json:"converted_amount"`
	ExchangeRate    decimal.Decimal     `json:"exchange_rate"`
	Confidence      currency.Confidence `json:"confidence_level"`
	Timestamp       time.Time           `json:"timestamp"`
	Warnings        []string            `json:"warnings,omitempty"`
}

// RateRequest is the rate-only body.
type RateRequest struct {
	From string `json:"from_currency"`
	To   string `json:"to_currency"`
}

// RateResponse is the rate-only answer.
type RateResponse struct {
	From         string              `json:"from_currency"`
	To           string              `json:"to_currency"`
	ExchangeRate decimal.Decimal     `json:"exchange_rate"`
	Confidence   currency.Confidence `json:"confidence_level"`
	Sources      []string            `json:"sources_used"`
	Cached       bool                `json:"cached"`
	Timestamp    time.Time           `json:"timestamp"`
	Warnings     []string            `json:"warnings,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.convert(w, r, req)
}

func (s *Server) handleConvertGet(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(chi.URLParam(r, "amount"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	s.convert(w, r, ConvertRequest{
		From:   chi.URLParam(r, "from"),
		To:     chi.URLParam(r, "to"),
		Amount: amount,
	})
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request, req ConvertRequest) {
	if !req.Amount.IsPositive() {
		WriteError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if !currency.ValidCode(req.From) || !currency.ValidCode(req.To) {
		WriteError(w, http.StatusBadRequest, "invalid currency codes")
		return
	}

	agg, err := s.rates.GetRate(r.Context(), req.From, req.To)
	if err != nil {
		s.writeRateError(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, ConvertResponse{
		From:            currency.Normalize(req.From),
		To:              currency.Normalize(req.To),
		Amount:          req.Amount,
		ConvertedAmount: req.Amount.Mul(agg.Rate).Round(2),
		ExchangeRate:    agg.Rate,
		Confidence:      agg.Confidence,
		Timestamp:       agg.Timestamp,
		Warnings:        agg.Warnings,
	})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.rate(w, r, req.From, req.To)
}

func (s *Server) handleRateGet(w http.ResponseWriter, r *http.Request) {
	s.rate(w, r, chi.URLParam(r, "from"), chi.URLParam(r, "to"))
}

func (s *Server) rate(w http.ResponseWriter, r *http.Request, from, to string) {
	if !currency.ValidCode(from) || !currency.ValidCode(to) {
		WriteError(w, http.StatusBadRequest, "invalid currency codes")
		return
	}

	agg, err := s.rates.GetRate(r.Context(), from, to)
	if err != nil {
		s.writeRateError(w, r, err)
		return
	}

	WriteSuccess(w, http.StatusOK, RateResponse{
		From:         agg.Base,
		To:           agg.Target,
		ExchangeRate: agg.Rate,
		Confidence:   agg.Confidence,
		Sources:      agg.Sources,
		Cached:       agg.Cached,
		Timestamp:    agg.Timestamp,
		Warnings:     agg.Warnings,
	})
}

func (s *Server) handleAllRates(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	if !currency.ValidCode(base) {
		WriteError(w, http.StatusBadRequest, "invalid currency codes")
		return
	}

	all, err := s.rates.GetAllRates(r.Context(), base)
	if err != nil {
		s.writeRateError(w, r, err)
		return
	}
	WriteSuccess(w, http.StatusOK, all)
}

// BreakerAdminRequest drives the manual breaker hooks.
type BreakerAdminRequest struct {
	Action string `json:"action"` // "open" or "reset"
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleBreakerAdmin(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	br := s.rates.Breaker(providerName)
	if br == nil {
		WriteError(w, http.StatusNotFound, "unknown provider")
		return
	}

	var req BreakerAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "open":
		br.ForceOpen(r.Context(), req.Reason)
	case "reset":
		br.ForceReset(r.Context())
	default:
		WriteError(w, http.StatusBadRequest, "action must be \"open\" or \"reset\"")
		return
	}

	WriteSuccess(w, http.StatusOK, br.Status(r.Context()))
}

func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, s.hub.Stats())
}

// writeRateError maps aggregation failures onto the API contract: invalid
// currencies are the client's fault, no-rate means try again later, and
// anything else is an opaque 500. Internal detail never leaks to clients.
func (s *Server) writeRateError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *currency.InvalidError
	switch {
	case errors.As(err, &invalid):
		WriteError(w, http.StatusBadRequest, invalid.Reason)
	case errors.Is(err, aggregate.ErrNoRateAvailable):
		WriteError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		s.log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).
			Msg("rate request failed")
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
