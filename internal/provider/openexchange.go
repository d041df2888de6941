package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// OpenExchangeBaseURL is the production endpoint.
const OpenExchangeBaseURL = "https://openexchangerates.org/api"

// OpenExchangeName is the registry name of the Open Exchange Rates provider.
const OpenExchangeName = "OpenExchange"

// openExchangeEnvelope covers latest.json. Errors arrive as
// {"error": true, "description": "..."} with a non-2xx status, but the
// description is also honored on 2xx bodies.
type openExchangeEnvelope struct {
	Error       bool                       `json:"error"`
	Status      int                        `json:"status"`
	Message     string                     `json:"message"`
	Description string                     `json:"description"`
	Timestamp   int64                      `json:"timestamp"`
	Base        string                     `json:"base"`
	Rates       map[string]decimal.Decimal `json:"rates"`
}

func (e *openExchangeEnvelope) errorMessage() string {
	if e.Description != "" {
		return e.Description
	}
	if e.Message != "" {
		return e.Message
	}
	return "unknown API error"
}

// OpenExchange is the Open Exchange Rates client.
type OpenExchange struct {
	restClient
	appID string
}

// NewOpenExchange builds an Open Exchange Rates client.
func NewOpenExchange(appID string, logger zerolog.Logger, opts ...Option) *OpenExchange {
	return &OpenExchange{
		restClient: newRESTClient(OpenExchangeName, OpenExchangeBaseURL, logger, opts...),
		appID:      appID,
	}
}

func (o *OpenExchange) Name() string { return OpenExchangeName }

func (o *OpenExchange) latest(ctx context.Context, base string) (openExchangeEnvelope, currency.CallResult, bool) {
	q := url.Values{
		"app_id": []string{o.appID},
		"base":   []string{base},
	}

	var env openExchangeEnvelope
	status, elapsed, err := o.get(ctx, "latest.json", q, nil, &env)
	if err != nil {
		return env, o.failedCall("latest.json", status, elapsed, err), false
	}

	res := currency.CallResult{
		Provider:   OpenExchangeName,
		Endpoint:   "latest.json",
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if env.Error {
		res.ErrorMessage = env.errorMessage()
		return env, res, false
	}
	return env, res, true
}

func (o *OpenExchange) GetRate(ctx context.Context, base, target string) currency.CallResult {
	base, target = currency.Normalize(base), currency.Normalize(target)

	env, res, ok := o.latest(ctx, base)
	if !ok {
		if res.Rate == nil {
			rate := currency.FailedRate(OpenExchangeName, base, target, res.ErrorMessage)
			res.Rate = &rate
		}
		return res
	}

	value, found := env.Rates[target]
	if !found {
		res.ErrorMessage = fmt.Sprintf("Target currency %s not found in rates", target)
		rate := currency.FailedRate(OpenExchangeName, base, target, res.ErrorMessage)
		res.Rate = &rate
		return res
	}

	res.Successful = true
	res.Rate = &currency.Rate{
		Base:       base,
		Target:     target,
		Rate:       value,
		Timestamp:  openExchangeTimestamp(env.Timestamp),
		Provider:   OpenExchangeName,
		Successful: true,
	}
	return res
}

func (o *OpenExchange) GetAllRates(ctx context.Context, base string) currency.CallResult {
	base = currency.Normalize(base)

	env, res, ok := o.latest(ctx, base)
	if !ok {
		return res
	}

	ts := openExchangeTimestamp(env.Timestamp)
	rates := make([]currency.Rate, 0, len(env.Rates))
	for target, value := range env.Rates {
		rates = append(rates, currency.Rate{
			Base:       base,
			Target:     target,
			Rate:       value,
			Timestamp:  ts,
			Provider:   OpenExchangeName,
			Successful: true,
		})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Target < rates[j].Target })

	res.Successful = true
	res.Rates = rates
	return res
}

func (o *OpenExchange) GetSupportedCurrencies(ctx context.Context) currency.CallResult {
	// currencies.json is a bare {code: name} map with no envelope.
	q := url.Values{"app_id": []string{o.appID}}

	var catalog map[string]string
	status, elapsed, err := o.get(ctx, "currencies.json", q, nil, &catalog)
	if err != nil {
		return o.failedCall("currencies.json", status, elapsed, err)
	}

	codes := make([]string, 0, len(catalog))
	for code := range catalog {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	return currency.CallResult{
		Provider:   OpenExchangeName,
		Endpoint:   "currencies.json",
		HTTPStatus: status,
		Duration:   elapsed,
		Successful: true,
		Currencies: codes,
	}
}

func openExchangeTimestamp(unix int64) time.Time {
	if unix <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
