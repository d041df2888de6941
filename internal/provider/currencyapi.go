package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// CurrencyAPIBaseURL is the production endpoint.
const CurrencyAPIBaseURL = "https://api.currencyapi.com/v3"

// CurrencyAPIName is the registry name of the currencyapi.com provider.
const CurrencyAPIName = "CurrencyAPI"

// currencyAPIEnvelope covers /latest and /currencies. Values may arrive as
// JSON numbers or strings; decimal.Decimal accepts both losslessly.
type currencyAPIEnvelope struct {
	Meta struct {
		LastUpdatedAt string `json:"last_updated_at"`
	} `json:"meta"`
	Data map[string]struct {
		Code  string          `json:"code"`
		Value decimal.Decimal `json:"value"`
	} `json:"data"`
}

// CurrencyAPI is the currencyapi.com client. Auth goes in the apikey
// header, not the query string.
type CurrencyAPI struct {
	restClient
	apiKey string
}

// NewCurrencyAPI builds a currencyapi.com client.
func NewCurrencyAPI(apiKey string, logger zerolog.Logger, opts ...Option) *CurrencyAPI {
	return &CurrencyAPI{
		restClient: newRESTClient(CurrencyAPIName, CurrencyAPIBaseURL, logger, opts...),
		apiKey:     apiKey,
	}
}

func (c *CurrencyAPI) Name() string { return CurrencyAPIName }

func (c *CurrencyAPI) header() http.Header {
	return http.Header{"apikey": []string{c.apiKey}}
}

func (c *CurrencyAPI) GetRate(ctx context.Context, base, target string) currency.CallResult {
	base, target = currency.Normalize(base), currency.Normalize(target)

	q := url.Values{
		"base_currency": []string{base},
		"currencies":    []string{target},
	}

	var env currencyAPIEnvelope
	status, elapsed, err := c.get(ctx, "latest", q, c.header(), &env)
	if err != nil {
		return c.failedCall("latest", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   CurrencyAPIName,
		Endpoint:   "latest",
		HTTPStatus: status,
		Duration:   elapsed,
	}

	if env.Data == nil {
		res.ErrorMessage = "missing data field in response"
		rate := currency.FailedRate(CurrencyAPIName, base, target, res.ErrorMessage)
		res.Rate = &rate
		return res
	}

	entry, ok := env.Data[target]
	if !ok {
		res.ErrorMessage = fmt.Sprintf("Target currency %s not found in rates", target)
		rate := currency.FailedRate(CurrencyAPIName, base, target, res.ErrorMessage)
		res.Rate = &rate
		return res
	}

	res.Successful = true
	res.Rate = &currency.Rate{
		Base:       base,
		Target:     target,
		Rate:       entry.Value,
		Timestamp:  currencyAPITimestamp(env.Meta.LastUpdatedAt),
		Provider:   CurrencyAPIName,
		Successful: true,
	}
	return res
}

func (c *CurrencyAPI) GetAllRates(ctx context.Context, base string) currency.CallResult {
	base = currency.Normalize(base)

	q := url.Values{"base_currency": []string{base}}

	var env currencyAPIEnvelope
	status, elapsed, err := c.get(ctx, "latest", q, c.header(), &env)
	if err != nil {
		return c.failedCall("latest", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   CurrencyAPIName,
		Endpoint:   "latest",
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if env.Data == nil {
		res.ErrorMessage = "missing data field in response"
		return res
	}

	ts := currencyAPITimestamp(env.Meta.LastUpdatedAt)
	rates := make([]currency.Rate, 0, len(env.Data))
	for target, entry := range env.Data {
		rates = append(rates, currency.Rate{
			Base:       base,
			Target:     target,
			Rate:       entry.Value,
			Timestamp:  ts,
			Provider:   CurrencyAPIName,
			Successful: true,
		})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Target < rates[j].Target })

	res.Successful = true
	res.Rates = rates
	return res
}

func (c *CurrencyAPI) GetSupportedCurrencies(ctx context.Context) currency.CallResult {
	var env currencyAPIEnvelope
	status, elapsed, err := c.get(ctx, "currencies", nil, c.header(), &env)
	if err != nil {
		return c.failedCall("currencies", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   CurrencyAPIName,
		Endpoint:   "currencies",
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if env.Data == nil {
		res.ErrorMessage = "missing data field in response"
		return res
	}

	codes := make([]string, 0, len(env.Data))
	for code := range env.Data {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	res.Successful = true
	res.Currencies = codes
	return res
}

// currencyAPITimestamp parses the ISO-8601 stamp, falling back to now when
// it is absent or unparseable.
func currencyAPITimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}
