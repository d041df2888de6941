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

// FixerBaseURL is the production endpoint. The free tier is HTTP-only.
const FixerBaseURL = "http://data.fixer.io/api"

// FixerName is the registry name of the Fixer.io provider.
const FixerName = "FixerIO"

// fixerEnvelope is Fixer.io's response shape. Errors arrive in-band with
// success=false.
type fixerEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Info string `json:"info"`
	} `json:"error"`
	Timestamp int64                      `json:"timestamp"`
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Symbols   map[string]string          `json:"symbols"`
}

func (e *fixerEnvelope) errorMessage() string {
	if e.Error.Info != "" {
		return e.Error.Info
	}
	if e.Error.Type != "" {
		return e.Error.Type
	}
	return "unknown API error"
}

// FixerIO is the Fixer.io client, the default primary provider.
type FixerIO struct {
	restClient
	apiKey string
}

// NewFixerIO builds a Fixer.io client.
func NewFixerIO(apiKey string, logger zerolog.Logger, opts ...Option) *FixerIO {
	return &FixerIO{
		restClient: newRESTClient(FixerName, FixerBaseURL, logger, opts...),
		apiKey:     apiKey,
	}
}

func (f *FixerIO) Name() string { return FixerName }

func (f *FixerIO) query() url.Values {
	return url.Values{"access_key": []string{f.apiKey}}
}

func (f *FixerIO) GetRate(ctx context.Context, base, target string) currency.CallResult {
	base, target = currency.Normalize(base), currency.Normalize(target)

	q := f.query()
	q.Set("base", base)
	q.Set("symbols", target)

	var env fixerEnvelope
	status, elapsed, err := f.get(ctx, "latest", q, nil, &env)
	if err != nil {
		return f.failedCall("latest", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   FixerName,
		Endpoint:   "latest",
		HTTPStatus: status,
		Duration:   elapsed,
	}

	if !env.Success {
		res.ErrorMessage = env.errorMessage()
		rate := currency.FailedRate(FixerName, base, target, res.ErrorMessage)
		res.Rate = &rate
		return res
	}

	value, ok := env.Rates[target]
	if !ok {
		res.ErrorMessage = fmt.Sprintf("Target currency %s not found in rates", target)
		rate := currency.FailedRate(FixerName, base, target, res.ErrorMessage)
		res.Rate = &rate
		return res
	}

	res.Successful = true
	res.Rate = &currency.Rate{
		Base:       base,
		Target:     target,
		Rate:       value,
		Timestamp:  fixerTimestamp(env.Timestamp),
		Provider:   FixerName,
		Successful: true,
	}
	return res
}

func (f *FixerIO) GetAllRates(ctx context.Context, base string) currency.CallResult {
	base = currency.Normalize(base)

	q := f.query()
	q.Set("base", base)

	var env fixerEnvelope
	status, elapsed, err := f.get(ctx, "latest", q, nil, &env)
	if err != nil {
		return f.failedCall("latest", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   FixerName,
		Endpoint:   "latest",
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if !env.Success {
		res.ErrorMessage = env.errorMessage()
		return res
	}

	ts := fixerTimestamp(env.Timestamp)
	rates := make([]currency.Rate, 0, len(env.Rates))
	for target, value := range env.Rates {
		rates = append(rates, currency.Rate{
			Base:       base,
			Target:     target,
			Rate:       value,
			Timestamp:  ts,
			Provider:   FixerName,
			Successful: true,
		})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Target < rates[j].Target })

	res.Successful = true
	res.Rates = rates
	return res
}

func (f *FixerIO) GetSupportedCurrencies(ctx context.Context) currency.CallResult {
	var env fixerEnvelope
	status, elapsed, err := f.get(ctx, "symbols", f.query(), nil, &env)
	if err != nil {
		return f.failedCall("symbols", status, elapsed, err)
	}

	res := currency.CallResult{
		Provider:   FixerName,
		Endpoint:   "symbols",
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if !env.Success {
		res.ErrorMessage = env.errorMessage()
		return res
	}

	codes := make([]string, 0, len(env.Symbols))
	for code := range env.Symbols {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	res.Successful = true
	res.Currencies = codes
	return res
}

// fixerTimestamp converts Fixer's unix stamp, falling back to now when the
// payload omits it.
func fixerTimestamp(unix int64) time.Time {
	if unix <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
