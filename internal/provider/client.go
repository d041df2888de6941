package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kroma-labs/fxgate/internal/currency"
)

// Option tunes a client at construction.
type Option func(*restClient)

// WithTimeout caps each request's round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *restClient) { c.hc.Timeout = d }
}

// WithRateLimit caps outbound calls per second.
func WithRateLimit(perSecond float64) Option {
	return func(c *restClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBaseURL overrides the production endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(c *restClient) { c.baseURL = u }
}

// WithHTTPClient swaps the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *restClient) { c.hc = hc }
}

// restClient is the shared HTTP plumbing under every provider: rate
// limiting, timing, status checks and JSON decoding.
type restClient struct {
	name    string
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newRESTClient(name, baseURL string, logger zerolog.Logger, opts ...Option) restClient {
	c := restClient{
		name:    name,
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 3 * time.Second},
		log:     logger.With().Str("component", "provider").Str("provider", name).Logger(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// get performs one GET and decodes the body into out. The returned status
// is 0 when the request never completed; elapsed always covers the full
// attempt including limiter wait.
func (c *restClient) get(ctx context.Context, endpoint string, query url.Values, header http.Header, out any) (status int, elapsed time.Duration, err error) {
	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, time.Since(start), fmt.Errorf("rate limit wait: %w", err)
		}
	}

	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, time.Since(start), fmt.Errorf("build request: %w", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, time.Since(start), fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	elapsed = time.Since(start)
	if err != nil {
		return resp.StatusCode, elapsed, fmt.Errorf("read response %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, elapsed, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, elapsed, fmt.Errorf("decode response %s: %w", endpoint, err)
	}
	return resp.StatusCode, elapsed, nil
}

// failedCall folds a transport-level error into a CallResult.
func (c *restClient) failedCall(endpoint string, status int, elapsed time.Duration, err error) currency.CallResult {
	c.log.Warn().Err(err).Str("endpoint", endpoint).Int("status", status).
		Dur("elapsed", elapsed).Msg("provider call failed")
	return currency.CallResult{
		Provider:     c.name,
		Endpoint:     endpoint,
		HTTPStatus:   status,
		Duration:     elapsed,
		Successful:   false,
		ErrorMessage: err.Error(),
	}
}
