package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFixerIOGetRate(t *testing.T) {
	t.Run("given a successful payload, then the quote is parsed", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/latest", r.URL.Path)
			assert.Equal(t, "test-key", r.URL.Query().Get("access_key"))
			assert.Equal(t, "USD", r.URL.Query().Get("base"))
			assert.Equal(t, "EUR", r.URL.Query().Get("symbols"))
			_, _ = w.Write([]byte(`{"success":true,"timestamp":1756026000,"base":"USD","rates":{"EUR":0.85501234}}`))
		})
		f := NewFixerIO("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := f.GetRate(context.Background(), "usd", "eur")

		require.True(t, res.OK())
		assert.Equal(t, http.StatusOK, res.HTTPStatus)
		assert.True(t, res.Rate.Rate.Equal(decimal.RequireFromString("0.85501234")))
		assert.Equal(t, time.Unix(1756026000, 0).UTC(), res.Rate.Timestamp)
		assert.Equal(t, FixerName, res.Rate.Provider)
	})

	t.Run("given an API error envelope, then the info is surfaced", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":101,"type":"invalid_access_key","info":"You have not supplied a valid API Access Key."}}`))
		})
		f := NewFixerIO("bad-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := f.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.OK())
		assert.Contains(t, res.ErrorMessage, "valid API Access Key")
		require.NotNil(t, res.Rate)
		assert.False(t, res.Rate.Successful)
	})

	t.Run("given the target missing from rates, then a logical failure", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"rates":{"GBP":0.78}}`))
		})
		f := NewFixerIO("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := f.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.OK())
		assert.Contains(t, res.ErrorMessage, "Target currency EUR not found")
	})

	t.Run("given a missing timestamp, then now is used", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"rates":{"EUR":0.85}}`))
		})
		f := NewFixerIO("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := f.GetRate(context.Background(), "USD", "EUR")

		require.True(t, res.OK())
		assert.WithinDuration(t, time.Now(), res.Rate.Timestamp, time.Minute)
	})

	t.Run("given a timeout, then a failed result with status 0", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"success":true}`))
		})
		f := NewFixerIO("test-key", zerolog.Nop(),
			WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))

		res := f.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.Successful)
		assert.Zero(t, res.HTTPStatus)
		assert.NotEmpty(t, res.ErrorMessage)
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("given a non-2xx status, then a failed result", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		f := NewFixerIO("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := f.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.Successful)
		assert.Equal(t, http.StatusBadGateway, res.HTTPStatus)
	})
}

func TestFixerIOBatchAndCatalog(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest":
			_, _ = w.Write([]byte(`{"success":true,"timestamp":1756026000,"rates":{"EUR":0.855,"GBP":0.78,"JPY":147.2}}`))
		case "/symbols":
			_, _ = w.Write([]byte(`{"success":true,"symbols":{"USD":"United States Dollar","EUR":"Euro","GBP":"British Pound"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	f := NewFixerIO("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

	t.Run("given a batch call, then every quoted target is returned sorted", func(t *testing.T) {
		res := f.GetAllRates(context.Background(), "USD")
		require.True(t, res.Successful)
		require.Len(t, res.Rates, 3)
		assert.Equal(t, "EUR", res.Rates[0].Target)
		assert.Equal(t, "JPY", res.Rates[2].Target)
	})

	t.Run("given a catalog call, then codes are returned sorted", func(t *testing.T) {
		res := f.GetSupportedCurrencies(context.Background())
		require.True(t, res.Successful)
		assert.Equal(t, []string{"EUR", "GBP", "USD"}, res.Currencies)
	})
}

func TestOpenExchange(t *testing.T) {
	t.Run("given a successful payload, then the quote is parsed", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/latest.json", r.URL.Path)
			assert.Equal(t, "test-app", r.URL.Query().Get("app_id"))
			_, _ = w.Write([]byte(`{"timestamp":1756026000,"base":"USD","rates":{"EUR":0.856}}`))
		})
		o := NewOpenExchange("test-app", zerolog.Nop(), WithBaseURL(srv.URL))

		res := o.GetRate(context.Background(), "USD", "EUR")

		require.True(t, res.OK())
		assert.True(t, res.Rate.Rate.Equal(decimal.RequireFromString("0.856")))
	})

	t.Run("given an error envelope on 2xx, then the description is surfaced", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":true,"status":401,"message":"invalid_app_id","description":"Invalid App ID provided"}`))
		})
		o := NewOpenExchange("bad-app", zerolog.Nop(), WithBaseURL(srv.URL))

		res := o.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.OK())
		assert.Contains(t, res.ErrorMessage, "Invalid App ID")
	})

	t.Run("given the bare currencies map, then codes are parsed", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/currencies.json", r.URL.Path)
			_, _ = w.Write([]byte(`{"USD":"United States Dollar","EUR":"Euro"}`))
		})
		o := NewOpenExchange("test-app", zerolog.Nop(), WithBaseURL(srv.URL))

		res := o.GetSupportedCurrencies(context.Background())

		require.True(t, res.Successful)
		assert.Equal(t, []string{"EUR", "USD"}, res.Currencies)
	})
}

func TestCurrencyAPI(t *testing.T) {
	t.Run("given a successful payload, then the quote and meta stamp are parsed", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/latest", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("apikey"))
			assert.Equal(t, "USD", r.URL.Query().Get("base_currency"))
			_, _ = w.Write([]byte(`{"meta":{"last_updated_at":"2026-08-24T09:59:59Z"},"data":{"EUR":{"code":"EUR","value":0.8542}}}`))
		})
		c := NewCurrencyAPI("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := c.GetRate(context.Background(), "USD", "EUR")

		require.True(t, res.OK())
		assert.True(t, res.Rate.Rate.Equal(decimal.RequireFromString("0.8542")))
		assert.Equal(t, time.Date(2026, 8, 24, 9, 59, 59, 0, time.UTC), res.Rate.Timestamp)
	})

	t.Run("given a string-encoded value, then it still parses exactly", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"EUR":{"code":"EUR","value":"0.85420001"}}}`))
		})
		c := NewCurrencyAPI("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := c.GetRate(context.Background(), "USD", "EUR")

		require.True(t, res.OK())
		assert.True(t, res.Rate.Rate.Equal(decimal.RequireFromString("0.85420001")))
	})

	t.Run("given a missing data field, then a logical failure", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"message":"Invalid authentication credentials"}`))
		})
		c := NewCurrencyAPI("bad-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := c.GetRate(context.Background(), "USD", "EUR")

		assert.False(t, res.OK())
		assert.Contains(t, res.ErrorMessage, "missing data field")
	})

	t.Run("given the currencies catalog, then codes are parsed", func(t *testing.T) {
		srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/currencies", r.URL.Path)
			_, _ = w.Write([]byte(`{"data":{"USD":{"code":"USD","value":0},"EUR":{"code":"EUR","value":0}}}`))
		})
		c := NewCurrencyAPI("test-key", zerolog.Nop(), WithBaseURL(srv.URL))

		res := c.GetSupportedCurrencies(context.Background())

		require.True(t, res.Successful)
		assert.Equal(t, []string{"EUR", "USD"}, res.Currencies)
	})
}
