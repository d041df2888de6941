package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "FixerIO", cfg.PrimaryProvider)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, time.Hour, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, 2, cfg.BreakerSuccessThreshold)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTLRate)
	assert.Equal(t, []string{"USD", "EUR", "GBP", "NGN"}, cfg.WorkerBaseCurrencies)
	assert.Len(t, cfg.WorkerTargetCurrencies, 10)
	assert.Equal(t, 2*time.Minute, cfg.WorkerUpdateInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.CurrencyRefreshInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WORKER_BASE_CURRENCIES", "USD,EUR")
	t.Setenv("CB_FAILURE_THRESHOLD", "3")
	t.Setenv("WORKER_UPDATE_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"USD", "EUR"}, cfg.WorkerBaseCurrencies)
	assert.Equal(t, 3, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.WorkerUpdateInterval)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"given sub-second interval, then rejected",
			func(c *Config) { c.WorkerUpdateInterval = 500 * time.Millisecond },
			"WORKER_UPDATE_INTERVAL",
		},
		{
			"given empty base set, then rejected",
			func(c *Config) { c.WorkerBaseCurrencies = nil },
			"WORKER_BASE_CURRENCIES",
		},
		{
			"given bad currency code, then rejected",
			func(c *Config) { c.WorkerTargetCurrencies = []string{"USD", "E1"} },
			"invalid currency code",
		},
		{
			"given zero failure threshold, then rejected",
			func(c *Config) { c.BreakerFailureThreshold = 0 },
			"CB_FAILURE_THRESHOLD",
		},
		{
			"given negative deviation threshold, then rejected",
			func(c *Config) { c.DeviationThreshold = -1 },
			"DEVIATION_THRESHOLD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
