package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 3, cfg.TxMaxRetries)
	require.Equal(t, 5*time.Minute, cfg.ReportCacheTTL)
	require.Equal(t, "5 0 * * *", cfg.RentalChargeCron)
	require.False(t, cfg.ApplyAsync)
	require.Equal(t, allocation.ScopeCustomer, cfg.Scope())
	require.NotNil(t, cfg.Clock())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ALLOCATION_SCOPE", "rental")
	t.Setenv("APPLY_ASYNC", "true")
	t.Setenv("APP_TIMEZONE", "UTC")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, allocation.ScopeRental, cfg.Scope())
	require.True(t, cfg.ApplyAsync)
	require.Equal(t, time.UTC, cfg.Location())
	require.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value string
		contains   string
	}{
		"scope":    {"ALLOCATION_SCOPE", "fleet", "ALLOCATION_SCOPE"},
		"timezone": {"APP_TIMEZONE", "Mars/Olympus", "APP_TIMEZONE"},
		"format":   {"LOG_FORMAT", "xml", "LOG_FORMAT"},
		"level":    {"LOG_LEVEL", "loud", "LOG_LEVEL"},
		"retries":  {"TX_MAX_RETRIES", "-1", "TX_MAX_RETRIES"},
		"cron":     {"RENTAL_CHARGE_CRON", " ", "cron"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfig()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "payment_id", 4)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"payment_id":4`)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
