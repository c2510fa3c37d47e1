package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.FallbackDelay)
	assert.Equal(t, 5*time.Second, cfg.SideChannelTimeout)
	assert.Equal(t, 30*time.Second, cfg.DQWarningThreshold)
	assert.Equal(t, 30*time.Second, cfg.SponsorRotationInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.SponsorTransition)
	assert.Equal(t, int64(0), cfg.SingleTenantTournamentID)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "1500")
	t.Setenv("FALLBACK_DELAY_MS", "10000")
	t.Setenv("SINGLE_TENANT_TOURNAMENT_ID", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, 1500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.FallbackDelay)
	assert.Equal(t, int64(7), cfg.SingleTenantTournamentID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "soon")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestGovernorRatesMissingFileUsesDefaults(t *testing.T) {
	rates, err := LoadGovernorRates(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultGovernorRates(), rates)
	assert.Equal(t, 2*time.Hour, rates.UpcomingWindow())
}

func TestGovernorRatesFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	body := []byte("active: { rps: 10, burst: 8 }\nupcoming_window_minutes: 45\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	rates, err := LoadGovernorRates(path)

	require.NoError(t, err)
	assert.Equal(t, 10.0, rates.Active.RequestsPerSec)
	assert.Equal(t, 8, rates.Active.Burst)
	// untouched modes keep their defaults
	assert.Equal(t, DefaultGovernorRates().Idle, rates.Idle)
	assert.Equal(t, 45*time.Minute, rates.UpcomingWindow())
}

func TestGovernorRatesRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := LoadGovernorRates(path)
	assert.Error(t, err)
}
