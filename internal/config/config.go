package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Storage
	DataDir string
	DBPath  string

	// Push fabric HTTP server
	HTTPHost string
	HTTPPort int

	// Polling
	PollInterval   time.Duration
	StaleThreshold time.Duration
	// SingleTenantTournamentID pins the poller to one tournament id and
	// skips the tenant scan. 0 selects the multi-tenant scan mode.
	SingleTenantTournamentID int64

	// Push fallback
	FallbackDelay      time.Duration
	SideChannelTimeout time.Duration
	DisplayMatchURL    string
	DisplayBracketURL  string
	DisplayFlyerURL    string

	// DQ timers
	DQDefaultDuration  time.Duration
	DQWarningThreshold time.Duration

	// Sponsor schedules
	SponsorRotationInterval time.Duration
	SponsorTransition       time.Duration
	SponsorShowDuration     time.Duration
	SponsorHideDuration     time.Duration

	// Rate governor / upstream mirror
	GovernorRatesPath string
	GovernorRecheck   time.Duration
	UpstreamBaseURL   string
	UpstreamAPIKey    string

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	dataDir := envStr("DATA_DIR", "./data")

	return &Config{
		DataDir: dataDir,
		DBPath:  envStr("DB_PATH", filepath.Join(dataDir, "bracketcast.db")),

		HTTPHost: envStr("HTTP_HOST", "0.0.0.0"),
		HTTPPort: envInt("HTTP_PORT", 8080),

		PollInterval:             time.Duration(envInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		StaleThreshold:           time.Duration(envInt("STALE_THRESHOLD_MS", 60000)) * time.Millisecond,
		SingleTenantTournamentID: int64(envInt("SINGLE_TENANT_TOURNAMENT_ID", 0)),

		FallbackDelay:      time.Duration(envInt("FALLBACK_DELAY_MS", 30000)) * time.Millisecond,
		SideChannelTimeout: time.Duration(envInt("SIDE_CHANNEL_TIMEOUT_MS", 5000)) * time.Millisecond,
		DisplayMatchURL:    envStr("DISPLAY_MATCH_URL", ""),
		DisplayBracketURL:  envStr("DISPLAY_BRACKET_URL", ""),
		DisplayFlyerURL:    envStr("DISPLAY_FLYER_URL", ""),

		DQDefaultDuration:  time.Duration(envInt("DQ_DEFAULT_DURATION_SEC", 300)) * time.Second,
		DQWarningThreshold: time.Duration(envInt("DQ_WARNING_THRESHOLD_SEC", 30)) * time.Second,

		SponsorRotationInterval: time.Duration(envInt("SPONSOR_ROTATION_INTERVAL_SEC", 30)) * time.Second,
		SponsorTransition:       time.Duration(envInt("SPONSOR_TRANSITION_MS", 500)) * time.Millisecond,
		SponsorShowDuration:     time.Duration(envInt("SPONSOR_SHOW_SEC", 20)) * time.Second,
		SponsorHideDuration:     time.Duration(envInt("SPONSOR_HIDE_SEC", 40)) * time.Second,

		GovernorRatesPath: envStr("GOVERNOR_RATES_PATH", "rates.yaml"),
		GovernorRecheck:   time.Duration(envInt("GOVERNOR_RECHECK_SEC", 60)) * time.Second,
		UpstreamBaseURL:   envStr("UPSTREAM_BASE_URL", ""),
		UpstreamAPIKey:    envStr("UPSTREAM_API_KEY", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
