// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestrator settings. Every field has an environment
// variable with a COACH_ prefix and a default suitable for development.
type Config struct {
	// Billing
	LedgerURL       string        // COACH_LEDGER_URL
	LedgerAPIKey    string        // COACH_LEDGER_API_KEY
	PointsPerMinute int           // COACH_POINTS_PER_MINUTE
	LedgerTimeout   time.Duration // COACH_LEDGER_TIMEOUT

	// Transports
	TokenURL        string        // COACH_TOKEN_URL (direct transport ephemeral tokens)
	DirectURL       string        // COACH_DIRECT_URL
	RelayURL        string        // COACH_RELAY_URL
	AlternateURL    string        // COACH_ALTERNATE_URL
	TransportAPIKey string        // COACH_TRANSPORT_API_KEY
	ConnectTimeout  time.Duration // COACH_CONNECT_TIMEOUT

	// Environment capabilities reported to the platform detector
	DirectSupported bool // COACH_DIRECT_SUPPORTED
	RelayOnly       bool // COACH_RELAY_ONLY

	// Session policy
	MaxDuration      time.Duration // COACH_MAX_DURATION
	ResumptionWindow time.Duration // COACH_RESUMPTION_WINDOW

	// Watchdogs
	InactivityWarn    time.Duration // COACH_INACTIVITY_WARN
	InactivityFinal   time.Duration // COACH_INACTIVITY_FINAL (after warning)
	AssistantGrace    time.Duration // COACH_ASSISTANT_GRACE
	WatchdogPoll      time.Duration // COACH_WATCHDOG_POLL
	VisibilityTimeout time.Duration // COACH_VISIBILITY_TIMEOUT

	// Quality monitor
	ProbeInterval time.Duration // COACH_PROBE_INTERVAL
	PoorStreak    int           // COACH_POOR_STREAK (consecutive poor probes before a fallback suggestion)

	// Resumption store
	StorePath string // COACH_STORE_PATH

	// Archive (optional; empty DSN disables)
	ArchiveDSN string // COACH_ARCHIVE_DSN

	// Voice lock (optional; empty addr means in-process lock)
	RedisAddr string // COACH_REDIS_ADDR

	// Auth
	WorkOSAPIKey   string // COACH_WORKOS_API_KEY
	WorkOSClientID string // COACH_WORKOS_CLIENT_ID

	// Top-up
	StripeAPIKey  string // COACH_STRIPE_API_KEY
	StripePriceID string // COACH_STRIPE_PRICE_ID

	// Summarization
	SummaryProvider string // COACH_SUMMARY_PROVIDER (gemini | openai)
	GeminiAPIKey    string // COACH_GEMINI_API_KEY
	OpenAIAPIKey    string // COACH_OPENAI_API_KEY

	// Metrics
	MetricsNamespace string // COACH_METRICS_NAMESPACE
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		LedgerURL:         envOr("COACH_LEDGER_URL", "http://localhost:8090"),
		LedgerAPIKey:      os.Getenv("COACH_LEDGER_API_KEY"),
		PointsPerMinute:   envIntOr("COACH_POINTS_PER_MINUTE", 8),
		LedgerTimeout:     envDurationOr("COACH_LEDGER_TIMEOUT", 10*time.Second),
		TokenURL:          envOr("COACH_TOKEN_URL", "http://localhost:8091/token"),
		DirectURL:         envOr("COACH_DIRECT_URL", "wss://localhost:8092/realtime"),
		RelayURL:          envOr("COACH_RELAY_URL", "wss://localhost:8093/relay"),
		AlternateURL:      envOr("COACH_ALTERNATE_URL", "wss://localhost:8094/alt"),
		TransportAPIKey:   os.Getenv("COACH_TRANSPORT_API_KEY"),
		ConnectTimeout:    envDurationOr("COACH_CONNECT_TIMEOUT", 15*time.Second),
		DirectSupported:   envBoolOr("COACH_DIRECT_SUPPORTED", true),
		RelayOnly:         envBoolOr("COACH_RELAY_ONLY", false),
		MaxDuration:       envDurationOr("COACH_MAX_DURATION", 10*time.Minute),
		ResumptionWindow:  envDurationOr("COACH_RESUMPTION_WINDOW", 30*time.Second),
		InactivityWarn:    envDurationOr("COACH_INACTIVITY_WARN", 60*time.Second),
		InactivityFinal:   envDurationOr("COACH_INACTIVITY_FINAL", 30*time.Second),
		AssistantGrace:    envDurationOr("COACH_ASSISTANT_GRACE", 10*time.Second),
		WatchdogPoll:      envDurationOr("COACH_WATCHDOG_POLL", 5*time.Second),
		VisibilityTimeout: envDurationOr("COACH_VISIBILITY_TIMEOUT", 3*time.Minute),
		ProbeInterval:     envDurationOr("COACH_PROBE_INTERVAL", 10*time.Second),
		PoorStreak:        envIntOr("COACH_POOR_STREAK", 3),
		StorePath:         envOr("COACH_STORE_PATH", filepathDefault()),
		ArchiveDSN:        os.Getenv("COACH_ARCHIVE_DSN"),
		RedisAddr:         os.Getenv("COACH_REDIS_ADDR"),
		WorkOSAPIKey:      os.Getenv("COACH_WORKOS_API_KEY"),
		WorkOSClientID:    os.Getenv("COACH_WORKOS_CLIENT_ID"),
		StripeAPIKey:      os.Getenv("COACH_STRIPE_API_KEY"),
		StripePriceID:     os.Getenv("COACH_STRIPE_PRICE_ID"),
		SummaryProvider:   strings.ToLower(envOr("COACH_SUMMARY_PROVIDER", "gemini")),
		GeminiAPIKey:      os.Getenv("COACH_GEMINI_API_KEY"),
		OpenAIAPIKey:      os.Getenv("COACH_OPENAI_API_KEY"),
		MetricsNamespace:  envOr("COACH_METRICS_NAMESPACE", "coachcall"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.PointsPerMinute <= 0 {
		return fmt.Errorf("COACH_POINTS_PER_MINUTE must be positive, got %d", c.PointsPerMinute)
	}
	if c.MaxDuration < time.Minute {
		return fmt.Errorf("COACH_MAX_DURATION must be at least 1m, got %s", c.MaxDuration)
	}
	if c.ResumptionWindow <= 0 {
		return fmt.Errorf("COACH_RESUMPTION_WINDOW must be positive, got %s", c.ResumptionWindow)
	}
	if c.InactivityWarn <= 0 || c.InactivityFinal <= 0 {
		return fmt.Errorf("inactivity thresholds must be positive (warn %s, final %s)", c.InactivityWarn, c.InactivityFinal)
	}
	if c.WatchdogPoll <= 0 {
		return fmt.Errorf("COACH_WATCHDOG_POLL must be positive, got %s", c.WatchdogPoll)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("COACH_PROBE_INTERVAL must be positive, got %s", c.ProbeInterval)
	}
	if c.PoorStreak < 1 {
		return fmt.Errorf("COACH_POOR_STREAK must be at least 1, got %d", c.PoorStreak)
	}
	switch c.SummaryProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("COACH_SUMMARY_PROVIDER must be gemini or openai, got %q", c.SummaryProvider)
	}
	if c.LedgerURL == "" {
		return fmt.Errorf("COACH_LEDGER_URL must not be empty")
	}
	return nil
}

func filepathDefault() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/coachcall/sessions"
	}
	return ".coachcall/sessions"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
