// Package config loads and validates service configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the dispatch service recognizes. Values come
// from environment variables; an optional .env file is applied by the binary
// entrypoint before Load runs.
type Config struct {
	// Labeling backend (Label Studio).
	LabelStudioURL   string
	LabelStudioToken string
	ProjectID        int

	// Coordination store.
	RedisURL string

	// Shared secret expected in the X-API-Key header.
	APISecret string

	// Earnings rate in dollars per audio minute.
	EarningsRatePerMinute float64

	// Assignment engine and reconciler tuning.
	ReconcileInterval time.Duration
	ErrorBackoff      time.Duration
	LockTTL           time.Duration
	SkipCooldownTTL   time.Duration
	GlobalSkipWindow  time.Duration
	DisableThreshold  int
	MaxAssignAttempts int
	RefillBatch       int

	// Timeout for all labeling-backend calls.
	UpstreamTimeout time.Duration

	// Filesystem root the backend's /data media paths map onto.
	AudioMediaRoot string

	HTTPPort string
}

// Load reads configuration from the environment, applying defaults for
// everything except the credentials.
func Load() (*Config, error) {
	cfg := &Config{
		LabelStudioURL:        getEnvOrDefault("LABEL_STUDIO_URL", "http://localhost:8080"),
		LabelStudioToken:      os.Getenv("LABEL_STUDIO_API_KEY"),
		RedisURL:              getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		APISecret:             os.Getenv("TZ_SYSTEM_API_KEY"),
		AudioMediaRoot:        getEnvOrDefault("AUDIO_MEDIA_ROOT", "/opt/label-studio"),
		HTTPPort:              getEnvOrDefault("HTTP_PORT", "8010"),
		EarningsRatePerMinute: 0.45,
		ReconcileInterval:     30 * time.Second,
		ErrorBackoff:          60 * time.Second,
		LockTTL:               time.Hour,
		SkipCooldownTTL:       30 * time.Minute,
		GlobalSkipWindow:      24 * time.Hour,
		DisableThreshold:      5,
		MaxAssignAttempts:     50,
		RefillBatch:           10,
		UpstreamTimeout:       30 * time.Second,
	}

	projectID, err := strconv.Atoi(getEnvOrDefault("LS_PROJECT_ID", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid LS_PROJECT_ID: %w", err)
	}
	cfg.ProjectID = projectID

	if v := os.Getenv("EARNINGS_RATE_PER_MINUTE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid EARNINGS_RATE_PER_MINUTE: %w", err)
		}
		cfg.EarningsRatePerMinute = rate
	}

	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", cfg.LockTTL); err != nil {
		return nil, err
	}
	if cfg.SkipCooldownTTL, err = durationEnv("SKIP_COOLDOWN_TTL", cfg.SkipCooldownTTL); err != nil {
		return nil, err
	}
	if cfg.GlobalSkipWindow, err = durationEnv("GLOBAL_SKIP_WINDOW", cfg.GlobalSkipWindow); err != nil {
		return nil, err
	}

	if cfg.DisableThreshold, err = intEnv("DISABLE_THRESHOLD", cfg.DisableThreshold); err != nil {
		return nil, err
	}
	if cfg.MaxAssignAttempts, err = intEnv("MAX_ASSIGN_ATTEMPTS", cfg.MaxAssignAttempts); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are present and tunables are sane.
func (c *Config) Validate() error {
	if c.LabelStudioURL == "" {
		return fmt.Errorf("LABEL_STUDIO_URL is required")
	}
	if c.LabelStudioToken == "" {
		return fmt.Errorf("LABEL_STUDIO_API_KEY is required")
	}
	if c.APISecret == "" {
		return fmt.Errorf("TZ_SYSTEM_API_KEY is required")
	}
	if c.ProjectID <= 0 {
		return fmt.Errorf("LS_PROJECT_ID must be positive, got %d", c.ProjectID)
	}
	if c.EarningsRatePerMinute < 0 {
		return fmt.Errorf("earnings rate must be non-negative, got %v", c.EarningsRatePerMinute)
	}
	if c.DisableThreshold < 1 {
		return fmt.Errorf("disable threshold must be at least 1, got %d", c.DisableThreshold)
	}
	if c.MaxAssignAttempts < 1 {
		return fmt.Errorf("max assignment attempts must be at least 1, got %d", c.MaxAssignAttempts)
	}
	if c.LockTTL <= 0 || c.SkipCooldownTTL <= 0 || c.GlobalSkipWindow <= 0 {
		return fmt.Errorf("lock, cooldown and global-skip TTLs must be positive")
	}
	return nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	// Accept plain seconds for parity with the deployment's existing env files.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
