package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the content task service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	// Task orchestration.
	TaskRetention   time.Duration
	SweepInterval   time.Duration
	TaskTimeout     time.Duration
	MaxRunningTasks int

	// Admission control in front of start endpoints.
	StartRatePerMin int
	StartBurst      int

	// Research result cache.
	CacheTTL time.Duration

	// Client poller defaults.
	PollInterval time.Duration
	PollTimeout  time.Duration
	PollMaxRetry int

	// Suggestion controller.
	DebounceDelay      time.Duration
	SuggestMinLength   int
	SuggestThrottlePct int

	// Outbound content backend.
	ContentProvider   string
	GeminiAPIKey      string
	GeminiModel       string
	ContentBackendURL string

	// Bearer credentials accepted by the API. Empty disables auth.
	APIKeys []string

	// Optional archive of terminal task snapshots.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "alwrity"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		ContentProvider:    envOrDefault("CONTENT_PROVIDER", "auto"),
		GeminiAPIKey:       envTrimmed("GEMINI_API_KEY"),
		GeminiModel:        envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		ContentBackendURL:  envTrimmed("CONTENT_BACKEND_URL"),
		DatabaseURL:        envTrimmed("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
		TaskRetention:      time.Hour,
		SweepInterval:      time.Minute,
		TaskTimeout:        10 * time.Minute,
		MaxRunningTasks:    32,
		StartRatePerMin:    30,
		StartBurst:         10,
		CacheTTL:           30 * time.Minute,
		PollInterval:       2 * time.Second,
		PollTimeout:        60 * time.Second,
		PollMaxRetry:       3,
		DebounceDelay:      3 * time.Second,
		SuggestMinLength:   20,
		SuggestThrottlePct: 40,
	}

	if raw := envTrimmed("APP_API_KEYS"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRetention, err = durationFromEnv("TASK_RETENTION", cfg.TaskRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL, err = durationFromEnv("CACHE_TTL", cfg.CacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTimeout, err = durationFromEnv("POLL_TIMEOUT", cfg.PollTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DebounceDelay, err = durationFromEnv("SUGGEST_DEBOUNCE_DELAY", cfg.DebounceDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRunningTasks, err = intFromEnv("TASK_MAX_RUNNING", cfg.MaxRunningTasks)
	if err != nil {
		return Config{}, err
	}
	cfg.StartRatePerMin, err = intFromEnv("START_RATE_PER_MIN", cfg.StartRatePerMin)
	if err != nil {
		return Config{}, err
	}
	cfg.StartBurst, err = intFromEnv("START_BURST", cfg.StartBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.PollMaxRetry, err = intFromEnv("POLL_MAX_RETRY", cfg.PollMaxRetry)
	if err != nil {
		return Config{}, err
	}
	cfg.SuggestMinLength, err = intFromEnv("SUGGEST_MIN_LENGTH", cfg.SuggestMinLength)
	if err != nil {
		return Config{}, err
	}
	cfg.SuggestThrottlePct, err = intFromEnv("SUGGEST_THROTTLE_PCT", cfg.SuggestThrottlePct)
	if err != nil {
		return Config{}, err
	}

	if cfg.TaskRetention < time.Minute {
		return Config{}, fmt.Errorf("TASK_RETENTION must be at least 1m")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_SWEEP_INTERVAL must be positive")
	}
	if cfg.TaskTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_TIMEOUT must be positive")
	}
	if cfg.MaxRunningTasks <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_RUNNING must be positive")
	}
	if cfg.StartRatePerMin <= 0 {
		return Config{}, fmt.Errorf("START_RATE_PER_MIN must be positive")
	}
	if cfg.StartBurst <= 0 {
		return Config{}, fmt.Errorf("START_BURST must be positive")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.PollMaxRetry < 0 {
		return Config{}, fmt.Errorf("POLL_MAX_RETRY must be >= 0")
	}
	if cfg.SuggestMinLength <= 0 {
		return Config{}, fmt.Errorf("SUGGEST_MIN_LENGTH must be positive")
	}
	if cfg.SuggestThrottlePct < 0 || cfg.SuggestThrottlePct > 100 {
		return Config{}, fmt.Errorf("SUGGEST_THROTTLE_PCT must be in [0,100]")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
