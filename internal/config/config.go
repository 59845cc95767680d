// Package config loads the application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the batch service.
type Config struct {
	// Scheduler limits.
	GlobalConcurrency  int           `yaml:"global_concurrency"`
	PerUserConcurrency int           `yaml:"per_user_concurrency"`
	TickInterval       time.Duration `yaml:"tick_interval"`

	// Admission limits.
	MaxTasksPerBatch        int           `yaml:"max_tasks_per_batch"`
	MaxBatchesPerUserMinute int           `yaml:"max_batches_per_user_minute"`
	MaxPromptLength         int           `yaml:"max_prompt_length"`
	IdempotencyWindow       time.Duration `yaml:"idempotency_window"`

	// Remote provider.
	ProviderBaseURL    string        `yaml:"provider_base_url"`
	ProviderAPIKey     string        `yaml:"provider_api_key"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxPollDuration    time.Duration `yaml:"max_poll_duration"`
	ProviderRatePerSec float64       `yaml:"provider_rate_per_sec"`

	// Reconciler.
	RunningStaleAfter time.Duration `yaml:"running_stale_after"`
	SweepSchedule     string        `yaml:"sweep_schedule"`

	// Persistence. Empty DSN selects the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	// Observability.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		GlobalConcurrency:       10,
		PerUserConcurrency:      10,
		TickInterval:            100 * time.Millisecond,
		MaxTasksPerBatch:        50,
		MaxBatchesPerUserMinute: 10,
		MaxPromptLength:         3000,
		IdempotencyWindow:       60 * time.Second,
		ProviderBaseURL:         "https://yunwu.ai/v1",
		RequestTimeout:          300 * time.Second,
		PollInterval:            3 * time.Second,
		MaxPollDuration:         15 * time.Minute,
		ProviderRatePerSec:      5,
		RunningStaleAfter:       30 * time.Minute,
		SweepSchedule:           "@every 1m",
		MetricsAddr:             ":9090",
		LogLevel:                "info",
	}
}

// Load reads the YAML file at path (when it exists) over the defaults and
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.GlobalConcurrency <= 0 {
		return fmt.Errorf("global_concurrency must be positive, got %d", c.GlobalConcurrency)
	}
	if c.PerUserConcurrency <= 0 {
		return fmt.Errorf("per_user_concurrency must be positive, got %d", c.PerUserConcurrency)
	}
	if c.MaxTasksPerBatch <= 0 {
		return fmt.Errorf("max_tasks_per_batch must be positive, got %d", c.MaxTasksPerBatch)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxPollDuration < c.PollInterval {
		return fmt.Errorf("max_poll_duration %s is shorter than poll_interval %s", c.MaxPollDuration, c.PollInterval)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setInt(&cfg.GlobalConcurrency, "GLOBAL_CONCURRENCY")
	setInt(&cfg.PerUserConcurrency, "PER_USER_CONCURRENCY")
	setInt(&cfg.MaxTasksPerBatch, "MAX_TASKS_PER_BATCH")
	setInt(&cfg.MaxBatchesPerUserMinute, "MAX_BATCHES_PER_USER_PER_MINUTE")
	setDuration(&cfg.IdempotencyWindow, "IDEMPOTENCY_WINDOW")
	setDuration(&cfg.PollInterval, "POLL_INTERVAL")
	setDuration(&cfg.MaxPollDuration, "MAX_POLL_DURATION")
	setDuration(&cfg.RunningStaleAfter, "RUNNING_STALE_AFTER")
	setString(&cfg.ProviderBaseURL, "PROVIDER_API_BASE")
	setString(&cfg.ProviderAPIKey, "PROVIDER_API_KEY")
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
