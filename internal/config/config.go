// Package config loads Amelia's closed configuration option set (spec §6.5)
// from environment variables and an optional config file, following the
// teacher's convention of wiring github.com/spf13/viper with struct-tagged
// defaults (see zjrosen-perles's internal/config, the pack repo this system
// borrows cobra/viper from — the teacher itself has no CLI/config layer of
// its own).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryConfig carries the retry.* closed options.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// Config is Amelia's full closed configuration option set (spec §6.5).
type Config struct {
	Host                         string        `mapstructure:"host"`
	Port                         int           `mapstructure:"port"`
	DatabasePath                 string        `mapstructure:"database_path"`
	LogRetentionDays             int           `mapstructure:"log_retention_days"`
	LogRetentionMaxEvents        int           `mapstructure:"log_retention_max_events"`
	WebsocketIdleTimeoutSeconds  int           `mapstructure:"websocket_idle_timeout_seconds"`
	WorkflowStartTimeoutSeconds  int           `mapstructure:"workflow_start_timeout_seconds"`
	MaxConcurrent                int           `mapstructure:"max_concurrent"`
	Retry                        RetryConfig   `mapstructure:"retry"`
	MaxReviewIterations          int           `mapstructure:"max_review_iterations"`
	MaxTaskReviewIterations      int           `mapstructure:"max_task_review_iterations"`
}

// EnvPrefix is the environment variable namespace for every option in
// Config, e.g. AMELIA_MAX_CONCURRENT, AMELIA_RETRY_MAX_RETRIES.
const EnvPrefix = "AMELIA"

// Defaults returns the spec's documented defaults.
func Defaults() Config {
	return Config{
		Host:                        "127.0.0.1",
		Port:                        8420,
		DatabasePath:                "amelia.db",
		LogRetentionDays:            30,
		LogRetentionMaxEvents:       100_000,
		WebsocketIdleTimeoutSeconds: 300,
		WorkflowStartTimeoutSeconds: 60,
		MaxConcurrent:               5,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   60 * time.Second,
		},
		MaxReviewIterations:     3,
		MaxTaskReviewIterations: 5,
	}
}

// Load reads configuration from (in ascending priority) built-in defaults,
// an optional file at path (if non-empty), and AMELIA_-prefixed environment
// variables, then validates the closed option set's stated bounds.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("log_retention_days", defaults.LogRetentionDays)
	v.SetDefault("log_retention_max_events", defaults.LogRetentionMaxEvents)
	v.SetDefault("websocket_idle_timeout_seconds", defaults.WebsocketIdleTimeoutSeconds)
	v.SetDefault("workflow_start_timeout_seconds", defaults.WorkflowStartTimeoutSeconds)
	v.SetDefault("max_concurrent", defaults.MaxConcurrent)
	v.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", defaults.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", defaults.Retry.MaxDelay)
	v.SetDefault("max_review_iterations", defaults.MaxReviewIterations)
	v.SetDefault("max_task_review_iterations", defaults.MaxTaskReviewIterations)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the closed option set's documented bounds (spec §6.5).
func Validate(cfg Config) error {
	if cfg.LogRetentionDays < 1 {
		return fmt.Errorf("log_retention_days must be >= 1, got %d", cfg.LogRetentionDays)
	}
	if cfg.LogRetentionMaxEvents < 1000 {
		return fmt.Errorf("log_retention_max_events must be >= 1000, got %d", cfg.LogRetentionMaxEvents)
	}
	if cfg.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.Retry.MaxRetries < 0 || cfg.Retry.MaxRetries > 10 {
		return fmt.Errorf("retry.max_retries must be within 0-10, got %d", cfg.Retry.MaxRetries)
	}
	return nil
}
