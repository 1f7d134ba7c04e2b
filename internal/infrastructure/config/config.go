// Package config loads and validates the resilience-layer configuration
// from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/0Smallcat0/ai-trading-sub013/internal/infrastructure/ratelimit"
	"github.com/0Smallcat0/ai-trading-sub013/internal/marketdata/failover"
	"github.com/0Smallcat0/ai-trading-sub013/internal/marketdata/stream"
)

// envPrefix namespaces environment overrides, e.g. INGEST_FAILOVER_HEALTH_CHECK_INTERVAL.
const envPrefix = "INGEST"

// Config is the full resilience-layer configuration.
type Config struct {
	RateLimit ratelimit.Config `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	Stream    stream.Config    `json:"stream" yaml:"stream" mapstructure:"stream"`
	Failover  failover.Config  `json:"failover" yaml:"failover" mapstructure:"failover"`
}

// Default returns the configuration with every component at its defaults.
// The stream URL is intentionally empty and must come from file or env.
func Default() Config {
	return Config{
		RateLimit: ratelimit.DefaultConfig(),
		Stream:    stream.DefaultConfig(""),
		Failover:  failover.DefaultConfig(),
	}
}

// Validate checks every component section.
func (c Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	return c.Failover.Validate()
}

// Load reads configuration from path (YAML), applies INGEST_-prefixed
// environment overrides on top of defaults, and validates the result.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}

	logger.Info("configuration loaded",
		zap.String("path", path),
		zap.String("stream_url", cfg.Stream.URL),
		zap.Duration("health_check_interval", cfg.Failover.HealthCheckInterval))
	return cfg, nil
}

// setDefaults seeds viper so env-only and partial-file configurations still
// inherit component defaults.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("rate_limit.max_calls", def.RateLimit.MaxCalls)
	v.SetDefault("rate_limit.min_calls", def.RateLimit.MinCalls)
	v.SetDefault("rate_limit.period", def.RateLimit.Period)
	v.SetDefault("rate_limit.strategy", string(def.RateLimit.Strategy))
	v.SetDefault("rate_limit.increase_factor", def.RateLimit.IncreaseFactor)
	v.SetDefault("rate_limit.decrease_factor", def.RateLimit.DecreaseFactor)
	v.SetDefault("rate_limit.retry_count", def.RateLimit.RetryCount)
	v.SetDefault("rate_limit.retry_interval", def.RateLimit.RetryInterval)
	v.SetDefault("rate_limit.jitter", def.RateLimit.Jitter)

	v.SetDefault("stream.url", def.Stream.URL)
	v.SetDefault("stream.reconnect_interval", def.Stream.ReconnectInterval)
	v.SetDefault("stream.max_reconnect_attempts", def.Stream.MaxReconnectAttempts)
	v.SetDefault("stream.backoff_factor", def.Stream.BackoffFactor)
	v.SetDefault("stream.jitter", def.Stream.Jitter)
	v.SetDefault("stream.max_queue_size", def.Stream.MaxQueueSize)
	v.SetDefault("stream.process_interval", def.Stream.ProcessInterval)
	v.SetDefault("stream.enable_backpressure", def.Stream.EnableBackpressure)
	v.SetDefault("stream.backpressure.max_queue_size", def.Stream.Backpressure.MaxQueueSize)
	v.SetDefault("stream.backpressure.warning_threshold", def.Stream.Backpressure.WarningThreshold)
	v.SetDefault("stream.backpressure.critical_threshold", def.Stream.Backpressure.CriticalThreshold)
	v.SetDefault("stream.backpressure.adjustment_factor", def.Stream.Backpressure.AdjustmentFactor)
	v.SetDefault("stream.backpressure.min_interval", def.Stream.Backpressure.MinInterval)
	v.SetDefault("stream.backpressure.max_interval", def.Stream.Backpressure.MaxInterval)
	v.SetDefault("stream.backpressure.history_size", def.Stream.Backpressure.HistorySize)

	v.SetDefault("failover.max_consecutive_failures", def.Failover.MaxConsecutiveFailures)
	v.SetDefault("failover.circuit_breaker_timeout", def.Failover.CircuitBreakerTimeout)
	v.SetDefault("failover.health_check_interval", def.Failover.HealthCheckInterval)
	v.SetDefault("failover.probe_timeout", def.Failover.ProbeTimeout)
	v.SetDefault("failover.response_time_window", def.Failover.ResponseTimeWindow)
	v.SetDefault("failover.recent_error_limit", def.Failover.RecentErrorLimit)
	v.SetDefault("failover.event_history_limit", def.Failover.EventHistoryLimit)
	v.SetDefault("failover.stop_timeout", def.Failover.StopTimeout)
}
