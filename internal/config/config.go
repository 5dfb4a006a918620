// Package config loads the engine configuration from the tier defaults and
// SUBSIDY_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// EnvPrefix is the environment variable prefix for every setting.
const EnvPrefix = "SUBSIDY"

// Load builds the configuration for the tier named by SUBSIDY_TIER
// (community when unset), then applies environment overrides and validates.
func Load() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags and the cross-field rules of the configuration.
func Validate(cfg *domain.Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			return fmt.Errorf("postgres host and database are required")
		}
	}

	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("redis address is required for cache type redis")
	}
	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "" {
		return fmt.Errorf("nats url is required for bus type nats")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	if cfg.Engine.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.Engine.TimeZone); err != nil {
			return fmt.Errorf("invalid engine time zone %q: %w", cfg.Engine.TimeZone, err)
		}
	}

	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func LogConfig(log *slog.Logger, cfg *domain.Config) {
	log.Info("configuration loaded",
		slog.String("tier", string(cfg.Tier)),
		slog.String("node_id", cfg.NodeID),
		slog.String("db_driver", cfg.Repository.Driver),
		slog.String("cache_type", cfg.Cache.Type),
		slog.Bool("cache_two_phase", cfg.Cache.EnableTwoPhase),
		slog.String("bus_type", cfg.EventBus.Type),
		slog.Duration("refresh_interval", cfg.Engine.RefreshInterval),
		slog.Duration("refresh_timeout", cfg.Engine.RefreshTimeout),
		slog.Int("parallel_threshold", cfg.Engine.ParallelThreshold),
		slog.String("time_zone", cfg.Engine.Location().String()),
		slog.Bool("tracing_enabled", cfg.Tracing.Enabled),
	)
}
