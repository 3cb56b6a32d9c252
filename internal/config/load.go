// Package config loads Kestrel configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load builds a configuration in four steps:
//  1. tier defaults (KESTREL_TIER=pro selects the pro defaults)
//  2. the YAML file at path, if path is non-empty
//  3. KESTREL_* environment overrides
//  4. validation
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewConfigError(path, "failed to parse configuration", err)
		}
	}

	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values left by a partial YAML file.
func ApplyDefaults(cfg *domain.Config) {
	def := domain.DefaultConfig()
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = def.Pipeline.Workers
	}
	if cfg.Pipeline.WindowDays <= 0 {
		cfg.Pipeline.WindowDays = def.Pipeline.WindowDays
	}
	if cfg.Pipeline.HighRiskChannel == "" {
		cfg.Pipeline.HighRiskChannel = def.Pipeline.HighRiskChannel
	}
	if cfg.Pipeline.OutputDir == "" {
		cfg.Pipeline.OutputDir = def.Pipeline.OutputDir
	}
	if len(cfg.Pipeline.Families.Threshold) == 0 {
		cfg.Pipeline.Families.Threshold = def.Pipeline.Families.Threshold
	}
	if len(cfg.Pipeline.Families.Velocity) == 0 {
		cfg.Pipeline.Families.Velocity = def.Pipeline.Families.Velocity
	}
	if len(cfg.Pipeline.Families.Pattern) == 0 {
		cfg.Pipeline.Families.Pattern = def.Pipeline.Families.Pattern
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}
}

// applyEnvOverrides applies KESTREL_* environment variables. Unparseable
// numeric values are logged and ignored.
func applyEnvOverrides(cfg *domain.Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "key", key, "value", v)
			return
		}
		*dst = n
	}

	str("KESTREL_REPOSITORY_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)
	if v := os.Getenv("KESTREL_KAFKA_BROKERS"); v != "" {
		cfg.EventBus.KafkaBrokers = strings.Split(v, ",")
	}
	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	num("KESTREL_PORT", &cfg.Server.Port)
	num("KESTREL_WORKERS", &cfg.Pipeline.Workers)
	str("KESTREL_POLICY_PATH", &cfg.Pipeline.PolicyPath)
	str("KESTREL_RULES_PATH", &cfg.Pipeline.RulesPath)
}

// Validate checks the configuration for values no component can run with.
func Validate(cfg *domain.Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "none", "":
	default:
		fail("repository.driver %q is not one of sqlite, postgres, none", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis", "":
	default:
		fail("cache.type %q is not one of memory, redis", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats", "kafka", "none", "":
	default:
		fail("event_bus.type %q is not one of channel, nats, kafka, none", cfg.EventBus.Type)
	}
	if cfg.EventBus.Type == "kafka" && len(cfg.EventBus.KafkaBrokers) == 0 {
		fail("event_bus.kafka_brokers is required for the kafka bus")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		fail("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Pipeline.Workers < 1 {
		fail("pipeline.workers must be positive")
	}
	if cfg.Pipeline.WindowDays < 1 {
		fail("pipeline.window_days must be positive")
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		fail("tracing.sample_ratio %v is outside [0, 1]", r)
	}

	if len(errs) > 0 {
		return domain.NewConfigError("config", "invalid configuration", errors.Join(errs...))
	}
	return nil
}

// LogLevel maps the configured level onto slog.
func LogLevel(cfg *domain.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
