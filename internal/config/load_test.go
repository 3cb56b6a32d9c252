package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 14, cfg.Pipeline.WindowDays)
	assert.Equal(t, "crypto", cfg.Pipeline.HighRiskChannel)
	assert.Equal(t, []string{"PATTERN"}, cfg.Pipeline.Families.Pattern)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  workers: 3
  window_days: 7
repository:
  driver: none
cache:
  local_ttl: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, 7, cfg.Pipeline.WindowDays)
	assert.Equal(t, "none", cfg.Repository.Driver)
	assert.Equal(t, "90s", cfg.Cache.LocalTTL.String())
	// untouched sections keep their defaults
	assert.Equal(t, "channel", cfg.EventBus.Type)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_WORKERS", "16")
	t.Setenv("KESTREL_BUS_TYPE", "kafka")
	t.Setenv("KESTREL_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KESTREL_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Pipeline.Workers)
	assert.Equal(t, "kafka", cfg.EventBus.Type)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.EventBus.KafkaBrokers)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	path := writeConfig(t, `
repository:
  driver: oracle
event_bus:
  type: kafka
logging:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Contains(t, err.Error(), "oracle")
	assert.Contains(t, err.Error(), "kafka_brokers")
	assert.Contains(t, err.Error(), "loud")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "pipeline: [unterminated")
	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, path, cfgErr.Source)
}
