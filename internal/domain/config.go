package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which backends are used by default
	Tier Tier `yaml:"tier"`

	// Batch pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Serve mode background jobs
	Schedule ScheduleConfig `yaml:"schedule"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// PipelineConfig locates batch inputs and tunes the core stages.
type PipelineConfig struct {
	TransactionsPath string `yaml:"transactions_path"`
	CustomersPath    string `yaml:"customers_path"`
	RulesPath        string `yaml:"rules_path"`
	PolicyPath       string `yaml:"policy_path"`
	GroundTruthPath  string `yaml:"ground_truth_path"`
	OutputDir        string `yaml:"output_dir"`

	// Workers bounds per-case and per-customer fan-out.
	Workers int `yaml:"workers"`

	// WindowDays is the case builder's anchor window.
	WindowDays int `yaml:"window_days"`

	// HighRiskChannel is the channel counted by the behavior snapshot.
	HighRiskChannel string `yaml:"high_risk_channel"`

	Families FamilyConfig `yaml:"families"`
}

// FamilyConfig maps rule id prefixes to rule families.
type FamilyConfig struct {
	Threshold []string `yaml:"threshold"`
	Velocity  []string `yaml:"velocity"`
	Pattern   []string `yaml:"pattern"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`

	// Endpoint is an OTLP/HTTP collector (host:port). Empty writes spans to
	// stderr.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`

	// SampleRatio is the fraction of root traces kept, in [0, 1].
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// ScheduleConfig drives serve-mode background work.
type ScheduleConfig struct {
	// Cron is a robfig/cron spec for scheduled batch runs. Empty disables it.
	Cron string `yaml:"cron"`

	// WatchPolicy reloads the policy document when the file changes.
	WatchPolicy bool `yaml:"watch_policy"`

	// Worker subscribes to built-case events and decides them.
	Worker bool `yaml:"worker"`

	// ReloadDebounce coalesces bursts of file events.
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Pipeline: PipelineConfig{
			TransactionsPath: "./data/transactions.jsonl",
			CustomersPath:    "./data/customer_profiles.json",
			RulesPath:        "./config/rules.yaml",
			PolicyPath:       "./config/policy.yaml",
			OutputDir:        "./out",
			Workers:          8,
			WindowDays:       14,
			HighRiskChannel:  "crypto",
			Families: FamilyConfig{
				Threshold: []string{"TXN_LARGE_AMOUNT"},
				Velocity:  []string{"AGG_VELOCITY"},
				Pattern:   []string{"PATTERN"},
			},
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			EnrichedTTL:  5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kestrel",
			Path:      "/metrics",
		},
		Schedule: ScheduleConfig{
			ReloadDebounce: 500 * time.Millisecond,
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		EnrichedTTL:    5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
