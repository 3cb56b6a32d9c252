// Package domain defines the core records, interfaces and configuration for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists pipeline outputs. Every write is an append; nothing the
// pipeline produced is ever updated in place.
type Repository interface {
	// Alerts
	SaveAlerts(ctx context.Context, alerts []*Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlertsByCustomer(ctx context.Context, customerID string) ([]*Alert, error)

	// Cases
	SaveCases(ctx context.Context, cases []*Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)

	// Decisions and audit trail
	SaveDecision(ctx context.Context, d *PolicyDecision) error
	LatestDecision(ctx context.Context, caseID string) (*PolicyDecision, error)
	SaveAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, caseID string) ([]*AuditRecord, error)

	// Run metadata
	SaveRun(ctx context.Context, run *RunRecord) error
	LatestRun(ctx context.Context, stage string) (*RunRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
