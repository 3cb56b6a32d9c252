// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// sortableLayout keeps a fixed fraction width so text columns order the same
// way as the instants they hold.
const sortableLayout = "2006-01-02T15:04:05.000000000Z"

// SQLRepository implements domain.Repository on top of sqlx.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a new repository based on configuration. The "none" driver
// returns a nil repository; callers treat that as persistence disabled.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "none" || cfg.Driver == "" {
		return nil, nil
	}

	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := NewSQLRepository(db)
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewSQLRepository wraps an open handle. Migrations are not run.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAlerts stores a batch of alerts in one transaction.
func (r *SQLRepository) SaveAlerts(ctx context.Context, alerts []*domain.Alert) error {
	query := r.db.Rebind(`
		INSERT INTO alerts (alert_id, customer_id, rule_id, event_time, payload)
		VALUES (?, ?, ?, ?, ?)
	`)

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, a := range alerts {
			if a == nil || a.ID == "" {
				return fmt.Errorf("%w: alert id is required", domain.ErrInvalidInput)
			}
			payload, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to encode alert %s: %w", a.ID, err)
			}
			if _, err := tx.ExecContext(ctx, query,
				a.ID, a.CustomerID, a.RuleID, sortable(a.EventTime), string(payload),
			); err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	var a domain.Alert
	if err := r.getPayload(ctx, &a, `SELECT payload FROM alerts WHERE alert_id = ?`, alertID); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlertsByCustomer returns a customer's alerts in event time order.
func (r *SQLRepository) ListAlertsByCustomer(ctx context.Context, customerID string) ([]*domain.Alert, error) {
	var payloads []string
	query := r.db.Rebind(`
		SELECT payload FROM alerts
		WHERE customer_id = ?
		ORDER BY event_time, alert_id
	`)
	if err := r.db.SelectContext(ctx, &payloads, query, customerID); err != nil {
		return nil, err
	}

	alerts := make([]*domain.Alert, 0, len(payloads))
	for _, p := range payloads {
		var a domain.Alert
		if err := json.Unmarshal([]byte(p), &a); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

// SaveCases stores a batch of cases in one transaction.
func (r *SQLRepository) SaveCases(ctx context.Context, cases []*domain.Case) error {
	query := r.db.Rebind(`
		INSERT INTO cases (case_id, customer_id, priority, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
	`)

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range cases {
			if c == nil || c.ID == "" {
				return fmt.Errorf("%w: case id is required", domain.ErrInvalidInput)
			}
			payload, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode case %s: %w", c.ID, err)
			}
			if _, err := tx.ExecContext(ctx, query,
				c.ID, c.CustomerID, c.Priority, sortable(c.CreatedAt), string(payload),
			); err != nil {
				return fmt.Errorf("failed to insert case %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	var c domain.Case
	if err := r.getPayload(ctx, &c, `SELECT payload FROM cases WHERE case_id = ?`, caseID); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveDecision appends a decision. Earlier decisions for the same case are kept.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.PolicyDecision) error {
	if d == nil || d.CaseID == "" {
		return fmt.Errorf("%w: decision case id is required", domain.ErrInvalidInput)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision for %s: %w", d.CaseID, err)
	}

	query := r.db.Rebind(`
		INSERT INTO decisions (id, case_id, customer_id, decision, policy_version, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		newRowID(), d.CaseID, d.CustomerID, d.Decision, d.PolicyVersion,
		r.now().Format(sortableLayout), string(payload),
	)
	return err
}

// LatestDecision returns the most recently recorded decision for a case.
func (r *SQLRepository) LatestDecision(ctx context.Context, caseID string) (*domain.PolicyDecision, error) {
	var d domain.PolicyDecision
	query := `
		SELECT payload FROM decisions
		WHERE case_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`
	if err := r.getPayload(ctx, &d, query, caseID); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveAudit appends an audit record.
func (r *SQLRepository) SaveAudit(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil || rec.CaseID == "" {
		return fmt.Errorf("%w: audit case id is required", domain.ErrInvalidInput)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record for %s: %w", rec.CaseID, err)
	}

	recorded := rec.Timestamp
	if recorded.IsZero() {
		recorded = domain.NewTimestamp(r.now())
	}

	query := r.db.Rebind(`
		INSERT INTO audit (id, case_id, decision, policy_version, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		newRowID(), rec.CaseID, rec.Decision, rec.PolicyVersion, sortable(recorded), string(payload),
	)
	return err
}

// ListAudit returns a case's audit trail, oldest first.
func (r *SQLRepository) ListAudit(ctx context.Context, caseID string) ([]*domain.AuditRecord, error) {
	var payloads []string
	query := r.db.Rebind(`
		SELECT payload FROM audit
		WHERE case_id = ?
		ORDER BY recorded_at, id
	`)
	if err := r.db.SelectContext(ctx, &payloads, query, caseID); err != nil {
		return nil, err
	}

	records := make([]*domain.AuditRecord, 0, len(payloads))
	for _, p := range payloads {
		var rec domain.AuditRecord
		if err := json.Unmarshal([]byte(p), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode audit record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// SaveRun stores a stage's run metadata.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	if run == nil || run.Stage == "" {
		return fmt.Errorf("%w: run stage is required", domain.ErrInvalidInput)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = domain.NewTimestamp(r.now())
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	query := r.db.Rebind(`
		INSERT INTO runs (run_id, stage, recorded_at, payload)
		VALUES (?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query, run.ID, run.Stage, sortable(run.Timestamp), string(payload))
	return err
}

// LatestRun returns the newest run for stage, or across all stages when stage
// is empty.
func (r *SQLRepository) LatestRun(ctx context.Context, stage string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var err error
	if stage == "" {
		err = r.getPayload(ctx, &run, `SELECT payload FROM runs ORDER BY recorded_at DESC, run_id DESC LIMIT 1`)
	} else {
		err = r.getPayload(ctx, &run, `SELECT payload FROM runs WHERE stage = ? ORDER BY recorded_at DESC, run_id DESC LIMIT 1`, stage)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// getPayload loads a single JSON payload column into dest.
func (r *SQLRepository) getPayload(ctx context.Context, dest any, query string, args ...any) error {
	var payload string
	if err := r.db.GetContext(ctx, &payload, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sortable(t domain.Timestamp) string {
	return t.UTC().Format(sortableLayout)
}

// newRowID returns a time-ordered id so rows written in the same instant
// still sort by insertion.
func newRowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
