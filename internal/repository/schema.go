package repository

// Schema definitions for the Kestrel store.
// Compatible with both SQLite and PostgreSQL. Records are kept whole in the
// payload column as JSON; the other columns exist for lookup and ordering.

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    event_time TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_customer ON alerts(customer_id, event_time);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    case_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    priority TEXT NOT NULL,
    created_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_customer ON cases(customer_id);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_case ON decisions(case_id, recorded_at);
`

const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_case ON audit(case_id, recorded_at);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage, recorded_at);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaAlerts,
		schemaCases,
		schemaDecisions,
		schemaAudit,
		schemaRuns,
	}
}
