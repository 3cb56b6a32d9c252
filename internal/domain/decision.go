package domain

// Decision labels, lowest to highest severity.
const (
	DecisionClose    = "CLOSE_NO_ACTION"
	DecisionL1Review = "L1_REVIEW"
	DecisionEscalate = "ESCALATE_L2"
	DecisionSAR      = "SAR_REVIEW_L2"
)

// DecisionLabels is the canonical ordering, lowest severity first.
var DecisionLabels = []string{DecisionClose, DecisionL1Review, DecisionEscalate, DecisionSAR}

// PolicyDecision is the summary outcome of evaluating one enriched case.
// Decisions are immutable; a re-run produces a new record.
type PolicyDecision struct {
	CaseID              string         `json:"case_id"`
	CustomerID          string         `json:"customer_id"`
	PolicyVersion       string         `json:"policy_version"`
	Decision            string         `json:"decision"`
	Confidence          float64        `json:"confidence"`
	Reasons             []string       `json:"reasons"`
	RequiredNextActions []string       `json:"required_next_actions"`
	DebugSignals        map[string]any `json:"debug_signals"`
}

// RuleEvaluation is one audited rule outcome.
type RuleEvaluation struct {
	DecisionBlock  string `json:"decision_block"`
	Rule           string `json:"rule"`
	NormalizedRule string `json:"normalized_rule"`
	Matched        bool   `json:"matched"`
	Error          string `json:"error,omitempty"`
}

// AuditRecord is the compliance evidence for one decision: every signal and every
// rule outcome that led to it.
type AuditRecord struct {
	Timestamp       Timestamp        `json:"timestamp"`
	CaseID          string           `json:"case_id"`
	CustomerID      string           `json:"customer_id"`
	PolicyVersion   string           `json:"policy_version"`
	Decision        string           `json:"decision"`
	Confidence      float64          `json:"confidence"`
	Reasons         []string         `json:"reasons"`
	Signals         map[string]any   `json:"signals"`
	RuleEvaluations []RuleEvaluation `json:"rule_evaluations"`
}

// RunRecord is the metadata written at the end of every pipeline stage.
type RunRecord struct {
	ID             string         `json:"run_id"`
	Stage          string         `json:"stage"`
	Timestamp      Timestamp      `json:"timestamp"`
	Counts         map[string]int `json:"counts"`
	FailuresCount  int            `json:"failures_count"`
	WarningsCount  int            `json:"warnings_count"`
	FailuresSample []string       `json:"failures_sample"`
	WarningsSample []string       `json:"warnings_sample"`
	Verification   string         `json:"verification_status,omitempty"`
}
