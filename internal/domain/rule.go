package domain

// RuleType distinguishes single-event rules from windowed ones.
type RuleType string

const (
	RuleSingleTransaction RuleType = "single_transaction"
	RuleAggregation       RuleType = "aggregation"
	RulePattern           RuleType = "pattern"
)

// Windowed reports whether the rule is evaluated over a sliding time window.
func (t RuleType) Windowed() bool {
	return t == RuleAggregation || t == RulePattern
}

// Severity levels for rules and alerts.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ValidSeverity reports whether s is one of the known severities.
func ValidSeverity(s string) bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// RuleSet is the rule configuration document.
type RuleSet struct {
	Version string       `json:"version,omitempty" yaml:"version,omitempty"`
	Rules   []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig defines one detection rule.
type RuleConfig struct {
	ID        string   `json:"rule_id" yaml:"rule_id"`
	Name      string   `json:"name" yaml:"name"`
	Type      RuleType `json:"type" yaml:"type"`
	Severity  string   `json:"severity" yaml:"severity"`
	BaseScore float64  `json:"base_score" yaml:"base_score"`

	// Single-transaction rules
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Aggregation and pattern rules
	Window *Window     `json:"window,omitempty" yaml:"window,omitempty"`
	Metric *Metric     `json:"metric,omitempty" yaml:"metric,omitempty"`
	Filter []Condition `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Condition is a single field comparison: field op value.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

// Window is the trailing duration of an aggregation rule.
type Window struct {
	Unit  string `json:"unit" yaml:"unit"` // hours, days
	Value int    `json:"value" yaml:"value"`
}

// Metric is the aggregate compared against a threshold.
type Metric struct {
	Type  string `json:"type" yaml:"type"` // count
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}
