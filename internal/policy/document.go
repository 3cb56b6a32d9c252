// Package policy evaluates enriched cases against a declarative decision
// policy and produces an auditable decision.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Document is a policy document. JSON documents are valid YAML, so both
// formats load through the same decoder.
type Document struct {
	Version   string   `yaml:"policy_version" json:"policy_version"`
	Hierarchy []string `yaml:"decision_hierarchy" json:"decision_hierarchy"`

	HardEscalation   map[string][]string `yaml:"hard_escalation_rules" json:"hard_escalation_rules"`
	StrongEscalation map[string][]string `yaml:"strong_escalation_rules" json:"strong_escalation_rules"`
	L1Review         map[string][]string `yaml:"l1_review_rules" json:"l1_review_rules"`
	Close            map[string][]string `yaml:"close_rules" json:"close_rules"`

	// Optional sections; absent fields keep their defaults.
	RequiredActions map[string][]string `yaml:"required_actions" json:"required_actions"`
	Confidence      Confidence          `yaml:"confidence" json:"confidence"`
}

// Confidence parameterizes the decision confidence heuristic.
type Confidence struct {
	Base               map[string]float64 `yaml:"base" json:"base"`
	DefaultBase        float64            `yaml:"default_base" json:"default_base"`
	PerRuleBump        float64            `yaml:"per_rule_bump" json:"per_rule_bump"`
	MaxRuleBump        float64            `yaml:"max_rule_bump" json:"max_rule_bump"`
	PatternHighSevBump float64            `yaml:"pattern_high_sev_bump" json:"pattern_high_sev_bump"`
	Max                float64            `yaml:"max" json:"max"`
}

// DefaultConfidence returns the stock confidence parameters.
func DefaultConfidence() Confidence {
	return Confidence{
		Base: map[string]float64{
			domain.DecisionClose:    0.55,
			domain.DecisionL1Review: 0.65,
			domain.DecisionEscalate: 0.75,
			domain.DecisionSAR:      0.85,
		},
		DefaultBase:        0.60,
		PerRuleBump:        0.02,
		MaxRuleBump:        0.10,
		PatternHighSevBump: 0.05,
		Max:                0.95,
	}
}

// DefaultActions returns the stock label to next-actions table.
func DefaultActions() map[string][]string {
	return map[string][]string{
		domain.DecisionClose:    {"close_case"},
		domain.DecisionL1Review: {"l1_review", "request_basic_context", "confirm_customer_activity_purpose"},
		domain.DecisionEscalate: {"escalate_to_l2", "request_source_of_funds", "review_transaction_chain"},
		domain.DecisionSAR:      {"escalate_to_l2", "consider_sar_filing", "request_source_of_funds", "review_transaction_chain"},
	}
}

// block ties a decision label to the document section that holds its rules.
type block struct {
	section string
	label   string
	rules   func(d *Document) map[string][]string
}

// blocks are evaluated in this order, highest severity first.
var blocks = []block{
	{"hard_escalation_rules", domain.DecisionSAR, func(d *Document) map[string][]string { return d.HardEscalation }},
	{"strong_escalation_rules", domain.DecisionEscalate, func(d *Document) map[string][]string { return d.StrongEscalation }},
	{"l1_review_rules", domain.DecisionL1Review, func(d *Document) map[string][]string { return d.L1Review }},
	{"close_rules", domain.DecisionClose, func(d *Document) map[string][]string { return d.Close }},
}

// Load reads and validates a policy document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError(path, "failed to read policy", err)
	}
	return Parse(path, data)
}

// Parse decodes and validates a policy document.
func Parse(source string, data []byte) (*Document, error) {
	doc := &Document{
		RequiredActions: DefaultActions(),
		Confidence:      DefaultConfidence(),
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, domain.NewConfigError(source, "failed to parse policy", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, domain.NewConfigError(source, "invalid policy", err)
	}
	return doc, nil
}

// Validate checks required keys and decision labels.
func (d *Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("missing required key policy_version")
	}
	if len(d.Hierarchy) == 0 {
		return fmt.Errorf("decision_hierarchy is empty")
	}
	seen := make(map[string]bool, len(d.Hierarchy))
	for _, label := range d.Hierarchy {
		if !knownLabel(label) {
			return fmt.Errorf("decision_hierarchy: unknown label %q", label)
		}
		if seen[label] {
			return fmt.Errorf("decision_hierarchy: duplicate label %q", label)
		}
		seen[label] = true
	}

	for _, b := range blocks {
		section := b.rules(d)
		if section == nil {
			return fmt.Errorf("missing required key %s", b.section)
		}
		if _, ok := section[b.label]; !ok {
			return fmt.Errorf("missing required key %s.%s", b.section, b.label)
		}
		for label := range section {
			if label != b.label {
				return fmt.Errorf("%s: unexpected label %q", b.section, label)
			}
		}
	}

	for label := range d.RequiredActions {
		if !knownLabel(label) {
			return fmt.Errorf("required_actions: unknown label %q", label)
		}
	}
	for label := range d.Confidence.Base {
		if !knownLabel(label) {
			return fmt.Errorf("confidence.base: unknown label %q", label)
		}
	}
	if d.Confidence.Max <= 0 || d.Confidence.Max > 1 {
		return fmt.Errorf("confidence.max must be in (0,1], got %v", d.Confidence.Max)
	}
	return nil
}

func knownLabel(label string) bool {
	for _, l := range domain.DecisionLabels {
		if l == label {
			return true
		}
	}
	return false
}
