package rules

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Typology is a rule family. Downstream stages classify alerts by family
// using rule-id prefixes instead of re-running rule logic.
type Typology string

const (
	TypologyThreshold Typology = "threshold"
	TypologyVelocity  Typology = "velocity"
	TypologyPattern   Typology = "pattern"
)

// Typologies maps rule id prefixes to families. It is immutable after
// construction and safe for concurrent use.
type Typologies struct {
	threshold []string
	velocity  []string
	pattern   []string
}

// NewTypologies builds a classifier from configured prefixes.
func NewTypologies(cfg domain.FamilyConfig) *Typologies {
	return &Typologies{
		threshold: append([]string(nil), cfg.Threshold...),
		velocity:  append([]string(nil), cfg.Velocity...),
		pattern:   append([]string(nil), cfg.Pattern...),
	}
}

// DefaultTypologies uses the stock rule-id prefixes.
func DefaultTypologies() *Typologies {
	return NewTypologies(domain.DefaultConfig().Pipeline.Families)
}

// Classify returns every family the rule id belongs to.
func (t *Typologies) Classify(ruleID string) []Typology {
	var out []Typology
	if t.IsThreshold(ruleID) {
		out = append(out, TypologyThreshold)
	}
	if t.IsVelocity(ruleID) {
		out = append(out, TypologyVelocity)
	}
	if t.IsPattern(ruleID) {
		out = append(out, TypologyPattern)
	}
	return out
}

// IsThreshold reports whether the rule flags single large amounts.
func (t *Typologies) IsThreshold(ruleID string) bool { return hasAnyPrefix(ruleID, t.threshold) }

// IsVelocity reports whether the rule flags transaction velocity.
func (t *Typologies) IsVelocity(ruleID string) bool { return hasAnyPrefix(ruleID, t.velocity) }

// IsPattern reports whether the rule detects a behavioral pattern.
func (t *Typologies) IsPattern(ruleID string) bool { return hasAnyPrefix(ruleID, t.pattern) }

// Reason derives the trigger-reason flags from a set of rule ids.
func (t *Typologies) Reason(ruleIDs []string) domain.TriggerReason {
	var r domain.TriggerReason
	for _, id := range ruleIDs {
		r.ThresholdExceeded = r.ThresholdExceeded || t.IsThreshold(id)
		r.VelocityViolation = r.VelocityViolation || t.IsVelocity(id)
		r.PatternDetected = r.PatternDetected || t.IsPattern(id)
	}
	return r
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
