// Package signals validates an enriched case and derives the fixed variable
// set that policy expressions are evaluated against.
package signals

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expr"
)

// Variable names exposed to policy expressions.
const (
	VarAggregatedScore      = "aggregated_score"
	VarTotalAlerts          = "total_alerts"
	VarPatternPresent       = "pattern_present"
	VarHighSev              = "high_sev"
	VarCustomerRisk         = "customer_risk"
	VarPriority             = "priority"
	VarCryptoPercentage     = "crypto_percentage"
	VarMaxTxAmount          = "max_tx_amount"
	VarTotalTxInWindow      = "total_tx_in_window"
	VarTotalVolumeInWindow  = "total_volume_in_window"
	VarAnyThresholdExceeded = "any_threshold_exceeded"
	VarAnyPatternDetected   = "any_pattern_detected"
)

// Schema is the signal schema policy expressions are compiled against.
// Numeric signals are dynamic so that integer and decimal literals compare and
// test equality against them interchangeably.
func Schema() expr.Schema {
	return expr.Schema{
		VarAggregatedScore:      expr.KindDyn,
		VarTotalAlerts:          expr.KindDyn,
		VarPatternPresent:       expr.KindBool,
		VarHighSev:              expr.KindBool,
		VarCustomerRisk:         expr.KindString,
		VarPriority:             expr.KindString,
		VarCryptoPercentage:     expr.KindDyn,
		VarMaxTxAmount:          expr.KindDyn,
		VarTotalTxInWindow:      expr.KindDyn,
		VarTotalVolumeInWindow:  expr.KindDyn,
		VarAnyThresholdExceeded: expr.KindBool,
		VarAnyPatternDetected:   expr.KindBool,
	}
}

// Signals are the derived, validated inputs of one policy evaluation.
type Signals struct {
	CaseID     string
	CustomerID string

	AggregatedScore float64
	TotalAlerts     int
	PatternPresent  bool
	HighSev         bool
	CustomerRisk    string
	Priority        string

	CryptoPercentage     float64
	MaxTxAmount          float64
	TotalTxInWindow      int
	TotalVolumeInWindow  float64
	AnyThresholdExceeded bool
	AnyPatternDetected   bool
}

// Vars returns the variable map handed to compiled expressions. Counts are
// int64 and amounts float64.
func (s Signals) Vars() map[string]any {
	return map[string]any{
		VarAggregatedScore:      s.AggregatedScore,
		VarTotalAlerts:          int64(s.TotalAlerts),
		VarPatternPresent:       s.PatternPresent,
		VarHighSev:              s.HighSev,
		VarCustomerRisk:         s.CustomerRisk,
		VarPriority:             s.Priority,
		VarCryptoPercentage:     s.CryptoPercentage,
		VarMaxTxAmount:          s.MaxTxAmount,
		VarTotalTxInWindow:      int64(s.TotalTxInWindow),
		VarTotalVolumeInWindow:  s.TotalVolumeInWindow,
		VarAnyThresholdExceeded: s.AnyThresholdExceeded,
		VarAnyPatternDetected:   s.AnyPatternDetected,
	}
}

// ValidationError lists every problem found in one enriched case.
type ValidationError struct {
	CaseID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	id := e.CaseID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("case %s failed validation: %s", id, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match domain.ErrValidation.
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

var validRisk = map[string]bool{
	domain.RiskLow: true, domain.RiskMedium: true, domain.RiskHigh: true, domain.RiskUnknown: true,
}

// Extract validates an enriched case and derives its signals. Any violation
// rejects the whole case with a *ValidationError.
func Extract(ec *domain.EnrichedCase) (Signals, error) {
	if ec == nil {
		return Signals{}, &ValidationError{Problems: []string{"enriched case is nil"}}
	}

	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if ec.CaseID == "" {
		bad("case_id is empty")
	}
	if ec.CustomerID == "" {
		bad("customer_id is empty")
	}

	risk := ec.CustomerSnapshot.RiskRating
	if !validRisk[risk] {
		bad("customer_snapshot.risk_rating %q is not one of Low, Medium, High, unknown", risk)
	}

	meta := ec.CaseMetadata
	if meta.AggregatedScore < 0 {
		bad("case_metadata.aggregated_score must be >= 0, got %v", meta.AggregatedScore)
	}
	if meta.TotalAlerts < 0 {
		bad("case_metadata.total_alerts must be >= 0, got %d", meta.TotalAlerts)
	}
	if meta.TotalAlerts != len(ec.AlertsInCase) {
		bad("case_metadata.total_alerts is %d but alerts_in_case has %d entries", meta.TotalAlerts, len(ec.AlertsInCase))
	}

	priority := strings.ToLower(meta.Priority)
	switch priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
	default:
		bad("case_metadata.priority %q is not one of low, medium, high", meta.Priority)
	}

	tw := meta.TimeWindow
	if !tw.Start.IsZero() && !tw.End.IsZero() && tw.Start.After(tw.End.Time) {
		bad("case_metadata.time_window.start %s is after end %s", tw.Start, tw.End)
	}

	highSev := false
	for i, a := range ec.AlertsInCase {
		sev := strings.ToLower(a.Severity)
		if !domain.ValidSeverity(sev) {
			bad("alerts_in_case[%d].severity %q is not one of low, medium, high", i, a.Severity)
		}
		highSev = highSev || sev == domain.SeverityHigh
	}

	b := ec.BehaviorSnapshot
	if b.CryptoPercentage < 0 || b.CryptoPercentage > 100 {
		bad("behavior_snapshot.crypto_percentage must be in [0,100], got %v", b.CryptoPercentage)
	}
	if b.MaxTxAmount < 0 {
		bad("behavior_snapshot.max_tx_amount must be >= 0, got %v", b.MaxTxAmount)
	}
	if b.TotalTxInWindow < 0 {
		bad("behavior_snapshot.total_tx_in_window must be >= 0, got %d", b.TotalTxInWindow)
	}
	if b.TotalVolumeInWindow < 0 {
		bad("behavior_snapshot.total_volume_in_window must be >= 0, got %v", b.TotalVolumeInWindow)
	}

	var anyThreshold, anyPattern bool
	for i, ft := range ec.FlaggedTransactions {
		// placeholders for unresolved transactions carry no timestamp
		if !ft.Missing && (ft.Timestamp == nil || ft.Timestamp.IsZero()) {
			bad("flagged_transactions[%d] (%s) has no timestamp", i, ft.TransactionID)
		}
		anyThreshold = anyThreshold || ft.RuleTriggerReason.ThresholdExceeded
		anyPattern = anyPattern || ft.RuleTriggerReason.PatternDetected
	}

	if len(problems) > 0 {
		return Signals{}, &ValidationError{CaseID: ec.CaseID, Problems: problems}
	}

	return Signals{
		CaseID:               ec.CaseID,
		CustomerID:           ec.CustomerID,
		AggregatedScore:      meta.AggregatedScore,
		TotalAlerts:          meta.TotalAlerts,
		PatternPresent:       meta.PatternPresent,
		HighSev:              highSev,
		CustomerRisk:         risk,
		Priority:             priority,
		CryptoPercentage:     b.CryptoPercentage,
		MaxTxAmount:          b.MaxTxAmount,
		TotalTxInWindow:      b.TotalTxInWindow,
		TotalVolumeInWindow:  b.TotalVolumeInWindow,
		AnyThresholdExceeded: anyThreshold,
		AnyPatternDetected:   anyPattern,
	}, nil
}
