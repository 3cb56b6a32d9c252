package cases

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxSpan is the case span above which the validator warns about clustering.
const maxSpan = 45 * 24 * time.Hour

// Validation checks.
const (
	CheckDuplicateCase    = "duplicate_case"
	CheckNoAlerts         = "no_alerts"
	CheckMissingAlert     = "missing_alert"
	CheckTimeOrder        = "time_order"
	CheckSpan             = "span"
	CheckScore            = "score"
	CheckPriority         = "priority"
	CheckTotalAlerts      = "total_alerts"
	CheckRiskRating       = "risk_rating"
	CheckAlertReuse       = "alert_reuse"
	CheckHighRiskCoverage = "high_risk_coverage"
)

// Finding is one validator result.
type Finding struct {
	CaseID string `json:"case_id,omitempty"`
	Check  string `json:"check"`
	Msg    string `json:"message"`
}

func (f Finding) String() string {
	if f.CaseID == "" {
		return fmt.Sprintf("%s: %s", f.Check, f.Msg)
	}
	return fmt.Sprintf("case %s: %s: %s", f.CaseID, f.Check, f.Msg)
}

// Report is the outcome of Validate.
type Report struct {
	Cases          int            `json:"cases"`
	Failures       []Finding      `json:"failures"`
	Warnings       []Finding      `json:"warnings"`
	PriorityCounts map[string]int `json:"priority_counts"`
	AvgAlerts      float64        `json:"avg_alerts_per_case"`
	MaxAlerts      int            `json:"max_alerts_in_case"`
	AvgSpanDays    float64        `json:"avg_span_days"`
	ZeroSpanCases  []string       `json:"zero_span_cases"`
}

// OK reports whether no structural failure was found.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Validate checks a case set against the alerts and customers it was built
// from. Structural problems are failures; business oddities are warnings.
func Validate(cases []*domain.Case, alerts map[string]*domain.Alert, customers map[string]*domain.Customer, t *rules.Typologies) *Report {
	if t == nil {
		t = rules.DefaultTypologies()
	}
	r := &Report{
		Cases:          len(cases),
		PriorityCounts: make(map[string]int),
	}
	fail := func(caseID, check, format string, args ...any) {
		r.Failures = append(r.Failures, Finding{CaseID: caseID, Check: check, Msg: fmt.Sprintf(format, args...)})
	}
	warn := func(caseID, check, format string, args ...any) {
		r.Warnings = append(r.Warnings, Finding{CaseID: caseID, Check: check, Msg: fmt.Sprintf(format, args...)})
	}

	seenCase := make(map[string]bool, len(cases))
	usage := make(map[string]int)
	casesByCustomer := make(map[string]int)
	var totalAlerts, spanDays int

	for _, c := range cases {
		if seenCase[c.ID] {
			fail(c.ID, CheckDuplicateCase, "duplicate case_id")
		}
		seenCase[c.ID] = true
		casesByCustomer[c.CustomerID]++
		r.PriorityCounts[c.Priority]++

		if len(c.AlertIDs) == 0 {
			fail(c.ID, CheckNoAlerts, "case has no alerts")
		}
		if c.TotalAlerts != len(c.AlertIDs) {
			fail(c.ID, CheckTotalAlerts, "total_alerts %d but %d alert ids", c.TotalAlerts, len(c.AlertIDs))
		}
		totalAlerts += len(c.AlertIDs)
		r.MaxAlerts = max(r.MaxAlerts, len(c.AlertIDs))

		resolved := make([]*domain.Alert, 0, len(c.AlertIDs))
		for _, id := range c.AlertIDs {
			a, ok := alerts[id]
			if !ok {
				fail(c.ID, CheckMissingAlert, "references missing alert %s", id)
				continue
			}
			usage[id]++
			resolved = append(resolved, a)
		}

		if c.FirstAlertAt.After(c.LastAlertAt.Time) {
			fail(c.ID, CheckTimeOrder, "first_alert_at %s after last_alert_at %s", c.FirstAlertAt, c.LastAlertAt)
		}
		span := c.LastAlertAt.Sub(c.FirstAlertAt.Time)
		days := int(span / (24 * time.Hour))
		spanDays += days
		if span > maxSpan {
			warn(c.ID, CheckSpan, "case spans %d days", days)
		}
		if days == 0 {
			r.ZeroSpanCases = append(r.ZeroSpanCases, c.ID)
		}

		score := Score(resolved)
		if math.Abs(score-c.AggregatedScore) > scoreTolerance {
			fail(c.ID, CheckScore, "aggregated_score %.2f but alerts sum to %.2f", c.AggregatedScore, score)
		}
		if want := Priority(resolved, score, t); want != c.Priority {
			fail(c.ID, CheckPriority, "priority %q but alerts imply %q", c.Priority, want)
		}

		cust, ok := customers[c.CustomerID]
		switch {
		case !ok:
			fail(c.ID, CheckRiskRating, "customer %s not found", c.CustomerID)
		case cust.RiskRating != c.CustomerRiskRating:
			fail(c.ID, CheckRiskRating, "risk rating %q but customer profile has %q", c.CustomerRiskRating, cust.RiskRating)
		}
	}

	var reused []string
	for id, n := range usage {
		if n > 1 {
			reused = append(reused, id)
		}
	}
	sort.Strings(reused)
	for _, id := range reused {
		fail("", CheckAlertReuse, "alert %s appears in %d cases", id, usage[id])
	}

	alerted := make(map[string]bool)
	for _, a := range alerts {
		alerted[a.CustomerID] = true
	}
	var uncovered []string
	for id, cust := range customers {
		if cust.RiskRating == domain.RiskHigh && alerted[id] && casesByCustomer[id] == 0 {
			uncovered = append(uncovered, id)
		}
	}
	sort.Strings(uncovered)
	for _, id := range uncovered {
		warn("", CheckHighRiskCoverage, "high-risk customer %s has alerts but no case", id)
	}

	if len(cases) > 0 {
		r.AvgAlerts = float64(totalAlerts) / float64(len(cases))
		r.AvgSpanDays = float64(spanDays) / float64(len(cases))
	}
	return r
}
