package rules

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Alert distribution limits.
const (
	busyCustomerAlerts     = 5
	crowdedCustomerAlerts  = 10
	dominantRuleShare      = 70.0
	suspiciousMaxBaseScore = 1000.0
)

// Alert distribution checks.
const (
	CheckNoAlerts         = "no_alerts"
	CheckGeneratedAt      = "generated_at"
	CheckTriggeredTxs     = "triggered_transactions"
	CheckCrowdedCustomers = "crowded_customers"
	CheckDominantRule     = "dominant_rule"
	CheckRiskInversion    = "risk_inversion"
	CheckHighRiskCoverage = "high_risk_coverage"
	CheckBaseScore        = "base_score"
	CheckRunCount         = "run_count"
)

// Finding is one alert validator result.
type Finding struct {
	AlertID string `json:"alert_id,omitempty"`
	Check   string `json:"check"`
	Msg     string `json:"message"`
}

func (f Finding) String() string {
	if f.AlertID == "" {
		return fmt.Sprintf("%s: %s", f.Check, f.Msg)
	}
	return fmt.Sprintf("alert %s: %s: %s", f.AlertID, f.Check, f.Msg)
}

// RuleShare is the alert count of one rule and its share of all alerts.
type RuleShare struct {
	RuleID  string  `json:"rule_id"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// AlertReport is the outcome of ValidateAlerts.
type AlertReport struct {
	Alerts           int                `json:"alerts"`
	ByRule           []RuleShare        `json:"by_rule"`
	ByRisk           map[string]int     `json:"by_risk"`
	BySeverity       map[string]int     `json:"by_severity"`
	ByCustomerType   map[string]int     `json:"by_customer_type"`
	BusyCustomers    int                `json:"customers_over_5_alerts"`
	CrowdedCustomers int                `json:"customers_over_10_alerts"`
	AvgBaseScore     float64            `json:"avg_base_score"`
	MaxBaseScore     float64            `json:"max_base_score"`
	AvgPerCustomer   map[string]float64 `json:"avg_alerts_per_customer_by_risk"`
	Failures         []Finding          `json:"failures"`
	Warnings         []Finding          `json:"warnings"`
}

// OK reports whether no structural failure was found.
func (r *AlertReport) OK() bool { return len(r.Failures) == 0 }

// ValidateAlerts checks the shape of an alert set. customers may be nil, in
// which case per-risk averages use the alerting customers only. expected is
// the alert count the producing run reported; a negative value means no run
// metadata was available.
func ValidateAlerts(alerts []*domain.Alert, customers map[string]*domain.Customer, expected int) *AlertReport {
	r := &AlertReport{
		Alerts:         len(alerts),
		ByRisk:         make(map[string]int),
		BySeverity:     make(map[string]int),
		ByCustomerType: make(map[string]int),
		AvgPerCustomer: make(map[string]float64),
	}
	fail := func(alertID, check, format string, args ...any) {
		r.Failures = append(r.Failures, Finding{AlertID: alertID, Check: check, Msg: fmt.Sprintf(format, args...)})
	}
	warn := func(alertID, check, format string, args ...any) {
		r.Warnings = append(r.Warnings, Finding{AlertID: alertID, Check: check, Msg: fmt.Sprintf(format, args...)})
	}

	switch {
	case expected < 0:
		warn("", CheckRunCount, "no run metadata to compare the alert count with")
	case expected != len(alerts):
		fail("", CheckRunCount, "run reported %d alerts, file holds %d", expected, len(alerts))
	}
	if len(alerts) == 0 {
		fail("", CheckNoAlerts, "no alerts found")
		return r
	}

	byRule := make(map[string]int)
	byCustomer := make(map[string]int)
	customerRisk := make(map[string]string)
	var scoreSum float64
	for _, a := range alerts {
		byRule[a.RuleID]++
		r.ByRisk[a.CustomerRiskRating]++
		r.BySeverity[a.Severity]++
		r.ByCustomerType[a.CustomerType]++
		byCustomer[a.CustomerID]++
		customerRisk[a.CustomerID] = a.CustomerRiskRating

		scoreSum += a.BaseScore
		if a.BaseScore > r.MaxBaseScore {
			r.MaxBaseScore = a.BaseScore
		}
		if a.GeneratedAt.IsZero() {
			fail(a.ID, CheckGeneratedAt, "generated_at is missing or malformed")
		}
		if len(a.TriggeredTransactionIDs) == 0 {
			fail(a.ID, CheckTriggeredTxs, "no triggered transactions")
		}
	}
	r.AvgBaseScore = scoreSum / float64(len(alerts))

	for id, n := range byRule {
		r.ByRule = append(r.ByRule, RuleShare{RuleID: id, Count: n, Percent: 100 * float64(n) / float64(len(alerts))})
	}
	sort.Slice(r.ByRule, func(i, j int) bool {
		if r.ByRule[i].Count != r.ByRule[j].Count {
			return r.ByRule[i].Count > r.ByRule[j].Count
		}
		return r.ByRule[i].RuleID < r.ByRule[j].RuleID
	})
	for _, s := range r.ByRule {
		if s.Percent > dominantRuleShare {
			warn("", CheckDominantRule, "rule %s produced %.1f%% of alerts", s.RuleID, s.Percent)
		}
	}

	for _, n := range byCustomer {
		if n > busyCustomerAlerts {
			r.BusyCustomers++
		}
		if n > crowdedCustomerAlerts {
			r.CrowdedCustomers++
		}
	}
	if r.CrowdedCustomers > 0 {
		warn("", CheckCrowdedCustomers, "%d customers have more than %d alerts", r.CrowdedCustomers, crowdedCustomerAlerts)
	}

	if r.ByRisk[domain.RiskLow] > r.ByRisk[domain.RiskHigh] {
		warn("", CheckRiskInversion, "low-risk customers have more alerts (%d) than high-risk (%d)",
			r.ByRisk[domain.RiskLow], r.ByRisk[domain.RiskHigh])
	}
	if r.ByRisk[domain.RiskHigh] == 0 {
		fail("", CheckHighRiskCoverage, "no alerts for high-risk customers")
	}
	if r.MaxBaseScore > suspiciousMaxBaseScore {
		warn("", CheckBaseScore, "max base score %.1f exceeds %.0f", r.MaxBaseScore, suspiciousMaxBaseScore)
	}

	population := make(map[string]int)
	if customers != nil {
		for _, c := range customers {
			population[c.RiskRating]++
		}
	} else {
		for _, risk := range customerRisk {
			population[risk]++
		}
	}
	for risk, n := range r.ByRisk {
		if population[risk] > 0 {
			r.AvgPerCustomer[risk] = float64(n) / float64(population[risk])
		}
	}
	return r
}
