package domain

// EnrichedCase is a read-only join of a case with its alerts, transactions and
// customer context. It is recomputed on demand and never a source of truth.
type EnrichedCase struct {
	CaseID              string               `json:"case_id"`
	CustomerID          string               `json:"customer_id"`
	CustomerSnapshot    CustomerSnapshot     `json:"customer_snapshot"`
	CaseMetadata        CaseMetadata         `json:"case_metadata"`
	AlertsInCase        []AlertSummary       `json:"alerts_in_case"`
	FlaggedTransactions []FlaggedTransaction `json:"flagged_transactions"`
	BehaviorSnapshot    BehaviorSnapshot     `json:"behavior_snapshot"`
}

// CustomerSnapshot is the customer context at enrichment time.
type CustomerSnapshot struct {
	RiskRating           string `json:"risk_rating"`
	CustomerType         string `json:"customer_type"`
	AccountStatus        string `json:"account_status"`
	OnboardingDate       string `json:"onboarding_date"`
	HistoricalAlertCount int    `json:"historical_alert_count"`
}

// UnknownCustomer is the placeholder snapshot for a missing customer record.
func UnknownCustomer() CustomerSnapshot {
	return CustomerSnapshot{
		RiskRating:     Unknown,
		CustomerType:   Unknown,
		AccountStatus:  Unknown,
		OnboardingDate: Unknown,
	}
}

// CaseMetadata summarizes the case itself.
type CaseMetadata struct {
	Priority           string     `json:"priority"`
	AggregatedScore    float64    `json:"aggregated_score"`
	TotalAlerts        int        `json:"total_alerts"`
	RuleTypesTriggered []string   `json:"rule_types_triggered"`
	PatternPresent     bool       `json:"pattern_present"`
	TimeWindow         TimeWindow `json:"time_window"`
}

// TimeWindow is an inclusive [Start, End] interval.
type TimeWindow struct {
	Start Timestamp `json:"start"`
	End   Timestamp `json:"end"`
}

// Contains reports whether ts falls inside the window, bounds included.
func (w TimeWindow) Contains(ts Timestamp) bool {
	return !ts.Before(w.Start.Time) && !ts.After(w.End.Time)
}

// AlertSummary is the in-case projection of an alert.
type AlertSummary struct {
	AlertID                 string   `json:"alert_id"`
	RuleID                  string   `json:"rule_id"`
	RuleName                string   `json:"rule_name"`
	Severity                string   `json:"severity"`
	BaseScore               float64  `json:"base_score"`
	TriggeredTransactionIDs []string `json:"triggered_transaction_ids"`
}

// FlaggedTransaction is a transaction referenced by at least one in-case alert.
type FlaggedTransaction struct {
	TransactionID       string        `json:"transaction_id"`
	LinkedAlertIDs      []string      `json:"linked_alert_ids"`
	Timestamp           *Timestamp    `json:"timestamp"`
	Amount              *float64      `json:"amount"`
	Currency            string        `json:"currency"`
	CounterpartyCountry string        `json:"counterparty_country"`
	IsCrypto            bool          `json:"is_crypto"`
	Missing             bool          `json:"missing,omitempty"`
	RuleTriggerReason   TriggerReason `json:"rule_trigger_reason"`
}

// TriggerReason classifies which rule families tagged a transaction.
type TriggerReason struct {
	ThresholdExceeded bool `json:"threshold_exceeded"`
	VelocityViolation bool `json:"velocity_violation"`
	PatternDetected   bool `json:"pattern_detected"`
}

// BehaviorSnapshot holds descriptive statistics over the customer's
// transactions inside the case window.
type BehaviorSnapshot struct {
	TotalTxInWindow     int     `json:"total_tx_in_window"`
	TotalVolumeInWindow float64 `json:"total_volume_in_window"`
	AvgTxAmount         float64 `json:"avg_tx_amount"`
	MaxTxAmount         float64 `json:"max_tx_amount"`
	CryptoPercentage    float64 `json:"crypto_percentage"` // 0-100
}
