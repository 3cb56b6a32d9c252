package domain

// Alert is produced when a rule matches. Alerts are append-only.
type Alert struct {
	ID          string    `json:"alert_id"`
	GeneratedAt Timestamp `json:"generated_at"`
	EventTime   Timestamp `json:"alert_event_time"`

	CustomerID         string `json:"customer_id"`
	CustomerRiskRating string `json:"customer_risk_rating"`
	CustomerType       string `json:"customer_type"`
	AccountStatus      string `json:"account_status"`

	RuleID    string   `json:"rule_id"`
	RuleName  string   `json:"rule_name"`
	RuleType  RuleType `json:"rule_type"`
	Severity  string   `json:"severity"`
	BaseScore float64  `json:"base_score"`

	TriggeredTransactionIDs []string   `json:"triggered_transaction_ids"`
	WindowStart             *Timestamp `json:"window_start"`
	WindowEnd               *Timestamp `json:"window_end"`
}

// Bounds returns the alert's activity window, falling back to its event time
// for whichever side is unset.
func (a *Alert) Bounds() (Timestamp, Timestamp) {
	start, end := a.EventTime, a.EventTime
	if a.WindowStart != nil && !a.WindowStart.IsZero() {
		start = *a.WindowStart
	}
	if a.WindowEnd != nil && !a.WindowEnd.IsZero() {
		end = *a.WindowEnd
	}
	return start, end
}

// Case statuses.
const (
	CaseStatusOpen = "open"
)

// Case priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Case is a time-bounded cluster of one customer's alerts.
type Case struct {
	ID                 string    `json:"case_id"`
	CustomerID         string    `json:"customer_id"`
	CustomerRiskRating string    `json:"customer_risk_rating"`
	CreatedAt          Timestamp `json:"created_at"`
	Status             string    `json:"status"`

	AlertIDs        []string `json:"alerts"`
	TotalAlerts     int      `json:"total_alerts"`
	AggregatedScore float64  `json:"aggregated_score"`
	Priority        string   `json:"case_priority"`

	FirstAlertAt Timestamp `json:"first_alert_at"`
	LastAlertAt  Timestamp `json:"last_alert_at"`
}
