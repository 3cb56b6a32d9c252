package domain

// Transaction is an immutable customer transaction as produced upstream.
type Transaction struct {
	ID         string    `json:"transaction_id"`
	CustomerID string    `json:"customer_id"`
	Timestamp  Timestamp `json:"timestamp"`

	Amount    float64 `json:"amount_usd"`
	Currency  string  `json:"currency"`
	Channel   string  `json:"channel"`   // wire, card, crypto, ach, p2p
	Direction string  `json:"direction"` // debit, credit

	CounterpartyID        string `json:"counterparty_id,omitempty"`
	CounterpartyType      string `json:"counterparty_type,omitempty"`
	CounterpartyCountry   string `json:"counterparty_country,omitempty"`
	CounterpartyRiskLevel string `json:"counterparty_risk_level,omitempty"`

	IsCrossBorder      bool `json:"is_cross_border"`
	IsHighRiskCorridor bool `json:"is_high_risk_corridor"`
}

// Field returns the value of a named transaction field for rule conditions.
// Numbers are returned as float64 so comparisons need no per-field typing.
func (t *Transaction) Field(name string) (any, bool) {
	switch name {
	case "transaction_id":
		return t.ID, true
	case "customer_id":
		return t.CustomerID, true
	case "amount", "amount_usd":
		return t.Amount, true
	case "currency":
		return t.Currency, true
	case "channel":
		return t.Channel, true
	case "direction":
		return t.Direction, true
	case "counterparty_id":
		return t.CounterpartyID, true
	case "counterparty_type":
		return t.CounterpartyType, true
	case "counterparty_country":
		return t.CounterpartyCountry, true
	case "counterparty_risk_level":
		return t.CounterpartyRiskLevel, true
	case "is_cross_border":
		return t.IsCrossBorder, true
	case "is_high_risk_corridor":
		return t.IsHighRiskCorridor, true
	}
	return nil, false
}

// TransactionFields lists every name Field understands.
var TransactionFields = []string{
	"transaction_id", "customer_id", "amount", "amount_usd", "currency", "channel",
	"direction", "counterparty_id", "counterparty_type", "counterparty_country",
	"counterparty_risk_level", "is_cross_border", "is_high_risk_corridor",
}

// Customer is the subset of a customer profile the pipeline reads.
type Customer struct {
	ID             string `json:"customer_id"`
	CustomerType   string `json:"customer_type"`
	RiskRating     string `json:"risk_rating"` // Low, Medium, High
	AccountStatus  string `json:"account_status"`
	OnboardingDate string `json:"onboarding_date,omitempty"`
	KYCLevel       string `json:"kyc_level,omitempty"`
}

// Risk ratings.
const (
	RiskLow     = "Low"
	RiskMedium  = "Medium"
	RiskHigh    = "High"
	RiskUnknown = "unknown"
)

// Unknown is the placeholder used when a customer record is absent.
const Unknown = "unknown"
