package enrichment

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ErrUnresolvable is returned when a case cannot be joined with enough of its
// alerts to produce an enriched view.
var ErrUnresolvable = errors.New("case cannot be enriched")

// DefaultHighRiskChannel is the channel counted by crypto_percentage.
const DefaultHighRiskChannel = "crypto"

// Enricher produces EnrichedCase views from an Index.
type Enricher struct {
	index           *Index
	typologies      *rules.Typologies
	highRiskChannel string
	logger          *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithTypologies sets the rule family classifier.
func WithTypologies(t *rules.Typologies) Option {
	return func(e *Enricher) {
		if t != nil {
			e.typologies = t
		}
	}
}

// WithHighRiskChannel sets the channel counted as high risk.
func WithHighRiskChannel(ch string) Option {
	return func(e *Enricher) {
		if ch != "" {
			e.highRiskChannel = ch
		}
	}
}

// WithLogger sets the enricher logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) { e.logger = l }
}

// NewEnricher creates an Enricher over a complete index.
func NewEnricher(index *Index, opts ...Option) *Enricher {
	e := &Enricher{
		index:           index,
		typologies:      rules.DefaultTypologies(),
		highRiskChannel: DefaultHighRiskChannel,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "enrichment")
	return e
}

// Index returns the index the enricher reads from.
func (e *Enricher) Index() *Index { return e.index }

// Enrich builds the enriched view of one case. Unresolvable alert and
// transaction references are returned as warnings; a case with no resolvable
// alerts or no usable time window fails with ErrUnresolvable.
func (e *Enricher) Enrich(c *domain.Case) (*domain.EnrichedCase, []domain.Warning, error) {
	if c == nil || c.ID == "" || c.CustomerID == "" {
		return nil, nil, fmt.Errorf("%w: case without case_id or customer_id", ErrUnresolvable)
	}
	if len(c.AlertIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: case %s has no alerts", ErrUnresolvable, c.ID)
	}

	var warnings []domain.Warning
	warn := func(kind, ref, format string, args ...any) {
		warnings = append(warnings, domain.Warning{CaseID: c.ID, Kind: kind, Ref: ref, Msg: fmt.Sprintf(format, args...)})
	}

	resolved := make([]*domain.Alert, 0, len(c.AlertIDs))
	for _, id := range c.AlertIDs {
		a, ok := e.index.Alert(id)
		if !ok {
			warn(domain.WarnMissingAlert, id, "alert %s not found", id)
			continue
		}
		resolved = append(resolved, a)
	}
	if len(resolved) == 0 {
		return nil, nil, fmt.Errorf("%w: none of case %s alerts exist", ErrUnresolvable, c.ID)
	}
	// With every alert present the stored score must still be their sum.
	if len(resolved) == len(c.AlertIDs) {
		if err := cases.VerifyScore(c, e.index.Alerts()); err != nil {
			return nil, warnings, err
		}
	}

	window, ok := caseWindow(c, resolved)
	if !ok {
		return nil, nil, fmt.Errorf("%w: case %s has no time window", ErrUnresolvable, c.ID)
	}
	if window.Start.After(window.End.Time) {
		return nil, nil, fmt.Errorf("%w: case %s window starts %s after it ends %s", ErrUnresolvable, c.ID, window.Start, window.End)
	}

	snapshot := domain.UnknownCustomer()
	if cust, ok := e.index.Customer(c.CustomerID); ok {
		snapshot = domain.CustomerSnapshot{
			RiskRating:           cust.RiskRating,
			CustomerType:         cust.CustomerType,
			AccountStatus:        cust.AccountStatus,
			OnboardingDate:       cust.OnboardingDate,
			HistoricalAlertCount: e.index.countAlertsBefore(c.CustomerID, window.Start),
		}
	} else {
		warn(domain.WarnMissingCustomer, c.CustomerID, "customer %s not found", c.CustomerID)
	}

	summaries, ruleIDs, txRules := e.summarize(resolved)

	flagged := make([]domain.FlaggedTransaction, 0, len(txRules))
	txIDs := make([]string, 0, len(txRules))
	for id := range txRules {
		txIDs = append(txIDs, id)
	}
	sort.Strings(txIDs)

	inCase := make(map[string]bool, len(c.AlertIDs))
	for _, id := range c.AlertIDs {
		inCase[id] = true
	}
	for _, txID := range txIDs {
		ft := e.flagged(txID, inCase, txRules[txID])
		if ft.Missing {
			warn(domain.WarnMissingTransaction, txID, "flagged transaction %s not found", txID)
		}
		flagged = append(flagged, ft)
	}

	pattern := false
	for _, id := range ruleIDs {
		pattern = pattern || e.typologies.IsPattern(id)
	}

	enriched := &domain.EnrichedCase{
		CaseID:           c.ID,
		CustomerID:       c.CustomerID,
		CustomerSnapshot: snapshot,
		CaseMetadata: domain.CaseMetadata{
			Priority:           c.Priority,
			AggregatedScore:    c.AggregatedScore,
			TotalAlerts:        c.TotalAlerts,
			RuleTypesTriggered: ruleIDs,
			PatternPresent:     pattern,
			TimeWindow:         window,
		},
		AlertsInCase:        summaries,
		FlaggedTransactions: flagged,
		BehaviorSnapshot:    e.behavior(c.CustomerID, window),
	}

	for _, w := range warnings {
		e.logger.Warn("enrichment reference unresolved", "case_id", c.ID, "kind", w.Kind, "ref", w.Ref)
	}
	return enriched, warnings, nil
}

// summarize projects the resolved alerts and collects the sorted rule id set
// plus, per flagged transaction, the rule ids that tagged it within this case.
func (e *Enricher) summarize(alerts []*domain.Alert) ([]domain.AlertSummary, []string, map[string][]string) {
	summaries := make([]domain.AlertSummary, 0, len(alerts))
	ruleSet := make(map[string]bool)
	txRules := make(map[string][]string)

	for _, a := range alerts {
		triggered := append(make([]string, 0, len(a.TriggeredTransactionIDs)), a.TriggeredTransactionIDs...)
		summaries = append(summaries, domain.AlertSummary{
			AlertID:                 a.ID,
			RuleID:                  a.RuleID,
			RuleName:                a.RuleName,
			Severity:                a.Severity,
			BaseScore:               a.BaseScore,
			TriggeredTransactionIDs: triggered,
		})
		if a.RuleID != "" {
			ruleSet[a.RuleID] = true
		}
		for _, txID := range a.TriggeredTransactionIDs {
			txRules[txID] = append(txRules[txID], a.RuleID)
		}
	}

	ruleIDs := make([]string, 0, len(ruleSet))
	for id := range ruleSet {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)
	return summaries, ruleIDs, txRules
}

func (e *Enricher) flagged(txID string, inCase map[string]bool, ruleIDs []string) domain.FlaggedTransaction {
	linked := make([]string, 0)
	for _, id := range e.index.AlertsForTransaction(txID) {
		if inCase[id] {
			linked = append(linked, id)
		}
	}

	ft := domain.FlaggedTransaction{
		TransactionID:     txID,
		LinkedAlertIDs:    linked,
		RuleTriggerReason: e.typologies.Reason(ruleIDs),
	}

	tx, ok := e.index.Transaction(txID)
	if !ok {
		ft.Missing = true
		ft.Currency = domain.Unknown
		ft.CounterpartyCountry = domain.Unknown
		return ft
	}

	ts := tx.Timestamp
	amount := tx.Amount
	ft.Timestamp = &ts
	ft.Amount = &amount
	ft.Currency = tx.Currency
	ft.CounterpartyCountry = tx.CounterpartyCountry
	ft.IsCrypto = tx.Channel == e.highRiskChannel
	return ft
}

// behavior computes descriptive statistics over the customer's transactions
// inside the window, bounds included.
func (e *Enricher) behavior(customerID string, window domain.TimeWindow) domain.BehaviorSnapshot {
	var (
		count    int
		highRisk int
		total    = decimal.Zero
		largest  = decimal.Zero
	)
	for _, tx := range e.index.CustomerTransactions(customerID) {
		if tx.Timestamp.After(window.End.Time) {
			break
		}
		if !window.Contains(tx.Timestamp) {
			continue
		}
		amount := decimal.NewFromFloat(tx.Amount)
		total = total.Add(amount)
		if count == 0 || amount.GreaterThan(largest) {
			largest = amount
		}
		if tx.Channel == e.highRiskChannel {
			highRisk++
		}
		count++
	}

	if count == 0 {
		return domain.BehaviorSnapshot{}
	}

	n := decimal.NewFromInt(int64(count))
	return domain.BehaviorSnapshot{
		TotalTxInWindow:     count,
		TotalVolumeInWindow: round2(total),
		AvgTxAmount:         round2(total.Div(n)),
		MaxTxAmount:         round2(largest),
		CryptoPercentage:    round2(decimal.NewFromInt(int64(highRisk)).Mul(decimal.NewFromInt(100)).Div(n)),
	}
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// caseWindow prefers the case's own first/last alert times and falls back to
// the alerts' window bounds for whichever side is unset.
func caseWindow(c *domain.Case, alerts []*domain.Alert) (domain.TimeWindow, bool) {
	w := domain.TimeWindow{Start: c.FirstAlertAt, End: c.LastAlertAt}
	if !w.Start.IsZero() && !w.End.IsZero() {
		return w, true
	}

	var lo, hi domain.Timestamp
	for _, a := range alerts {
		start, end := a.Bounds()
		if !start.IsZero() && (lo.IsZero() || start.Before(lo.Time)) {
			lo = start
		}
		if !end.IsZero() && (hi.IsZero() || end.After(hi.Time)) {
			hi = end
		}
	}
	if w.Start.IsZero() {
		w.Start = lo
	}
	if w.End.IsZero() {
		w.End = hi
	}
	return w, !w.Start.IsZero() && !w.End.IsZero()
}
