package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ts(hours float64) domain.Timestamp {
	return domain.NewTimestamp(t0.Add(time.Duration(hours * float64(time.Hour))))
}

func ptr(t domain.Timestamp) *domain.Timestamp { return &t }

type fixture struct {
	customers map[string]*domain.Customer
	txs       []*domain.Transaction
	alerts    []*domain.Alert
	kase      *domain.Case
}

func newFixture() *fixture {
	f := &fixture{
		customers: map[string]*domain.Customer{
			"C1": {
				ID: "C1", CustomerType: "business", RiskRating: domain.RiskHigh,
				AccountStatus: "active", OnboardingDate: "2021-03-04",
			},
		},
		txs: []*domain.Transaction{
			{ID: "t0", CustomerID: "C1", Timestamp: ts(-48), Amount: 5, Channel: "card"},
			{ID: "t1", CustomerID: "C1", Timestamp: ts(0), Amount: 100.005, Channel: "crypto", Currency: "USD", CounterpartyCountry: "MT"},
			{ID: "t2", CustomerID: "C1", Timestamp: ts(1), Amount: 200, Channel: "wire", Currency: "USD", CounterpartyCountry: "GB"},
			{ID: "t3", CustomerID: "C1", Timestamp: ts(2), Amount: 300, Channel: "crypto", Currency: "USD"},
			{ID: "t4", CustomerID: "C1", Timestamp: ts(100), Amount: 9999, Channel: "crypto"},
			{ID: "x1", CustomerID: "C2", Timestamp: ts(1), Amount: 1, Channel: "card"},
		},
		alerts: []*domain.Alert{
			{
				ID: "old", CustomerID: "C1", EventTime: ts(-48), RuleID: "TXN_LARGE_AMOUNT",
				Severity: domain.SeverityHigh, BaseScore: 60, TriggeredTransactionIDs: []string{"t0"},
			},
			{
				ID: "a1", CustomerID: "C1", EventTime: ts(0), RuleID: "TXN_LARGE_AMOUNT", RuleName: "Large",
				Severity: domain.SeverityHigh, BaseScore: 60, TriggeredTransactionIDs: []string{"t1"},
				WindowStart: ptr(ts(0)), WindowEnd: ptr(ts(0)),
			},
			{
				ID: "a2", CustomerID: "C1", EventTime: ts(2), RuleID: "AGG_VELOCITY_24H", RuleName: "Velocity",
				Severity: domain.SeverityMedium, BaseScore: 40, TriggeredTransactionIDs: []string{"t1", "t2", "t3"},
				WindowStart: ptr(ts(0)), WindowEnd: ptr(ts(2)),
			},
			{
				// same transaction flagged by an alert in a later case
				ID: "z9", CustomerID: "C1", EventTime: ts(900), RuleID: "PATTERN_CRYPTO",
				Severity: domain.SeverityHigh, BaseScore: 80, TriggeredTransactionIDs: []string{"t2"},
			},
		},
	}
	f.kase = &domain.Case{
		ID: "case-1", CustomerID: "C1", CustomerRiskRating: domain.RiskHigh,
		AlertIDs: []string{"a1", "a2"}, TotalAlerts: 2, AggregatedScore: 100,
		Priority: domain.PriorityHigh, FirstAlertAt: ts(0), LastAlertAt: ts(2),
	}
	return f
}

func (f *fixture) enricher(t *testing.T) *Enricher {
	t.Helper()
	idx, err := NewIndex(context.Background(), f.customers, f.txs, f.alerts, 4)
	require.NoError(t, err)
	return NewEnricher(idx)
}

func TestEnrich(t *testing.T) {
	f := newFixture()
	got, warnings, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "case-1", got.CaseID)
	assert.Equal(t, domain.RiskHigh, got.CustomerSnapshot.RiskRating)
	assert.Equal(t, "2021-03-04", got.CustomerSnapshot.OnboardingDate)
	assert.Equal(t, 1, got.CustomerSnapshot.HistoricalAlertCount)

	meta := got.CaseMetadata
	assert.Equal(t, []string{"AGG_VELOCITY_24H", "TXN_LARGE_AMOUNT"}, meta.RuleTypesTriggered)
	assert.False(t, meta.PatternPresent)
	assert.Equal(t, 2, meta.TotalAlerts)
	assert.Equal(t, ts(0), meta.TimeWindow.Start)
	assert.Equal(t, ts(2), meta.TimeWindow.End)

	require.Len(t, got.AlertsInCase, 2)
	assert.Equal(t, "a1", got.AlertsInCase[0].AlertID)

	require.Len(t, got.FlaggedTransactions, 3)
	ft1 := got.FlaggedTransactions[0]
	assert.Equal(t, "t1", ft1.TransactionID)
	assert.Equal(t, []string{"a1", "a2"}, ft1.LinkedAlertIDs)
	assert.True(t, ft1.IsCrypto)
	assert.True(t, ft1.RuleTriggerReason.ThresholdExceeded)
	assert.True(t, ft1.RuleTriggerReason.VelocityViolation)
	require.NotNil(t, ft1.Amount)
	assert.Equal(t, 100.005, *ft1.Amount)

	// z9 belongs to another case and must not leak in
	ft2 := got.FlaggedTransactions[1]
	assert.Equal(t, "t2", ft2.TransactionID)
	assert.Equal(t, []string{"a2"}, ft2.LinkedAlertIDs)
	assert.False(t, ft2.RuleTriggerReason.ThresholdExceeded)
	assert.False(t, ft2.RuleTriggerReason.PatternDetected)

	b := got.BehaviorSnapshot
	assert.Equal(t, 3, b.TotalTxInWindow)
	assert.Equal(t, 600.01, b.TotalVolumeInWindow)
	assert.Equal(t, 200.0, b.AvgTxAmount)
	assert.Equal(t, 300.0, b.MaxTxAmount)
	assert.Equal(t, 66.67, b.CryptoPercentage)
}

func TestEnrichIsIdempotent(t *testing.T) {
	f := newFixture()
	e := f.enricher(t)

	first, _, err := e.Enrich(f.kase)
	require.NoError(t, err)
	second, _, err := e.Enrich(f.kase)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestEnrichUnknownCustomer(t *testing.T) {
	f := newFixture()
	delete(f.customers, "C1")

	got, warnings, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)

	assert.Equal(t, domain.UnknownCustomer(), got.CustomerSnapshot)
	assert.Equal(t, 0, got.CustomerSnapshot.HistoricalAlertCount)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarnMissingCustomer, warnings[0].Kind)
}

func TestEnrichMissingReferences(t *testing.T) {
	f := newFixture()
	f.txs = f.txs[:2] // drops t2, t3
	f.kase.AlertIDs = append(f.kase.AlertIDs, "ghost")

	got, warnings, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, w := range warnings {
		kinds[w.Kind]++
	}
	assert.Equal(t, 1, kinds[domain.WarnMissingAlert])
	assert.Equal(t, 2, kinds[domain.WarnMissingTransaction])

	require.Len(t, got.FlaggedTransactions, 3)
	missing := got.FlaggedTransactions[1]
	assert.True(t, missing.Missing)
	assert.Nil(t, missing.Timestamp)
	assert.Nil(t, missing.Amount)
	assert.Equal(t, domain.Unknown, missing.Currency)

	assert.Equal(t, 1, got.BehaviorSnapshot.TotalTxInWindow)
}

func TestEnrichWindowFallsBackToAlerts(t *testing.T) {
	f := newFixture()
	f.kase.FirstAlertAt = domain.Timestamp{}
	f.kase.LastAlertAt = domain.Timestamp{}

	got, _, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)
	assert.Equal(t, ts(0), got.CaseMetadata.TimeWindow.Start)
	assert.Equal(t, ts(2), got.CaseMetadata.TimeWindow.End)
}

func TestEnrichEmptyWindowIsZero(t *testing.T) {
	f := newFixture()
	f.kase.FirstAlertAt = ts(500)
	f.kase.LastAlertAt = ts(501)

	got, _, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)
	assert.Equal(t, domain.BehaviorSnapshot{}, got.BehaviorSnapshot)
}

func TestEnrichFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *domain.Case)
	}{
		{"no alerts", func(c *domain.Case) { c.AlertIDs = nil }},
		{"no resolvable alerts", func(c *domain.Case) { c.AlertIDs = []string{"nope"} }},
		{"reversed window", func(c *domain.Case) { c.FirstAlertAt, c.LastAlertAt = ts(5), ts(1) }},
		{"no case id", func(c *domain.Case) { c.ID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.mutate(f.kase)
			_, _, err := f.enricher(t).Enrich(f.kase)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnresolvable))
		})
	}
}

func TestIndexSkipsUnjoinableTransactions(t *testing.T) {
	idx, err := NewIndex(context.Background(), nil, []*domain.Transaction{
		{ID: "", CustomerID: "C1", Timestamp: ts(0)},
		{ID: "t1", CustomerID: "", Timestamp: ts(0)},
		{ID: "t2", CustomerID: "C1"},
		{ID: "t3", CustomerID: "C1", Timestamp: ts(3)},
		{ID: "t4", CustomerID: "C1", Timestamp: ts(1)},
	}, nil, 2)
	require.NoError(t, err)

	_, ok := idx.Transaction("t2")
	assert.False(t, ok)

	var ids []string
	for _, tx := range idx.CustomerTransactions("C1") {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"t4", "t3"}, ids)
}

func TestEnrichRejectsScoreDrift(t *testing.T) {
	f := newFixture()
	f.kase.AggregatedScore = 999

	_, _, err := f.enricher(t).Enrich(f.kase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cases.ErrScoreDrift))
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.False(t, errors.Is(err, ErrUnresolvable))
}

func TestEnrichSkipsScoreCheckWithMissingAlerts(t *testing.T) {
	f := newFixture()
	f.kase.AlertIDs = append(f.kase.AlertIDs, "ghost")
	f.kase.AggregatedScore = 130

	_, warnings, err := f.enricher(t).Enrich(f.kase)
	require.NoError(t, err)
	assert.Equal(t, domain.WarnMissingAlert, warnings[0].Kind)
}
