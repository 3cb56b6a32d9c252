package rules

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func customers(ids ...string) map[string]*domain.Customer {
	out := make(map[string]*domain.Customer, len(ids))
	for _, id := range ids {
		out[id] = &domain.Customer{
			ID:            id,
			CustomerType:  "individual",
			RiskRating:    domain.RiskMedium,
			AccountStatus: "active",
		}
	}
	return out
}

func tx(id, customer string, minute int, amount float64, channel string) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		CustomerID: customer,
		Timestamp:  domain.NewTimestamp(t0.Add(time.Duration(minute) * time.Minute)),
		Amount:     amount,
		Currency:   "USD",
		Channel:    channel,
		Direction:  "debit",
	}
}

func sequentialIDs() Option {
	var n atomic.Int64
	return WithIDGenerator(func() string {
		return fmt.Sprintf("alert-%03d", n.Add(1))
	})
}

func fixedClock() Option {
	return WithClock(func() time.Time { return t0 })
}

func velocityRule(threshold int, hours int) domain.RuleConfig {
	return domain.RuleConfig{
		ID:        "AGG_VELOCITY_24H",
		Name:      "High velocity",
		Type:      domain.RuleAggregation,
		Severity:  domain.SeverityMedium,
		BaseScore: 40,
		Window:    &domain.Window{Unit: "hours", Value: hours},
		Metric:    &domain.Metric{Type: "count", Op: ">=", Value: threshold},
	}
}

func mustEngine(t *testing.T, set *domain.RuleSet, custs map[string]*domain.Customer, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(set, custs, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func mustApply(t *testing.T, engine *Engine, txs []*domain.Transaction) []*domain.Alert {
	t.Helper()
	alerts, err := engine.Apply(context.Background(), txs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return alerts
}

func TestSingleTransactionRule(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.RuleConfig{{
		ID:        "TXN_LARGE_AMOUNT",
		Name:      "Large amount",
		Type:      domain.RuleSingleTransaction,
		Severity:  domain.SeverityHigh,
		BaseScore: 60,
		Conditions: []domain.Condition{
			{Field: "amount_usd", Op: ">=", Value: 10000},
			{Field: "channel", Op: "in", Value: []any{"wire", "crypto"}},
		},
	}}}

	engine := mustEngine(t, set, customers("C1"), sequentialIDs(), fixedClock())
	alerts := mustApply(t, engine, []*domain.Transaction{
		tx("t1", "C1", 0, 15000, "wire"),
		tx("t2", "C1", 5, 15000, "card"),
		tx("t3", "C1", 9, 500, "wire"),
		tx("t4", "C2", 12, 50000, "wire"), // unknown customer
		tx("t5", "C1", 20, 10000, "crypto"),
	})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}

	first := alerts[0]
	if first.ID != "alert-001" {
		t.Errorf("expected id alert-001, got %s", first.ID)
	}
	if !slices.Equal(first.TriggeredTransactionIDs, []string{"t1"}) {
		t.Errorf("expected [t1], got %v", first.TriggeredTransactionIDs)
	}
	if !first.WindowStart.Time.Equal(first.EventTime.Time) || !first.WindowEnd.Time.Equal(first.EventTime.Time) {
		t.Errorf("expected a zero-width window at the event time, got %v..%v", first.WindowStart, first.WindowEnd)
	}
	if first.RuleID != "TXN_LARGE_AMOUNT" {
		t.Errorf("expected TXN_LARGE_AMOUNT, got %s", first.RuleID)
	}
	if first.CustomerRiskRating != domain.RiskMedium {
		t.Errorf("expected Medium risk, got %s", first.CustomerRiskRating)
	}
	if first.BaseScore != 60 {
		t.Errorf("expected base score 60, got %v", first.BaseScore)
	}
	if !first.GeneratedAt.Time.Equal(t0) {
		t.Errorf("expected generated_at %v, got %v", t0, first.GeneratedAt.Time)
	}

	if !slices.Equal(alerts[1].TriggeredTransactionIDs, []string{"t5"}) {
		t.Errorf("expected [t5], got %v", alerts[1].TriggeredTransactionIDs)
	}
}

func TestAggregationBurstCollapsesToOneAlert(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.RuleConfig{velocityRule(5, 24)}}
	engine := mustEngine(t, set, customers("C1"), sequentialIDs(), fixedClock())

	alerts := mustApply(t, engine, []*domain.Transaction{
		tx("m0", "C1", 0, 100, "card"),
		tx("m10", "C1", 10, 100, "card"),
		tx("m20", "C1", 20, 100, "card"),
		tx("m30", "C1", 30, 100, "card"),
		tx("m40", "C1", 40, 100, "card"),
		tx("m600", "C1", 600, 100, "card"),
	})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	a := alerts[0]
	if want := []string{"m0", "m10", "m20", "m30", "m40"}; !slices.Equal(a.TriggeredTransactionIDs, want) {
		t.Errorf("expected %v, got %v", want, a.TriggeredTransactionIDs)
	}
	if !a.WindowStart.Time.Equal(t0) {
		t.Errorf("expected window start %v, got %v", t0, a.WindowStart.Time)
	}
	end := t0.Add(40 * time.Minute)
	if !a.WindowEnd.Time.Equal(end) || !a.EventTime.Time.Equal(end) {
		t.Errorf("expected window end and event time %v, got %v and %v", end, a.WindowEnd.Time, a.EventTime.Time)
	}
}

func TestAggregationSortsUnorderedInput(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.RuleConfig{velocityRule(3, 1)}}
	alerts := mustApply(t, mustEngine(t, set, customers("C1")), []*domain.Transaction{
		tx("c", "C1", 20, 1, "card"),
		tx("a", "C1", 0, 1, "card"),
		tx("b", "C1", 10, 1, "card"),
	})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(alerts[0].TriggeredTransactionIDs, want) {
		t.Errorf("expected %v, got %v", want, alerts[0].TriggeredTransactionIDs)
	}
}

func TestAggregationFilter(t *testing.T) {
	rule := velocityRule(2, 24)
	rule.ID = "PATTERN_CRYPTO_BURST"
	rule.Type = domain.RulePattern
	rule.Filter = []domain.Condition{{Field: "channel", Op: "==", Value: "crypto"}}

	engine := mustEngine(t, &domain.RuleSet{Rules: []domain.RuleConfig{rule}}, customers("C1"))
	alerts := mustApply(t, engine, []*domain.Transaction{
		tx("w1", "C1", 0, 1, "wire"),
		tx("k1", "C1", 5, 1, "crypto"),
		tx("w2", "C1", 6, 1, "wire"),
		tx("k2", "C1", 7, 1, "crypto"),
	})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	// only filtered members are triggered, but the window bounds span the
	// whole trailing window
	if want := []string{"k1", "k2"}; !slices.Equal(alerts[0].TriggeredTransactionIDs, want) {
		t.Errorf("expected %v, got %v", want, alerts[0].TriggeredTransactionIDs)
	}
	if !alerts[0].WindowStart.Time.Equal(t0) {
		t.Errorf("expected window start %v, got %v", t0, alerts[0].WindowStart.Time)
	}
}

func TestAggregationSkipsUnknownCustomers(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.RuleConfig{velocityRule(1, 24)}}
	alerts := mustApply(t, mustEngine(t, set, customers("C1")), []*domain.Transaction{
		tx("x", "GHOST", 0, 1, "card"),
	})
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

func TestAggregationOrderIsDeterministic(t *testing.T) {
	set := &domain.RuleSet{Rules: []domain.RuleConfig{velocityRule(1, 24)}}

	var txs []*domain.Transaction
	ids := []string{"C9", "C3", "C5", "C1", "C7"}
	for i, id := range ids {
		txs = append(txs, tx(fmt.Sprintf("t-%s", id), id, i, 1, "card"))
	}

	for run := range 5 {
		alerts := mustApply(t, mustEngine(t, set, customers(ids...), WithWorkers(4)), txs)

		var got []string
		for _, a := range alerts {
			got = append(got, a.CustomerID)
		}
		if want := []string{"C1", "C3", "C5", "C7", "C9"}; !slices.Equal(got, want) {
			t.Fatalf("run %d: expected %v, got %v", run, want, got)
		}
	}
}

func TestNewEngineRejectsBadConfiguration(t *testing.T) {
	good := velocityRule(5, 24)

	tests := []struct {
		name   string
		mutate func(r *domain.RuleConfig)
	}{
		{"unknown rule type", func(r *domain.RuleConfig) { r.Type = "ml_model" }},
		{"unknown metric", func(r *domain.RuleConfig) { r.Metric.Type = "sum" }},
		{"unknown metric op", func(r *domain.RuleConfig) { r.Metric.Op = "~=" }},
		{"non numeric threshold", func(r *domain.RuleConfig) { r.Metric.Value = "five" }},
		{"unknown window unit", func(r *domain.RuleConfig) { r.Window.Unit = "weeks" }},
		{"missing window", func(r *domain.RuleConfig) { r.Window = nil }},
		{"missing metric", func(r *domain.RuleConfig) { r.Metric = nil }},
		{"bad severity", func(r *domain.RuleConfig) { r.Severity = "critical" }},
		{"unknown filter op", func(r *domain.RuleConfig) {
			r.Filter = []domain.Condition{{Field: "channel", Op: "like", Value: "c"}}
		}},
		{"unknown filter field", func(r *domain.RuleConfig) {
			r.Filter = []domain.Condition{{Field: "colour", Op: "==", Value: "red"}}
		}},
		{"in without list", func(r *domain.RuleConfig) {
			r.Filter = []domain.Condition{{Field: "channel", Op: "in", Value: "wire"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := good
			w, m := *good.Window, *good.Metric
			rule.Window, rule.Metric = &w, &m
			tt.mutate(&rule)

			_, err := NewEngine(&domain.RuleSet{Rules: []domain.RuleConfig{rule}}, customers("C1"))
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestNewEngineRejectsDuplicateIDs(t *testing.T) {
	r := velocityRule(5, 24)
	_, err := NewEngine(&domain.RuleSet{Rules: []domain.RuleConfig{r, r}}, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected a duplicate rule error, got %v", err)
	}
}

func TestParseRuleSet(t *testing.T) {
	doc := []byte(`{
	  "rules": [
	    {"rule_id": "TXN_LARGE_AMOUNT", "name": "Large", "type": "single_transaction",
	     "severity": "high", "base_score": 60,
	     "conditions": [{"field": "amount_usd", "op": ">", "value": 9000}]},
	    {"rule_id": "AGG_VELOCITY_24H", "name": "Velocity", "type": "aggregation",
	     "severity": "medium", "base_score": 40,
	     "window": {"unit": "hours", "value": 24},
	     "metric": {"type": "count", "op": ">=", "value": 5}}
	  ]
	}`)

	set, err := ParseRuleSet("inline", doc)
	if err != nil {
		t.Fatalf("ParseRuleSet: %v", err)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules))
	}
	if n := mustEngine(t, set, customers("C1")).RulesCount(); n != 2 {
		t.Errorf("expected 2 compiled rules, got %d", n)
	}
	if v := set.Rules[1].Window.Value; v != 24 {
		t.Errorf("expected a 24 hour window, got %d", v)
	}
}

func TestParseRuleSetEmpty(t *testing.T) {
	_, err := ParseRuleSet("inline", []byte("rules: []"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	_, err := LoadRuleSet(path)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	var cerr *domain.ConfigError
	if !errors.As(err, &cerr) || cerr.Source != path {
		t.Errorf("expected a ConfigError for %s, got %v", path, err)
	}
}

func TestTypologies(t *testing.T) {
	ty := DefaultTypologies()

	tests := []struct {
		rule string
		want []Typology
	}{
		{"TXN_LARGE_AMOUNT", []Typology{TypologyThreshold}},
		{"AGG_VELOCITY_24H", []Typology{TypologyVelocity}},
		{"PATTERN_STRUCTURING", []Typology{TypologyPattern}},
		{"TXN_ROUND_AMOUNT", nil},
	}
	for _, tt := range tests {
		if got := ty.Classify(tt.rule); !slices.Equal(got, tt.want) {
			t.Errorf("Classify(%s) = %v, want %v", tt.rule, got, tt.want)
		}
	}

	reason := ty.Reason([]string{"TXN_LARGE_AMOUNT", "PATTERN_FAN_OUT"})
	if !reason.ThresholdExceeded || reason.VelocityViolation || !reason.PatternDetected {
		t.Errorf("unexpected reason: %+v", reason)
	}
}
