package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/jsonl"
	"github.com/opensource-finance/kestrel/internal/policy"
)

const testPolicy = `
policy_version: "w-1"
decision_hierarchy: [CLOSE_NO_ACTION, L1_REVIEW, ESCALATE_L2, SAR_REVIEW_L2]
hard_escalation_rules:
  SAR_REVIEW_L2:
    - "aggregated_score >= 300"
strong_escalation_rules:
  ESCALATE_L2:
    - "customer_risk == High"
l1_review_rules:
  L1_REVIEW:
    - "aggregated_score >= 50"
close_rules:
  CLOSE_NO_ACTION:
    - "aggregated_score < 20"
`

func newHolder(t *testing.T) *policy.Holder {
	t.Helper()
	doc, err := policy.Parse("test", []byte(testPolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	engine, err := policy.New(doc)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	return policy.NewHolder(engine)
}

func enrichedPayload(t *testing.T, caseID, risk string, score float64) []byte {
	t.Helper()
	ts := domain.NewTimestamp(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	ec := domain.EnrichedCase{
		CaseID:           caseID,
		CustomerID:       "C1",
		CustomerSnapshot: domain.CustomerSnapshot{RiskRating: risk},
		CaseMetadata: domain.CaseMetadata{
			Priority:        domain.PriorityLow,
			AggregatedScore: score,
			TotalAlerts:     1,
			TimeWindow:      domain.TimeWindow{Start: ts, End: ts},
		},
		AlertsInCase: []domain.AlertSummary{{
			AlertID: "a1", RuleID: "TXN_LARGE_AMOUNT", Severity: domain.SeverityLow, BaseScore: score,
		}},
		FlaggedTransactions: []domain.FlaggedTransaction{},
	}
	data, err := json.Marshal(ec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for worker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	holder := newHolder(t)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, holder, audit.NewRecorder(), nil, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicCaseBuilt {
			t.Errorf("expected one built-case subscription, got %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("DecidesCases", func(t *testing.T) {
		dir := t.TempDir()
		files, err := audit.NewFileSink(dir)
		if err != nil {
			t.Fatalf("file sink: %v", err)
		}
		recorder := audit.NewRecorder(files, audit.NewBusSink(eventBus))
		views := cache.NewEnrichedViews(cache.NewLRUCache(10), 0)

		w := NewWorker(eventBus, holder, recorder, nil, views)
		if err := w.Start(Config{Topics: []string{"decide.test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		var mu sync.Mutex
		var decisions []domain.PolicyDecision
		eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			var d domain.PolicyDecision
			if err := json.Unmarshal(msg.Payload, &d); err != nil {
				return err
			}
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
			return nil
		})

		ctx := context.Background()
		eventBus.Publish(ctx, "decide.test", enrichedPayload(t, "case-high", domain.RiskHigh, 60))
		eventBus.Publish(ctx, "decide.test", enrichedPayload(t, "case-sar", domain.RiskLow, 320))

		waitUntil(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(decisions) == 2
		})

		got := map[string]string{}
		mu.Lock()
		for _, d := range decisions {
			got[d.CaseID] = d.Decision
		}
		mu.Unlock()
		if got["case-high"] != domain.DecisionEscalate {
			t.Errorf("expected ESCALATE_L2 for case-high, got %q", got["case-high"])
		}
		if got["case-sar"] != domain.DecisionSAR {
			t.Errorf("expected SAR_REVIEW_L2 for case-sar, got %q", got["case-sar"])
		}

		if err := files.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		n, err := jsonl.Count(filepath.Join(dir, audit.AuditFile))
		if err != nil || n != 2 {
			t.Errorf("expected 2 audit lines, got %d (%v)", n, err)
		}

		cached, err := views.Get(ctx, "case-sar")
		if err != nil || cached == nil {
			t.Errorf("expected cached enriched case, got %v, %v", cached, err)
		}
		if s := w.GetStats(); s.Processed != 2 || s.Failed != 0 {
			t.Errorf("unexpected stats: %+v", s)
		}
	})

	t.Run("RejectsInvalidCase", func(t *testing.T) {
		recorder := audit.NewRecorder()
		w := NewWorker(eventBus, holder, recorder, nil, nil)
		if err := w.Start(Config{Topics: []string{"reject.test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(context.Background(), "reject.test", []byte(`{"case_id":"broken"}`))
		eventBus.Publish(context.Background(), "reject.test", enrichedPayload(t, "bad-risk", "Extreme", 10))

		waitUntil(t, func() bool { return w.GetStats().Failed == 2 })
		if recorder.Written() != 0 {
			t.Errorf("expected no recorded decisions, got %d", recorder.Written())
		}
	})
}

func TestWorkerNeedsBus(t *testing.T) {
	w := NewWorker(nil, nil, audit.NewRecorder(), nil, nil)
	if err := w.Start(Config{}); err == nil {
		t.Error("expected error without a bus")
	}
}
