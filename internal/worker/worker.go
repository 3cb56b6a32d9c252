// Package worker decides enriched cases as they arrive on the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Worker evaluates built-case events against the current policy and records
// each decision.
type Worker struct {
	bus      domain.EventBus
	policy   *policy.Holder
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	views    *cache.EnrichedViews
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume. Defaults to the built-case topic.
	Topics []string
}

// NewWorker creates a worker. m and views may be nil.
func NewWorker(bus domain.EventBus, holder *policy.Holder, recorder *audit.Recorder, m *metrics.Metrics, views *cache.EnrichedViews) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		policy:   holder,
		recorder: recorder,
		metrics:  m,
		views:    views,
		logger:   slog.Default().With("component", "worker"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to every configured topic.
func (w *Worker) Start(cfg Config) error {
	if w.bus == nil {
		return fmt.Errorf("%w: worker needs an event bus", domain.ErrConfiguration)
	}
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicCaseBuilt}
	}

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	w.logger.Info("worker started", "topics", topics)
	return nil
}

// handleMessage decides one enriched case. A rejected case is logged and
// counted; it is not redelivered.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	w.processed.Add(1)

	ec, err := signals.DecodeEnrichedCase(msg.Payload)
	if err != nil {
		return w.reject(msg, "validation", err)
	}

	engine := w.policy.Engine()
	if engine == nil {
		return w.reject(msg, "other", fmt.Errorf("%w: no policy loaded", domain.ErrConfiguration))
	}

	d, rec, err := engine.Evaluate(ec)
	if err != nil {
		kind := "validation"
		var eerr *policy.EvaluationError
		if errors.As(err, &eerr) {
			kind = "evaluation"
			w.metrics.ObserveRuleEvaluations(eerr.Evaluations)
		}
		return w.reject(msg, kind, err)
	}

	if w.views != nil {
		if err := w.views.Put(ctx, ec); err != nil {
			w.logger.Debug("failed to cache enriched case", "case_id", ec.CaseID, "error", err)
		}
	}

	if err := w.recorder.Record(ctx, d, rec); err != nil {
		var derr *audit.DeliveryError
		if !errors.As(err, &derr) {
			return w.reject(msg, "other", err)
		}
		w.metrics.ObserveWarnings([]domain.Warning{{CaseID: d.CaseID, Kind: domain.WarnUndelivered, Msg: derr.Err.Error()}})
	}
	w.metrics.ObserveDecision(d, rec)

	w.logger.Info("case decided",
		"case_id", d.CaseID,
		"decision", d.Decision,
		"policy_version", d.PolicyVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) reject(msg *domain.Message, kind string, err error) error {
	w.failed.Add(1)
	w.metrics.ObserveFailure("worker", kind)
	w.logger.Error("case rejected",
		"message_id", msg.ID,
		"kind", kind,
		"error", err,
	)
	return err
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("worker stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
