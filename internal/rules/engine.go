// Package rules applies single-transaction and windowed aggregation rules to a
// batch of transactions and emits alerts.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var tracer = otel.Tracer("kestrel/rules")

// Engine holds an immutable, validated rule set and a customer lookup.
// It is safe for concurrent use.
type Engine struct {
	single    []*compiledRule
	windowed  []*compiledRule
	customers map[string]*domain.Customer

	workers int
	newID   func() string
	now     func() time.Time
	logger  *slog.Logger
}

// compiledRule is a rule plus its pre-computed window.
type compiledRule struct {
	cfg    domain.RuleConfig
	window time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds per-customer fan-out for windowed rules.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithIDGenerator overrides uuid alert ids, mainly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithClock overrides the generated_at clock.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine validates every rule and returns an engine ready to apply them.
// Unknown operators, metrics, window units or rule types are configuration
// errors; nothing is skipped silently.
func NewEngine(set *domain.RuleSet, customers map[string]*domain.Customer, opts ...Option) (*Engine, error) {
	if set == nil {
		return nil, domain.NewConfigError("rules", "rule set is required", nil)
	}

	e := &Engine{
		customers: customers,
		workers:   8,
		newID:     func() string { return uuid.New().String() },
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "rules")

	seen := make(map[string]bool, len(set.Rules))
	for _, cfg := range set.Rules {
		if cfg.ID == "" {
			return nil, domain.NewConfigError("rules", "rule without rule_id", nil)
		}
		if seen[cfg.ID] {
			return nil, domain.NewConfigError("rules", fmt.Sprintf("duplicate rule_id %s", cfg.ID), nil)
		}
		seen[cfg.ID] = true

		compiled, err := compileRule(cfg)
		if err != nil {
			return nil, domain.NewConfigError("rules", fmt.Sprintf("rule %s", cfg.ID), err)
		}
		if cfg.Type.Windowed() {
			e.windowed = append(e.windowed, compiled)
		} else {
			e.single = append(e.single, compiled)
		}
	}

	return e, nil
}

func compileRule(cfg domain.RuleConfig) (*compiledRule, error) {
	if !domain.ValidSeverity(cfg.Severity) {
		return nil, fmt.Errorf("unsupported severity %q", cfg.Severity)
	}
	if cfg.BaseScore < 0 {
		return nil, fmt.Errorf("base_score must not be negative")
	}

	switch cfg.Type {
	case domain.RuleSingleTransaction:
		for _, c := range cfg.Conditions {
			if err := checkCondition(c); err != nil {
				return nil, err
			}
		}
		return &compiledRule{cfg: cfg}, nil

	case domain.RuleAggregation, domain.RulePattern:
		window, err := velocity.Duration(cfg.Window)
		if err != nil {
			return nil, err
		}
		if cfg.Metric == nil {
			return nil, fmt.Errorf("metric is required")
		}
		if cfg.Metric.Type != "count" {
			return nil, fmt.Errorf("unsupported metric %q", cfg.Metric.Type)
		}
		if !validOps[cfg.Metric.Op] {
			return nil, fmt.Errorf("unsupported metric operator %q", cfg.Metric.Op)
		}
		if _, err := compare(0, cfg.Metric.Op, cfg.Metric.Value); err != nil {
			return nil, fmt.Errorf("metric: %w", err)
		}
		for _, c := range cfg.Filter {
			if err := checkCondition(c); err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
		}
		return &compiledRule{cfg: cfg, window: window}, nil
	}

	return nil, fmt.Errorf("unsupported rule type %q", cfg.Type)
}

// Rules returns the loaded rule configurations, single-transaction rules first.
func (e *Engine) Rules() []domain.RuleConfig {
	out := make([]domain.RuleConfig, 0, len(e.single)+len(e.windowed))
	for _, r := range e.single {
		out = append(out, r.cfg)
	}
	for _, r := range e.windowed {
		out = append(out, r.cfg)
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.single) + len(e.windowed)
}

// Apply runs every rule over txs. Single-transaction alerts come first in rule
// then input order, followed by windowed alerts in rule, customer id, then
// time order. Transactions of customers absent from the lookup are skipped.
func (e *Engine) Apply(ctx context.Context, txs []*domain.Transaction) ([]*domain.Alert, error) {
	ctx, span := tracer.Start(ctx, "rules.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.Int("transactions", len(txs)),
		attribute.Int("rules", e.RulesCount()),
	)

	start := time.Now()

	alerts, err := e.applySingle(txs)
	if err != nil {
		return nil, err
	}

	windowed, err := e.applyWindowed(ctx, txs)
	if err != nil {
		return nil, err
	}
	alerts = append(alerts, windowed...)

	span.SetAttributes(attribute.Int("alerts", len(alerts)))
	e.logger.Info("rules applied",
		"transactions", len(txs),
		"rules", e.RulesCount(),
		"alerts", len(alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return alerts, nil
}

func (e *Engine) applySingle(txs []*domain.Transaction) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	for _, rule := range e.single {
		for _, tx := range txs {
			cust, ok := e.customers[tx.CustomerID]
			if !ok {
				continue
			}
			matched, err := matchAll(tx, rule.cfg.Conditions)
			if err != nil {
				return nil, fmt.Errorf("rule %s on transaction %s: %w", rule.cfg.ID, tx.ID, err)
			}
			if !matched {
				continue
			}
			ts := tx.Timestamp
			alerts = append(alerts, e.newAlert(cust, &rule.cfg, []string{tx.ID}, ts, ts, ts))
		}
	}
	return alerts, nil
}

func (e *Engine) applyWindowed(ctx context.Context, txs []*domain.Transaction) ([]*domain.Alert, error) {
	if len(e.windowed) == 0 {
		return nil, nil
	}

	byCustomer, err := velocity.Partition(ctx, txs, e.workers)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		if _, ok := e.customers[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	// results[customer][rule]
	results := make([][][]*domain.Alert, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perRule := make([][]*domain.Alert, len(e.windowed))
			for r, rule := range e.windowed {
				alerts, err := e.scanCustomer(e.customers[id], rule, byCustomer[id])
				if err != nil {
					return err
				}
				perRule[r] = alerts
			}
			results[i] = perRule
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var alerts []*domain.Alert
	for r := range e.windowed {
		for c := range ids {
			alerts = append(alerts, results[c][r]...)
		}
	}
	return alerts, nil
}

// scanCustomer applies one windowed rule to one customer's sorted transactions.
func (e *Engine) scanCustomer(cust *domain.Customer, rule *compiledRule, txs []*domain.Transaction) ([]*domain.Alert, error) {
	var (
		alerts  []*domain.Alert
		scanErr error
	)

	velocity.Scan(txs, rule.window, func(window []*domain.Transaction) bool {
		if scanErr != nil {
			return false
		}
		members := window
		if len(rule.cfg.Filter) > 0 {
			members = make([]*domain.Transaction, 0, len(window))
			for _, tx := range window {
				ok, err := matchAll(tx, rule.cfg.Filter)
				if err != nil {
					scanErr = fmt.Errorf("rule %s filter on transaction %s: %w", rule.cfg.ID, tx.ID, err)
					return false
				}
				if ok {
					members = append(members, tx)
				}
			}
		}

		hit, err := compare(len(members), rule.cfg.Metric.Op, rule.cfg.Metric.Value)
		if err != nil {
			scanErr = fmt.Errorf("rule %s metric: %w", rule.cfg.ID, err)
			return false
		}
		if !hit || len(members) == 0 {
			return false
		}

		txIDs := make([]string, len(members))
		for i, tx := range members {
			txIDs[i] = tx.ID
		}
		first := window[0].Timestamp
		last := window[len(window)-1].Timestamp
		alerts = append(alerts, e.newAlert(cust, &rule.cfg, txIDs, last, first, last))
		return true
	})

	return alerts, scanErr
}

func (e *Engine) newAlert(cust *domain.Customer, rule *domain.RuleConfig, txIDs []string, event, start, end domain.Timestamp) *domain.Alert {
	return &domain.Alert{
		ID:                      e.newID(),
		GeneratedAt:             domain.NewTimestamp(e.now()),
		EventTime:               event,
		CustomerID:              cust.ID,
		CustomerRiskRating:      cust.RiskRating,
		CustomerType:            cust.CustomerType,
		AccountStatus:           cust.AccountStatus,
		RuleID:                  rule.ID,
		RuleName:                rule.Name,
		RuleType:                rule.Type,
		Severity:                rule.Severity,
		BaseScore:               rule.BaseScore,
		TriggeredTransactionIDs: txIDs,
		WindowStart:             &start,
		WindowEnd:               &end,
	}
}
