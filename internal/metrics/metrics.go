// Package metrics exposes pipeline counters and durations to Prometheus.
//
// Metrics:
//   - kestrel_alerts_total: alerts emitted, by rule
//   - kestrel_cases_total: cases built, by priority
//   - kestrel_decisions_total: decisions produced, by label
//   - kestrel_rule_evaluations_total: policy rule outcomes, by block and result
//   - kestrel_case_failures_total: rejected cases, by stage and kind
//   - kestrel_warnings_total: referential warnings, by kind
//   - kestrel_stage_duration_seconds: wall time per pipeline stage
//   - kestrel_policy_reloads_total: successful policy swaps
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metrics holds every registered collector.
type Metrics struct {
	registry *prometheus.Registry

	alertsTotal     *prometheus.CounterVec
	casesTotal      *prometheus.CounterVec
	decisionsTotal  *prometheus.CounterVec
	ruleEvaluations *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	warningsTotal   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	policyReloads   prometheus.Counter
}

// New registers the pipeline metrics on registry. A nil registry gets a
// fresh one, so tests never share state through the global registry.
func New(cfg domain.MetricsConfig, registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "kestrel"
	}

	m := &Metrics{
		registry: registry,
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "alerts_total",
				Help:      "Total number of alerts emitted by the rule engine",
			},
			[]string{"rule_id"},
		),
		casesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cases_total",
				Help:      "Total number of cases built",
			},
			[]string{"priority"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "decisions_total",
				Help:      "Total number of policy decisions",
			},
			[]string{"decision"},
		),
		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "rule_evaluations_total",
				Help:      "Total number of policy rule evaluations",
			},
			[]string{"block", "matched"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "case_failures_total",
				Help:      "Total number of cases rejected",
			},
			[]string{"stage", "kind"},
		),
		warningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "warnings_total",
				Help:      "Total number of referential warnings",
			},
			[]string{"kind"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"stage"},
		),
		policyReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_reloads_total",
				Help:      "Total number of policy reloads",
			},
		),
	}

	registry.MustRegister(
		m.alertsTotal,
		m.casesTotal,
		m.decisionsTotal,
		m.ruleEvaluations,
		m.failuresTotal,
		m.warningsTotal,
		m.stageDuration,
		m.policyReloads,
	)
	return m
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAlerts counts alerts by rule.
func (m *Metrics) ObserveAlerts(alerts []*domain.Alert) {
	if m == nil {
		return
	}
	for _, a := range alerts {
		m.alertsTotal.WithLabelValues(a.RuleID).Inc()
	}
}

// ObserveCases counts cases by priority.
func (m *Metrics) ObserveCases(cases []*domain.Case) {
	if m == nil {
		return
	}
	for _, c := range cases {
		m.casesTotal.WithLabelValues(c.Priority).Inc()
	}
}

// ObserveDecision counts a decision and every rule outcome in its audit trail.
func (m *Metrics) ObserveDecision(d *domain.PolicyDecision, rec *domain.AuditRecord) {
	if m == nil {
		return
	}
	if d != nil {
		m.decisionsTotal.WithLabelValues(d.Decision).Inc()
	}
	if rec != nil {
		m.ObserveRuleEvaluations(rec.RuleEvaluations)
	}
}

// ObserveRuleEvaluations counts audited rule outcomes.
func (m *Metrics) ObserveRuleEvaluations(rows []domain.RuleEvaluation) {
	if m == nil {
		return
	}
	for _, row := range rows {
		matched := strconv.FormatBool(row.Matched)
		if row.Error != "" {
			matched = "error"
		}
		m.ruleEvaluations.WithLabelValues(row.DecisionBlock, matched).Inc()
	}
}

// ObserveFailure counts one rejected case.
func (m *Metrics) ObserveFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(stage, kind).Inc()
}

// ObserveWarnings counts referential warnings by kind.
func (m *Metrics) ObserveWarnings(warnings []domain.Warning) {
	if m == nil {
		return
	}
	for _, w := range warnings {
		m.warningsTotal.WithLabelValues(w.Kind).Inc()
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// PolicyReloaded counts a successful policy swap.
func (m *Metrics) PolicyReloaded() {
	if m == nil {
		return
	}
	m.policyReloads.Inc()
}
