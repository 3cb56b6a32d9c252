package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/expr"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// EvaluationError aborts one case when a rule expression cannot be evaluated.
// Evaluations holds the audit rows up to and including the failing rule.
type EvaluationError struct {
	CaseID      string
	Block       string
	Rule        string
	Evaluations []domain.RuleEvaluation
	Err         error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("case %s: invalid rule in %s: %q: %v", e.CaseID, e.Block, e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

type compiledBlock struct {
	label string
	rules []*expr.Expression
}

// Engine is an immutable, compiled policy. It is safe for concurrent use; a
// reload builds a new Engine rather than mutating this one.
type Engine struct {
	doc    *Document
	blocks []compiledBlock
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	evaluator *expr.Evaluator
	now       func() time.Time
	logger    *slog.Logger
}

// WithEvaluator overrides the expression evaluator, for custom enum tables.
func WithEvaluator(ev *expr.Evaluator) Option {
	return func(o *engineOptions) { o.evaluator = ev }
}

// WithClock overrides the audit timestamp clock.
func WithClock(fn func() time.Time) Option {
	return func(o *engineOptions) { o.now = fn }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// New compiles every expression in doc against the signal schema. Any
// expression that fails to compile or breaks the sandbox is a configuration
// error, so a bad policy never reaches a case.
func New(doc *Document, opts ...Option) (*Engine, error) {
	if doc == nil {
		return nil, domain.NewConfigError("policy", "policy document is required", nil)
	}
	if err := doc.Validate(); err != nil {
		return nil, domain.NewConfigError("policy", "invalid policy", err)
	}

	o := engineOptions{
		evaluator: expr.NewEvaluator(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		doc:    doc,
		now:    o.now,
		logger: o.logger.With("component", "policy", "policy_version", doc.Version),
	}
	schema := signals.Schema()
	var errs []error
	for _, b := range blocks {
		cb := compiledBlock{label: b.label}
		for _, source := range b.rules(doc)[b.label] {
			x, err := o.evaluator.Compile(source, schema)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", b.section, b.label, err))
				continue
			}
			cb.rules = append(cb.rules, x)
		}
		e.blocks = append(e.blocks, cb)
	}
	if len(errs) > 0 {
		return nil, domain.NewConfigError("policy", "policy expressions failed to compile", errors.Join(errs...))
	}

	e.logger.Info("policy compiled", "rules", e.RulesCount())
	return e, nil
}

// LoadEngine reads, validates and compiles a policy file.
func LoadEngine(path string, opts ...Option) (*Engine, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(doc, opts...)
}

// Version returns the policy_version.
func (e *Engine) Version() string { return e.doc.Version }

// Document returns the source document. Callers must not modify it.
func (e *Engine) Document() *Document { return e.doc }

// RulesCount returns the number of compiled expressions.
func (e *Engine) RulesCount() int {
	n := 0
	for _, b := range e.blocks {
		n += len(b.rules)
	}
	return n
}

// Evaluate validates an enriched case, evaluates every policy block and
// returns the decision with its audit record. A *signals.ValidationError or
// *EvaluationError rejects the case; no partial decision is produced.
func (e *Engine) Evaluate(ec *domain.EnrichedCase) (*domain.PolicyDecision, *domain.AuditRecord, error) {
	s, err := signals.Extract(ec)
	if err != nil {
		return nil, nil, err
	}
	return e.EvaluateSignals(s)
}

// EvaluateSignals evaluates already-extracted signals.
func (e *Engine) EvaluateSignals(s signals.Signals) (*domain.PolicyDecision, *domain.AuditRecord, error) {
	vars := s.Vars()

	var rows []domain.RuleEvaluation
	matches := make(map[string][]string, len(e.blocks))

	for _, b := range e.blocks {
		for _, x := range b.rules {
			matched, err := x.Eval(vars)
			row := domain.RuleEvaluation{
				DecisionBlock:  b.label,
				Rule:           x.Source,
				NormalizedRule: x.Normalized,
				Matched:        matched,
			}
			if err != nil {
				row.Matched = false
				row.Error = err.Error()
				rows = append(rows, row)
				return nil, nil, &EvaluationError{
					CaseID:      s.CaseID,
					Block:       b.label,
					Rule:        x.Source,
					Evaluations: rows,
					Err:         err,
				}
			}
			rows = append(rows, row)
			if matched {
				matches[b.label] = append(matches[b.label], x.Source)
			}
		}
	}

	label, reasons := e.resolve(matches)
	confidence := e.confidence(label, len(reasons), s.PatternPresent && s.HighSev)
	actions := append([]string{}, e.doc.RequiredActions[label]...)

	decision := &domain.PolicyDecision{
		CaseID:              s.CaseID,
		CustomerID:          s.CustomerID,
		PolicyVersion:       e.doc.Version,
		Decision:            label,
		Confidence:          confidence,
		Reasons:             reasons,
		RequiredNextActions: actions,
		DebugSignals:        vars,
	}
	audit := &domain.AuditRecord{
		Timestamp:       domain.NewTimestamp(e.now()),
		CaseID:          s.CaseID,
		CustomerID:      s.CustomerID,
		PolicyVersion:   e.doc.Version,
		Decision:        label,
		Confidence:      confidence,
		Reasons:         reasons,
		Signals:         vars,
		RuleEvaluations: rows,
	}

	e.logger.Debug("case decided", "case_id", s.CaseID, "decision", label, "reasons", len(reasons))
	return decision, audit, nil
}

// resolve walks the hierarchy from highest to lowest severity and returns the
// first label with a match. With no match the case closes with no reasons.
func (e *Engine) resolve(matches map[string][]string) (string, []string) {
	for i := len(e.doc.Hierarchy) - 1; i >= 0; i-- {
		label := e.doc.Hierarchy[i]
		if hits := matches[label]; len(hits) > 0 {
			return label, append([]string{}, hits...)
		}
	}
	return domain.DecisionClose, []string{}
}

func (e *Engine) confidence(label string, reasons int, patternHighSev bool) float64 {
	c := e.doc.Confidence

	base, ok := c.Base[label]
	if !ok {
		base = c.DefaultBase
	}
	score := decimal.NewFromFloat(base)

	bump := decimal.NewFromFloat(c.PerRuleBump).Mul(decimal.NewFromInt(int64(reasons)))
	score = score.Add(decimal.Min(bump, decimal.NewFromFloat(c.MaxRuleBump)))

	if patternHighSev {
		score = score.Add(decimal.NewFromFloat(c.PatternHighSevBump))
	}
	score = decimal.Min(score, decimal.NewFromFloat(c.Max))

	return score.Round(4).InexactFloat64()
}
