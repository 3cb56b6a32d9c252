// Package pipeline runs the batch stages end to end: rules to alerts, alerts
// to cases, cases to enriched views, enriched views to decisions. Each stage
// can run on its own against the files the previous stage wrote.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrichment"
	"github.com/opensource-finance/kestrel/internal/jsonl"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Stage names used in summaries, run records and metrics.
const (
	StageAlerts = "alerts"
	StageCases  = "cases"
	StageEnrich = "enrich"
	StageDecide = "decide"
	StageRun    = "run"
)

// ErrRunInProgress is returned when a batch is started while another one on
// the same runner has not finished.
var ErrRunInProgress = errors.New("pipeline run already in progress")

var tracer = otel.Tracer("kestrel/pipeline")

// Runner executes pipeline stages over one configuration. Stage methods are
// safe to call concurrently; the Run* file methods are serialized.
type Runner struct {
	cfg            domain.PipelineConfig
	ruleSet        *domain.RuleSet
	policy         *policy.Holder
	typologies     *rules.Typologies
	repo           domain.Repository
	bus            domain.EventBus
	metrics        *metrics.Metrics
	views          *cache.EnrichedViews
	deferDecisions bool

	now    func() time.Time
	ids    func() string
	logger *slog.Logger

	running atomic.Bool
	last    atomic.Pointer[Summary]
}

// Option configures a Runner.
type Option func(*Runner)

// WithRuleSet sets the detection rules used by the alerts stage.
func WithRuleSet(set *domain.RuleSet) Option {
	return func(r *Runner) { r.ruleSet = set }
}

// WithPolicy sets the policy holder used by the decide stage.
func WithPolicy(h *policy.Holder) Option {
	return func(r *Runner) { r.policy = h }
}

// WithRepository persists alerts, cases, decisions and run records.
func WithRepository(repo domain.Repository) Option {
	return func(r *Runner) { r.repo = repo }
}

// WithBus publishes alerts, built cases and decisions.
func WithBus(b domain.EventBus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithEnrichedViews refreshes the enriched-case cache during enrichment.
func WithEnrichedViews(v *cache.EnrichedViews) Option {
	return func(r *Runner) { r.views = v }
}

// WithDeferredDecisions stops Run after enrichment. Built cases are still
// published, and bus workers decide them.
func WithDeferredDecisions() Option {
	return func(r *Runner) { r.deferDecisions = true }
}

// WithClock overrides the clock for ids, timestamps and durations.
func WithClock(fn func() time.Time) Option {
	return func(r *Runner) { r.now = fn }
}

// WithIDGenerator overrides run, alert and case ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.ids = fn }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a runner for cfg.
func NewRunner(cfg domain.PipelineConfig, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.typologies = rules.NewTypologies(cfg.Families)
	r.logger = r.logger.With("component", "pipeline")
	return r
}

// Typologies returns the rule family classifier built from configuration.
func (r *Runner) Typologies() *rules.Typologies { return r.typologies }

// Running reports whether a Run* call is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// Last returns the summary of the most recent completed Run* call.
func (r *Runner) Last() *Summary { return r.last.Load() }

func (r *Runner) workers() int {
	if r.cfg.Workers > 0 {
		return r.cfg.Workers
	}
	return 1
}

func (r *Runner) newID() string {
	if r.ids != nil {
		return r.ids()
	}
	return uuid.NewString()
}

func (r *Runner) output(name string) string {
	return filepath.Join(r.cfg.OutputDir, name)
}

// Alerts applies the rule set to txs.
func (r *Runner) Alerts(ctx context.Context, txs []*domain.Transaction, customers map[string]*domain.Customer) ([]*domain.Alert, error) {
	opts := []rules.Option{
		rules.WithWorkers(r.workers()),
		rules.WithClock(r.now),
		rules.WithLogger(r.logger),
	}
	if r.ids != nil {
		opts = append(opts, rules.WithIDGenerator(r.ids))
	}

	engine, err := rules.NewEngine(r.ruleSet, customers, opts...)
	if err != nil {
		return nil, err
	}
	alerts, err := engine.Apply(ctx, txs)
	if err != nil {
		return nil, err
	}

	r.metrics.ObserveAlerts(alerts)
	for _, a := range alerts {
		r.publish(ctx, domain.TopicAlert, a)
	}
	return alerts, nil
}

// Cases groups alerts into cases.
func (r *Runner) Cases(alerts []*domain.Alert) []*domain.Case {
	opts := []cases.Option{
		cases.WithWindowDays(r.cfg.WindowDays),
		cases.WithTypologies(r.typologies),
		cases.WithClock(r.now),
		cases.WithLogger(r.logger),
	}
	if r.ids != nil {
		opts = append(opts, cases.WithIDGenerator(r.ids))
	}

	built := cases.NewBuilder(opts...).Build(alerts)
	r.metrics.ObserveCases(built)
	return built
}

// Enricher returns an enricher over index configured like the enrich stage.
func (r *Runner) Enricher(index *enrichment.Index) *enrichment.Enricher {
	return enrichment.NewEnricher(index,
		enrichment.WithTypologies(r.typologies),
		enrichment.WithHighRiskChannel(r.cfg.HighRiskChannel),
		enrichment.WithLogger(r.logger),
	)
}

type enrichOutcome struct {
	ec       *domain.EnrichedCase
	warnings []domain.Warning
	err      error
}

// Enrich builds the enriched view of every case. Cases that cannot be
// enriched are counted as failures in sum; the rest are returned in input
// order.
func (r *Runner) Enrich(ctx context.Context, cs []*domain.Case, index *enrichment.Index, sum *Summary) ([]*domain.EnrichedCase, error) {
	enricher := r.Enricher(index)

	slots := make([]enrichOutcome, len(cs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i, c := range cs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ec, ws, err := enricher.Enrich(c)
			slots[i] = enrichOutcome{ec: ec, warnings: ws, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*domain.EnrichedCase, 0, len(cs))
	for _, o := range slots {
		sum.Processed++
		sum.warn(o.warnings)
		r.metrics.ObserveWarnings(o.warnings)
		if o.err != nil {
			r.caseFailed(StageEnrich, sum, o.err)
			continue
		}
		if r.views != nil {
			if err := r.views.Put(ctx, o.ec); err != nil {
				r.logger.Debug("failed to cache enriched case", "case_id", o.ec.CaseID, "error", err)
			}
		}
		r.publish(ctx, domain.TopicCaseBuilt, o.ec)
		out = append(out, o.ec)
	}
	return out, nil
}

// EnrichCase builds the enriched view of a single case from the configured
// transaction and customer files. alerts should hold at least the customer's
// alerts so historical counts are complete.
func (r *Runner) EnrichCase(ctx context.Context, c *domain.Case, alerts []*domain.Alert) (*domain.EnrichedCase, []domain.Warning, error) {
	txs, customers, err := r.loadBase()
	if err != nil {
		return nil, nil, err
	}
	own := make([]*domain.Transaction, 0)
	for _, tx := range txs {
		if tx.CustomerID == c.CustomerID {
			own = append(own, tx)
		}
	}
	index, err := enrichment.NewIndex(ctx, customers, own, alerts, 1)
	if err != nil {
		return nil, nil, err
	}
	return r.Enricher(index).Enrich(c)
}

type decideInput struct {
	ec  *domain.EnrichedCase
	err error
}

type decideOutcome struct {
	decision *domain.PolicyDecision
	record   *domain.AuditRecord
	err      error
}

// Decide evaluates raw enriched case documents. A document that fails to
// decode is rejected on its own; the rest of the batch continues.
func (r *Runner) Decide(ctx context.Context, raws []json.RawMessage, rec *audit.Recorder, sum *Summary) error {
	inputs := make([]decideInput, len(raws))
	for i, raw := range raws {
		ec, err := signals.DecodeEnrichedCase(raw)
		inputs[i] = decideInput{ec: ec, err: err}
	}
	return r.decide(ctx, inputs, rec, sum)
}

// DecideCases evaluates already decoded enriched cases.
func (r *Runner) DecideCases(ctx context.Context, ecs []*domain.EnrichedCase, rec *audit.Recorder, sum *Summary) error {
	inputs := make([]decideInput, len(ecs))
	for i, ec := range ecs {
		inputs[i] = decideInput{ec: ec}
	}
	return r.decide(ctx, inputs, rec, sum)
}

func (r *Runner) decide(ctx context.Context, inputs []decideInput, rec *audit.Recorder, sum *Summary) error {
	engine, err := r.engine()
	if err != nil {
		return err
	}
	sum.PolicyVersion = engine.Version()

	slots := make([]decideOutcome, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i, in := range inputs {
		if in.err != nil {
			slots[i].err = in.err
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, a, err := engine.Evaluate(in.ec)
			slots[i] = decideOutcome{decision: d, record: a, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, o := range slots {
		sum.Processed++
		if o.err != nil {
			var eerr *policy.EvaluationError
			if errors.As(o.err, &eerr) {
				r.metrics.ObserveRuleEvaluations(eerr.Evaluations)
			}
			r.caseFailed(StageDecide, sum, o.err)
			continue
		}
		if err := rec.Record(ctx, o.decision, o.record); err != nil {
			var derr *audit.DeliveryError
			if !errors.As(err, &derr) {
				return fmt.Errorf("failed to record decision for case %s: %w", o.decision.CaseID, err)
			}
			ws := []domain.Warning{{CaseID: derr.CaseID, Kind: domain.WarnUndelivered, Msg: derr.Err.Error()}}
			sum.warn(ws)
			r.metrics.ObserveWarnings(ws)
		}
		sum.decided(o.decision)
		r.metrics.ObserveDecision(o.decision, o.record)
		r.logger.Debug("case decided",
			"case_id", o.decision.CaseID,
			"decision", o.decision.Decision,
			"confidence", o.decision.Confidence,
		)
	}
	return nil
}

func (r *Runner) engine() (*policy.Engine, error) {
	if r.policy == nil || r.policy.Engine() == nil {
		return nil, domain.NewConfigError("policy", "no policy loaded", nil)
	}
	return r.policy.Engine(), nil
}

func (r *Runner) caseFailed(stage string, sum *Summary, err error) {
	sum.fail(err)
	r.metrics.ObserveFailure(stage, failureKind(err))
	r.logger.Error("case rejected", "stage", stage, "error", err)
}

func (r *Runner) publish(ctx context.Context, topic string, v any) {
	if err := bus.PublishJSON(ctx, r.bus, topic, v); err != nil {
		r.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// RunAlerts runs the rules stage over the configured inputs and writes
// alerts.jsonl.
func (r *Runner) RunAlerts(ctx context.Context) (*Summary, error) {
	return r.exclusive(ctx, StageAlerts, func(ctx context.Context, sum *Summary) error {
		txs, customers, err := r.loadBase()
		if err != nil {
			return err
		}
		_, err = r.alertsStage(ctx, sum, txs, customers)
		return err
	})
}

// RunCases builds cases from alerts.jsonl and writes cases.jsonl.
func (r *Runner) RunCases(ctx context.Context) (*Summary, error) {
	return r.exclusive(ctx, StageCases, func(ctx context.Context, sum *Summary) error {
		alerts, err := LoadAlerts(r.output(AlertsFile))
		if err != nil {
			return err
		}
		_, err = r.casesStage(ctx, sum, alerts)
		return err
	})
}

// RunEnrich enriches cases.jsonl and writes enriched_cases.jsonl.
func (r *Runner) RunEnrich(ctx context.Context) (*Summary, error) {
	return r.exclusive(ctx, StageEnrich, func(ctx context.Context, sum *Summary) error {
		txs, customers, err := r.loadBase()
		if err != nil {
			return err
		}
		alerts, err := LoadAlerts(r.output(AlertsFile))
		if err != nil {
			return err
		}
		cs, err := LoadCases(r.output(CasesFile))
		if err != nil {
			return err
		}
		_, err = r.enrichStage(ctx, sum, cs, customers, txs, alerts)
		return err
	})
}

// RunDecide evaluates enriched_cases.jsonl and writes decisions.jsonl and
// audit.jsonl.
func (r *Runner) RunDecide(ctx context.Context) (*Summary, error) {
	return r.exclusive(ctx, StageDecide, func(ctx context.Context, sum *Summary) error {
		raws, err := LoadEnriched(r.output(EnrichedFile))
		if err != nil {
			return err
		}
		return r.decideStage(ctx, sum, func(rec *audit.Recorder) error {
			return r.Decide(ctx, raws, rec, sum)
		})
	})
}

// Run executes every stage in order and writes summary.json. With deferred
// decisions it stops after enrichment.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	return r.exclusive(ctx, StageRun, func(ctx context.Context, total *Summary) error {
		txs, customers, err := r.loadBase()
		if err != nil {
			return err
		}
		total.Counts["transactions"] = len(txs)
		total.Counts["customers"] = len(customers)

		var alerts []*domain.Alert
		if err := r.child(ctx, total, StageAlerts, func(ctx context.Context, sum *Summary) error {
			alerts, err = r.alertsStage(ctx, sum, txs, customers)
			return err
		}); err != nil {
			return err
		}

		var cs []*domain.Case
		if err := r.child(ctx, total, StageCases, func(ctx context.Context, sum *Summary) error {
			cs, err = r.casesStage(ctx, sum, alerts)
			return err
		}); err != nil {
			return err
		}

		var enriched []*domain.EnrichedCase
		if err := r.child(ctx, total, StageEnrich, func(ctx context.Context, sum *Summary) error {
			enriched, err = r.enrichStage(ctx, sum, cs, customers, txs, alerts)
			return err
		}); err != nil {
			return err
		}

		if r.deferDecisions {
			r.logger.Info("decisions deferred to bus workers", "cases", len(enriched))
			return nil
		}

		return r.child(ctx, total, StageDecide, func(ctx context.Context, sum *Summary) error {
			return r.decideStage(ctx, sum, func(rec *audit.Recorder) error {
				return r.DecideCases(ctx, enriched, rec, sum)
			})
		})
	})
}

func (r *Runner) loadBase() ([]*domain.Transaction, map[string]*domain.Customer, error) {
	txs, err := LoadTransactions(r.cfg.TransactionsPath)
	if err != nil {
		return nil, nil, err
	}
	customers, err := LoadCustomers(r.cfg.CustomersPath)
	if err != nil {
		return nil, nil, err
	}
	return txs, customers, nil
}

func (r *Runner) alertsStage(ctx context.Context, sum *Summary, txs []*domain.Transaction, customers map[string]*domain.Customer) ([]*domain.Alert, error) {
	alerts, err := r.Alerts(ctx, txs, customers)
	if err != nil {
		return nil, err
	}
	sum.Counts["transactions"] = len(txs)
	sum.Counts["customers"] = len(customers)
	sum.Counts["alerts"] = len(alerts)
	sum.Processed = len(txs)

	if err := writeVerified(r, sum, AlertsFile, alerts); err != nil {
		return nil, err
	}
	if r.repo != nil && len(alerts) > 0 {
		if err := r.repo.SaveAlerts(ctx, alerts); err != nil {
			return nil, fmt.Errorf("failed to persist alerts: %w", err)
		}
	}
	return alerts, nil
}

func (r *Runner) casesStage(ctx context.Context, sum *Summary, alerts []*domain.Alert) ([]*domain.Case, error) {
	cs := r.Cases(alerts)
	sum.Counts["alerts"] = len(alerts)
	sum.Counts["cases"] = len(cs)
	sum.Processed = len(alerts)

	assigned := 0
	for _, c := range cs {
		assigned += len(c.AlertIDs)
	}
	if assigned != len(alerts) {
		sum.verify(false)
		r.logger.Error("alerts lost during case building", "alerts", len(alerts), "assigned", assigned)
	}

	if err := writeVerified(r, sum, CasesFile, cs); err != nil {
		return nil, err
	}
	if r.repo != nil && len(cs) > 0 {
		if err := r.repo.SaveCases(ctx, cs); err != nil {
			return nil, fmt.Errorf("failed to persist cases: %w", err)
		}
	}
	return cs, nil
}

func (r *Runner) enrichStage(ctx context.Context, sum *Summary, cs []*domain.Case, customers map[string]*domain.Customer, txs []*domain.Transaction, alerts []*domain.Alert) ([]*domain.EnrichedCase, error) {
	index, err := enrichment.NewIndex(ctx, customers, txs, alerts, r.workers())
	if err != nil {
		return nil, err
	}
	enriched, err := r.Enrich(ctx, cs, index, sum)
	if err != nil {
		return nil, err
	}
	sum.Counts["cases"] = len(cs)
	sum.Counts["enriched"] = len(enriched)

	if err := writeVerified(r, sum, EnrichedFile, enriched); err != nil {
		return nil, err
	}
	return enriched, nil
}

// decideStage starts fresh decision and audit files, records through every
// configured sink and verifies the file against the recorder's count.
func (r *Runner) decideStage(ctx context.Context, sum *Summary, fn func(rec *audit.Recorder) error) error {
	for _, name := range []string{audit.DecisionsFile, audit.AuditFile} {
		if err := os.Remove(r.output(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to reset %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	files, err := audit.NewFileSink(r.cfg.OutputDir)
	if err != nil {
		return err
	}

	rec := audit.NewRecorder(files).Mirror(audit.NewRepositorySink(r.repo), audit.NewBusSink(r.bus))
	runErr := fn(rec)
	if err := rec.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	sum.Counts["decisions"] = int(rec.Written())
	n, err := jsonl.Count(r.output(audit.DecisionsFile))
	if err != nil {
		return err
	}
	sum.verify(int64(n) == rec.Written())
	return nil
}

// writeVerified replaces name with records, then re-reads the file and marks
// the summary FAILED when the counts disagree.
func writeVerified[T any](r *Runner, sum *Summary, name string, records []T) error {
	path := r.output(name)
	if err := jsonl.Write(path, records); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	got, err := jsonl.Count(path)
	if err != nil {
		return err
	}
	if got != len(records) {
		r.logger.Error("verification failed", "file", name, "expected", len(records), "found", got)
	}
	sum.verify(got == len(records))
	return nil
}

// exclusive runs one top-level stage: it rejects overlapping runs, traces and
// times the stage, and persists its summary.
func (r *Runner) exclusive(ctx context.Context, stage string, fn func(context.Context, *Summary) error) (*Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	sum := newSummary(r.newID(), stage, r.now())
	if err := r.traced(ctx, sum, fn); err != nil {
		return sum, err
	}

	if stage == StageRun {
		if err := writeJSON(r.output(SummaryFile), sum); err != nil {
			return sum, err
		}
	}
	r.last.Store(sum)
	return sum, nil
}

// child runs a stage inside Run and folds its summary into total.
func (r *Runner) child(ctx context.Context, total *Summary, stage string, fn func(context.Context, *Summary) error) error {
	sum := newSummary(total.RunID, stage, r.now())
	err := r.traced(ctx, sum, fn)
	total.merge(sum)
	if stage == StageAlerts {
		total.Processed = sum.Processed
	}
	return err
}

func (r *Runner) traced(ctx context.Context, sum *Summary, fn func(context.Context, *Summary) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+sum.Stage, trace.WithAttributes(
		attribute.String("run_id", sum.RunID),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx, sum)
	r.metrics.ObserveStage(sum.Stage, time.Since(start))
	sum.finish(r.now())

	span.SetAttributes(
		attribute.Int("processed", sum.Processed),
		attribute.Int("failed", sum.Failed),
		attribute.Int("warned", sum.Warned),
	)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("stage failed", "stage", sum.Stage, "run_id", sum.RunID, "error", err)
		return err
	}

	r.logger.Info("stage complete",
		"stage", sum.Stage,
		"run_id", sum.RunID,
		"processed", sum.Processed,
		"decided", sum.Decided,
		"failed", sum.Failed,
		"warned", sum.Warned,
		"verification", sum.Verification,
		"duration_ms", sum.DurationMS,
	)
	return r.saveRun(ctx, sum)
}

// saveRun appends the run record to runs.jsonl and the repository.
func (r *Runner) saveRun(ctx context.Context, sum *Summary) error {
	rec := sum.Record()

	app, err := jsonl.OpenAppender(r.output(RunsFile))
	if err != nil {
		return err
	}
	if err := app.Append(rec); err != nil {
		app.Close()
		return err
	}
	if err := app.Close(); err != nil {
		return err
	}

	if r.repo != nil {
		if err := r.repo.SaveRun(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist run record: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
