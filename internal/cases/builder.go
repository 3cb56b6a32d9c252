// Package cases clusters a customer's alerts into time-bounded investigation
// cases and checks the resulting case set for structural consistency.
package cases

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// DefaultWindowDays is the anchor window used when none is configured.
const DefaultWindowDays = 14

// mediumScoreThreshold is the aggregated score above which a case without
// high-severity or pattern alerts is medium priority.
const mediumScoreThreshold = 100

// scoreTolerance bounds float drift between a stored and recomputed score.
const scoreTolerance = 0.01

// ErrScoreDrift is returned when a stored aggregated_score no longer matches
// the sum of its alerts' base scores. It is a validation error.
var ErrScoreDrift = fmt.Errorf("aggregated score drift: %w", domain.ErrValidation)

// Builder groups alerts into cases. It holds no per-run state and is safe for
// concurrent use.
type Builder struct {
	window     time.Duration
	typologies *rules.Typologies
	newID      func() string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithWindowDays sets the anchor window length.
func WithWindowDays(days int) Option {
	return func(b *Builder) {
		if days > 0 {
			b.window = time.Duration(days) * 24 * time.Hour
		}
	}
}

// WithTypologies sets the rule family classifier used for priority.
func WithTypologies(t *rules.Typologies) Option {
	return func(b *Builder) {
		if t != nil {
			b.typologies = t
		}
	}
}

// WithIDGenerator overrides uuid case ids.
func WithIDGenerator(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// WithClock overrides the created_at clock.
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// WithLogger sets the builder logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder returns a Builder with a 14-day window and the default rule
// families.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		window:     DefaultWindowDays * 24 * time.Hour,
		typologies: rules.DefaultTypologies(),
		newID:      func() string { return uuid.New().String() },
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "cases")
	return b
}

// Build partitions alerts into cases. Every alert lands in exactly one case.
// Cases are returned by customer id, then chronologically.
func (b *Builder) Build(alerts []*domain.Alert) []*domain.Case {
	byCustomer := groupByCustomer(alerts)

	ids := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*domain.Case
	for _, id := range ids {
		for _, cluster := range clusterAnchored(byCustomer[id], b.window) {
			out = append(out, b.newCase(id, cluster))
		}
	}

	b.logger.Info("cases built", "alerts", len(alerts), "customers", len(ids), "cases", len(out))
	return out
}

func (b *Builder) newCase(customerID string, cluster []*domain.Alert) *domain.Case {
	ids := make([]string, len(cluster))
	for i, a := range cluster {
		ids[i] = a.ID
	}
	score := Score(cluster)

	return &domain.Case{
		ID:                 b.newID(),
		CustomerID:         customerID,
		CustomerRiskRating: cluster[0].CustomerRiskRating,
		CreatedAt:          domain.NewTimestamp(b.now()),
		Status:             domain.CaseStatusOpen,
		AlertIDs:           ids,
		TotalAlerts:        len(cluster),
		AggregatedScore:    score,
		Priority:           Priority(cluster, score, b.typologies),
		FirstAlertAt:       cluster[0].EventTime,
		LastAlertAt:        cluster[len(cluster)-1].EventTime,
	}
}

// Score sums the base scores of alerts.
func Score(alerts []*domain.Alert) float64 {
	var total float64
	for _, a := range alerts {
		total += a.BaseScore
	}
	return total
}

// Priority derives the case priority: high when any alert is high severity or
// comes from a pattern rule, medium when the score exceeds 100, low otherwise.
func Priority(alerts []*domain.Alert, score float64, t *rules.Typologies) string {
	for _, a := range alerts {
		if a.Severity == domain.SeverityHigh || t.IsPattern(a.RuleID) {
			return domain.PriorityHigh
		}
	}
	if score > mediumScoreThreshold {
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}

// VerifyScore recomputes a case's aggregated score from its alerts. A missing
// alert is ErrNotFound; a difference above 0.01 is ErrScoreDrift.
func VerifyScore(c *domain.Case, alerts map[string]*domain.Alert) error {
	var total float64
	for _, id := range c.AlertIDs {
		a, ok := alerts[id]
		if !ok {
			return fmt.Errorf("case %s alert %s: %w", c.ID, id, domain.ErrNotFound)
		}
		total += a.BaseScore
	}
	if math.Abs(total-c.AggregatedScore) > scoreTolerance {
		return fmt.Errorf("case %s: stored %.2f, recomputed %.2f: %w", c.ID, c.AggregatedScore, total, ErrScoreDrift)
	}
	return nil
}

func groupByCustomer(alerts []*domain.Alert) map[string][]*domain.Alert {
	out := make(map[string][]*domain.Alert)
	for _, a := range alerts {
		out[a.CustomerID] = append(out[a.CustomerID], a)
	}
	return out
}

// clusterAnchored sorts alerts by event time and splits them into clusters.
// An alert joins the current cluster while it is within window of the
// cluster's first alert; otherwise it anchors a new cluster.
func clusterAnchored(alerts []*domain.Alert, window time.Duration) [][]*domain.Alert {
	sorted := append([]*domain.Alert(nil), alerts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EventTime.Before(sorted[j].EventTime.Time)
	})

	var (
		clusters [][]*domain.Alert
		current  []*domain.Alert
		anchor   time.Time
	)
	for _, a := range sorted {
		if len(current) > 0 && a.EventTime.Sub(anchor) <= window {
			current = append(current, a)
			continue
		}
		if len(current) > 0 {
			clusters = append(clusters, current)
		}
		current = []*domain.Alert{a}
		anchor = a.EventTime.Time
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}
