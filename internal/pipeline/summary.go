package pipeline

import (
	"errors"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/enrichment"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// maxSamples bounds failure and warning samples in a summary.
const maxSamples = 50

// Verification outcomes.
const (
	VerificationPassed = "PASSED"
	VerificationFailed = "FAILED"
)

// Failure kinds.
const (
	FailureValidation = "validation"
	FailureEvaluation = "evaluation"
	FailureEnrichment = "enrichment"
	FailureOther      = "other"
)

// Summary reports what one stage, or a whole run, did.
type Summary struct {
	RunID          string           `json:"run_id"`
	Stage          string           `json:"stage"`
	StartedAt      domain.Timestamp `json:"started_at"`
	DurationMS     int64            `json:"duration_ms"`
	PolicyVersion  string           `json:"policy_version,omitempty"`
	Counts         map[string]int   `json:"counts"`
	Processed      int              `json:"processed"`
	Decided        int              `json:"decided"`
	Failed         int              `json:"failed"`
	Warned         int              `json:"warned"`
	Histogram      map[string]int   `json:"decision_histogram"`
	FailureSamples []string         `json:"failures_sample"`
	WarningSamples []string         `json:"warnings_sample"`
	Verification   string           `json:"verification_status,omitempty"`
}

func newSummary(runID, stage string, started time.Time) *Summary {
	hist := make(map[string]int, len(domain.DecisionLabels))
	for _, l := range domain.DecisionLabels {
		hist[l] = 0
	}
	return &Summary{
		RunID:          runID,
		Stage:          stage,
		StartedAt:      domain.NewTimestamp(started),
		Counts:         make(map[string]int),
		Histogram:      hist,
		FailureSamples: []string{},
		WarningSamples: []string{},
	}
}

func (s *Summary) fail(err error) {
	s.Failed++
	if len(s.FailureSamples) < maxSamples {
		s.FailureSamples = append(s.FailureSamples, err.Error())
	}
}

func (s *Summary) warn(ws []domain.Warning) {
	for _, w := range ws {
		s.Warned++
		if len(s.WarningSamples) < maxSamples {
			s.WarningSamples = append(s.WarningSamples, w.String())
		}
	}
}

func (s *Summary) decided(d *domain.PolicyDecision) {
	s.Decided++
	s.Histogram[d.Decision]++
}

// verify marks the summary FAILED when a re-read count disagrees with memory.
// A failed stage stays failed.
func (s *Summary) verify(ok bool) {
	if !ok {
		s.Verification = VerificationFailed
		return
	}
	if s.Verification == "" {
		s.Verification = VerificationPassed
	}
}

// merge folds a stage summary into a run summary.
func (s *Summary) merge(o *Summary) {
	for k, v := range o.Counts {
		s.Counts[k] = v
	}
	s.Failed += o.Failed
	s.Warned += o.Warned
	s.Decided += o.Decided
	for k, v := range o.Histogram {
		s.Histogram[k] += v
	}
	for _, f := range o.FailureSamples {
		if len(s.FailureSamples) < maxSamples {
			s.FailureSamples = append(s.FailureSamples, f)
		}
	}
	for _, w := range o.WarningSamples {
		if len(s.WarningSamples) < maxSamples {
			s.WarningSamples = append(s.WarningSamples, w)
		}
	}
	if o.PolicyVersion != "" {
		s.PolicyVersion = o.PolicyVersion
	}
	if o.Verification != "" {
		s.verify(o.Verification == VerificationPassed)
	}
}

func (s *Summary) finish(now time.Time) {
	s.DurationMS = now.Sub(s.StartedAt.Time).Milliseconds()
}

// Record converts the summary into the run metadata row.
func (s *Summary) Record() *domain.RunRecord {
	counts := make(map[string]int, len(s.Counts)+4)
	for k, v := range s.Counts {
		counts[k] = v
	}
	counts["processed"] = s.Processed
	counts["decided"] = s.Decided
	counts["failed"] = s.Failed
	counts["warned"] = s.Warned

	return &domain.RunRecord{
		ID:             s.RunID + ":" + s.Stage,
		Stage:          s.Stage,
		Timestamp:      s.StartedAt,
		Counts:         counts,
		FailuresCount:  s.Failed,
		WarningsCount:  s.Warned,
		FailuresSample: append([]string{}, s.FailureSamples...),
		WarningsSample: append([]string{}, s.WarningSamples...),
		Verification:   s.Verification,
	}
}

// failureKind classifies a per-case error for metrics.
func failureKind(err error) string {
	var verr *signals.ValidationError
	var eerr *policy.EvaluationError
	switch {
	case errors.As(err, &eerr):
		return FailureEvaluation
	case errors.As(err, &verr), errors.Is(err, domain.ErrValidation):
		return FailureValidation
	case errors.Is(err, enrichment.ErrUnresolvable):
		return FailureEnrichment
	default:
		return FailureOther
	}
}
