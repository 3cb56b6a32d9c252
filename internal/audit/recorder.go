// Package audit persists policy decisions and their audit records through
// append-only sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/jsonl"
)

// Output file names inside a run directory.
const (
	DecisionsFile = "decisions.jsonl"
	AuditFile     = "audit.jsonl"
)

// Sink receives every decision together with its audit record.
type Sink interface {
	Record(ctx context.Context, d *domain.PolicyDecision, rec *domain.AuditRecord) error
	Close() error
}

// Recorder fans a decision out to its sinks. Required sinks must all accept
// a decision; mirrors receive it afterwards and may miss it. It is safe for
// concurrent use when its sinks are.
type Recorder struct {
	sinks   []Sink
	mirrors []Sink
	written atomic.Int64
	logger  *slog.Logger
}

// DeliveryError reports mirrors that missed a decision the required sinks
// stored.
type DeliveryError struct {
	CaseID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("decision for case %s not mirrored: %v", e.CaseID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewRecorder returns a recorder over required sinks. Nil sinks are skipped.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:  compact(sinks),
		logger: slog.Default().With("component", "audit"),
	}
}

// Mirror adds best-effort sinks and returns r.
func (r *Recorder) Mirror(sinks ...Sink) *Recorder {
	r.mirrors = append(r.mirrors, compact(sinks)...)
	return r
}

func compact(sinks []Sink) []Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Record writes d and rec to every required sink, joining their errors. Once
// they all succeed the decision counts as written and goes to the mirrors;
// mirror failures come back as a *DeliveryError.
func (r *Recorder) Record(ctx context.Context, d *domain.PolicyDecision, rec *domain.AuditRecord) error {
	if d == nil || rec == nil {
		return fmt.Errorf("%w: decision and audit record are required", domain.ErrInvalidInput)
	}

	if err := record(ctx, r.sinks, d, rec); err != nil {
		r.logger.Error("failed to record decision", "case_id", d.CaseID, "error", err)
		return err
	}
	r.written.Add(1)

	if err := record(ctx, r.mirrors, d, rec); err != nil {
		r.logger.Warn("failed to mirror decision", "case_id", d.CaseID, "error", err)
		return &DeliveryError{CaseID: d.CaseID, Err: err}
	}
	return nil
}

func record(ctx context.Context, sinks []Sink, d *domain.PolicyDecision, rec *domain.AuditRecord) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Record(ctx, d, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Written returns how many decisions reached every required sink.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close closes every sink.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range append(append([]Sink{}, r.sinks...), r.mirrors...) {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileSink appends decisions and audit records to JSONL files in one
// directory.
type FileSink struct {
	decisions *jsonl.Appender
	audit     *jsonl.Appender
}

// NewFileSink opens decisions.jsonl and audit.jsonl under dir for appending.
func NewFileSink(dir string) (*FileSink, error) {
	decisions, err := jsonl.OpenAppender(filepath.Join(dir, DecisionsFile))
	if err != nil {
		return nil, err
	}
	audit, err := jsonl.OpenAppender(filepath.Join(dir, AuditFile))
	if err != nil {
		decisions.Close()
		return nil, err
	}
	return &FileSink{decisions: decisions, audit: audit}, nil
}

// Record appends one line to each file.
func (s *FileSink) Record(_ context.Context, d *domain.PolicyDecision, rec *domain.AuditRecord) error {
	if err := s.decisions.Append(d); err != nil {
		return err
	}
	return s.audit.Append(rec)
}

// Flush writes buffered lines.
func (s *FileSink) Flush() error {
	return errors.Join(s.decisions.Flush(), s.audit.Flush())
}

// Close flushes and closes both files.
func (s *FileSink) Close() error {
	return errors.Join(s.decisions.Close(), s.audit.Close())
}

// RepositorySink stores decisions and audit records in a repository.
type RepositorySink struct {
	repo domain.Repository
}

// NewRepositorySink returns nil for a nil repository, which NewRecorder skips.
func NewRepositorySink(repo domain.Repository) Sink {
	if repo == nil {
		return nil
	}
	return &RepositorySink{repo: repo}
}

// Record saves the decision, then the audit record.
func (s *RepositorySink) Record(ctx context.Context, d *domain.PolicyDecision, rec *domain.AuditRecord) error {
	if err := s.repo.SaveDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to save decision for %s: %w", d.CaseID, err)
	}
	if err := s.repo.SaveAudit(ctx, rec); err != nil {
		return fmt.Errorf("failed to save audit record for %s: %w", d.CaseID, err)
	}
	return nil
}

// Close is a no-op; the repository is owned by the caller.
func (s *RepositorySink) Close() error { return nil }

// BusSink publishes decisions and audit records as events.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink returns nil for a nil bus, which NewRecorder skips.
func NewBusSink(b domain.EventBus) Sink {
	if b == nil {
		return nil
	}
	return &BusSink{bus: b}
}

// Record publishes on the decision and audit topics.
func (s *BusSink) Record(ctx context.Context, d *domain.PolicyDecision, rec *domain.AuditRecord) error {
	if err := bus.PublishJSON(ctx, s.bus, domain.TopicDecision, d); err != nil {
		return err
	}
	return bus.PublishJSON(ctx, s.bus, domain.TopicAudit, rec)
}

// Close is a no-op; the bus is owned by the caller.
func (s *BusSink) Close() error { return nil }
