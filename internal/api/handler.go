package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// maxBody bounds request bodies.
const maxBody = 16 << 20

// Deps are the components the handlers serve. Any of them may be nil;
// endpoints that need a missing one answer 503.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Policy   *policy.Holder
	Runner   *pipeline.Runner
	Views    *cache.EnrichedViews
	Recorder *audit.Recorder
	Metrics  *metrics.Metrics
	Version  string

	// MetricsPath is where the Prometheus registry is served. Defaults to /metrics.
	MetricsPath string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Recorder == nil {
		deps.Recorder = audit.NewRecorder(audit.NewRepositorySink(deps.Repo)).Mirror(audit.NewBusSink(deps.Bus))
	}
	return &Handler{Deps: deps}
}

// DecideResponse is returned by the decide endpoints.
type DecideResponse struct {
	Decision *domain.PolicyDecision `json:"decision"`
	Audit    *domain.AuditRecord    `json:"audit"`
	TraceID  string                 `json:"trace_id"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("event_bus", h.Bus.Ping)
	}

	resp := map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	}
	if e := h.engine(); e != nil {
		resp["policy_version"] = e.Version()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether a policy is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// GetPolicy describes the loaded policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	e := h.engine()
	if e == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_version":     e.Version(),
		"decision_hierarchy": e.Document().Hierarchy,
		"rules_count":        e.RulesCount(),
		"reloads":            h.Policy.Reloads(),
		"required_actions":   e.Document().RequiredActions,
	})
}

// GetCase returns a stored case.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	c, err := h.Repo.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeLookupError(w, r, "case", err)
		return
	}
	if err := h.verifyScore(r.Context(), c); err != nil {
		h.writeLookupError(w, r, "case", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// verifyScore recomputes a stored case's aggregated score from its alerts.
func (h *Handler) verifyScore(ctx context.Context, c *domain.Case) error {
	alerts, err := h.Repo.ListAlertsByCustomer(ctx, c.CustomerID)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Alert, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
	}
	return cases.VerifyScore(c, byID)
}

// GetEnriched returns the enriched view of a stored case, from cache when
// possible.
func (h *Handler) GetEnriched(w http.ResponseWriter, r *http.Request) {
	ec, err := h.enriched(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeLookupError(w, r, "case", err)
		return
	}
	writeJSON(w, http.StatusOK, ec)
}

// DecideCase enriches a stored case and decides it.
func (h *Handler) DecideCase(w http.ResponseWriter, r *http.Request) {
	ec, err := h.enriched(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeLookupError(w, r, "case", err)
		return
	}
	h.decide(w, r, ec)
}

// Decide decides an enriched case posted in the body.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	ec, err := signals.DecodeEnrichedCase(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.decide(w, r, ec)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, ec *domain.EnrichedCase) {
	ctx := r.Context()
	e := h.engine()
	if e == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy loaded")
		return
	}

	d, rec, err := e.Evaluate(ec)
	if err != nil {
		var eerr *policy.EvaluationError
		status := http.StatusBadRequest
		kind := "validation"
		if errors.As(err, &eerr) {
			status = http.StatusUnprocessableEntity
			kind = "evaluation"
			h.Metrics.ObserveRuleEvaluations(eerr.Evaluations)
		}
		h.Metrics.ObserveFailure("api", kind)
		writeError(w, status, err.Error())
		return
	}

	if err := h.Recorder.Record(ctx, d, rec); err != nil {
		var derr *audit.DeliveryError
		if !errors.As(err, &derr) {
			h.log(ctx).Error("failed to record decision", "case_id", d.CaseID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record decision")
			return
		}
		h.Metrics.ObserveWarnings([]domain.Warning{{CaseID: d.CaseID, Kind: domain.WarnUndelivered, Msg: derr.Err.Error()}})
	}
	h.Metrics.ObserveDecision(d, rec)

	writeJSON(w, http.StatusOK, DecideResponse{Decision: d, Audit: rec, TraceID: GetTraceID(ctx)})
}

// GetDecision returns the latest decision recorded for a case.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	d, err := h.Repo.LatestDecision(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeLookupError(w, r, "decision", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetAudit returns a case's audit trail, oldest first.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	caseID := chi.URLParam(r, "caseID")
	records, err := h.Repo.ListAudit(r.Context(), caseID)
	if err != nil {
		h.writeLookupError(w, r, "audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id": caseID,
		"records": records,
		"count":   len(records),
	})
}

// TriggerRun starts a batch run. With ?wait=true the run is synchronous and
// its summary is returned; otherwise the run starts in the background.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		sum, err := h.Runner.Run(r.Context())
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, sum)
		}
		return
	}

	if h.Runner.Running() {
		writeError(w, http.StatusConflict, pipeline.ErrRunInProgress.Error())
		return
	}
	logger := h.log(r.Context())
	go func() {
		if _, err := h.Runner.Run(context.Background()); err != nil {
			logger.Error("triggered run failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// LatestRun returns the most recent run summary, or the latest stored run
// record when this process has not run one.
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	if h.Runner != nil {
		if sum := h.Runner.Last(); sum != nil {
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	if h.Repo == nil {
		writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	run, err := h.Repo.LatestRun(r.Context(), r.URL.Query().Get("stage"))
	if err != nil {
		h.writeLookupError(w, r, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) log(ctx context.Context) *slog.Logger {
	return Logger(ctx).With("component", "api")
}

func (h *Handler) engine() *policy.Engine {
	if h.Policy == nil {
		return nil
	}
	return h.Policy.Engine()
}

// enriched serves the cached view or rebuilds it from the stored case.
func (h *Handler) enriched(ctx context.Context, caseID string) (*domain.EnrichedCase, error) {
	if h.Repo == nil || h.Runner == nil {
		return nil, errUnavailable
	}
	compute := func() (*domain.EnrichedCase, error) {
		c, err := h.Repo.GetCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		alerts, err := h.Repo.ListAlertsByCustomer(ctx, c.CustomerID)
		if err != nil {
			return nil, err
		}
		ec, warnings, err := h.Runner.EnrichCase(ctx, c, alerts)
		for _, w := range warnings {
			h.log(ctx).Warn("enrichment warning", "case_id", caseID, "kind", w.Kind, "message", w.Msg)
		}
		return ec, err
	}
	if h.Views == nil {
		return compute()
	}
	return h.Views.GetOrCompute(ctx, caseID, compute)
}

var errUnavailable = errors.New("repository or pipeline not available")

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, errUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log(r.Context()).Error("lookup failed", "what", what, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
