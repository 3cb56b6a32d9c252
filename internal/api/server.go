// Package api exposes the operator HTTP surface: health, case and decision
// lookups, ad-hoc decisions and batch triggers.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultMetricsPath = "/metrics"
	idleTimeout        = 120 * time.Second
)

// Server serves the Kestrel API.
type Server struct {
	cfg     domain.ServerConfig
	handler *Handler
	router  chi.Router
	http    *http.Server
}

// NewServer builds the router over deps. Call Start to listen.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, handler: NewHandler(deps)}
	s.router = s.routes(deps.MetricsPath)
	return s
}

func (s *Server) routes(metricsPath string) chi.Router {
	h := s.handler
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(middleware.RealIP)
	r.Use(Trace)
	r.Use(AccessLog)
	r.Use(Recover)

	// Probes and metrics stay uncompressed for scrapers.
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if h.Metrics != nil {
		if metricsPath == "" {
			metricsPath = defaultMetricsPath
		}
		r.Method(http.MethodGet, metricsPath, h.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/policy", h.GetPolicy)
		r.Post("/decide", h.Decide)

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Get("/", h.GetCase)
			r.Get("/enriched", h.GetEnriched)
			r.Post("/decide", h.DecideCase)
		})
		r.Route("/decisions/{caseID}", func(r chi.Router) {
			r.Get("/", h.GetDecision)
			r.Get("/audit", h.GetAudit)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.TriggerRun)
			r.Get("/latest", h.LatestRun)
		})
	})

	return r
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens on Addr and blocks until the server stops. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  idleTimeout,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the routes for in-process use, e.g. httptest.
func (s *Server) Router() http.Handler {
	return s.router
}
