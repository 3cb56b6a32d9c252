package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var serveFlags struct {
	port int
	cron string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API with background runs",
	Long: `Start the HTTP API and, depending on the schedule configuration:

  - schedule.cron          run the batch pipeline on a cron schedule
  - schedule.watch_policy  reload the policy document when the file changes
  - schedule.worker        decide built cases from the event bus as they arrive

With the worker enabled, batch runs stop after enrichment and publish every
enriched case; the worker records the decisions.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "override server.port")
	serveCmd.Flags().StringVar(&serveFlags.cron, "cron", "", "override schedule.cron")

	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}
	if serveFlags.cron != "" {
		cfg.Schedule.Cron = serveFlags.cron
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	var opts []pipeline.Option
	if cfg.Schedule.Worker {
		opts = append(opts, pipeline.WithDeferredDecisions())
	}
	a, err := newApp(needs{rules: true, policy: true, backends: true}, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var caseWorker *worker.Worker
	if cfg.Schedule.Worker {
		if a.bus == nil {
			return domain.NewConfigError("schedule.worker", "the worker needs an event bus", nil)
		}
		recorder := audit.NewRecorder(audit.NewRepositorySink(a.repo)).Mirror(audit.NewBusSink(a.bus))
		caseWorker = worker.NewWorker(a.bus, a.policy, recorder, a.metrics, a.views)
		if err := caseWorker.Start(worker.Config{}); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		slog.Info("case worker started", "topics", caseWorker.GetStats().Topics)
	}

	if cfg.Schedule.WatchPolicy {
		go func() {
			if err := a.policy.Watch(ctx, cfg.Pipeline.PolicyPath, cfg.Schedule.ReloadDebounce); err != nil {
				slog.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	sched := newScheduler(a.runner)
	if err := sched.Start(ctx, cfg.Schedule.Cron); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        a.repo,
		Cache:       a.cache,
		Bus:         a.bus,
		Policy:      a.policy,
		Runner:      a.runner,
		Views:       a.views,
		Metrics:     a.metrics,
		Version:     Version,
		MetricsPath: cfg.Metrics.Path,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("kestrel is ready", "host", cfg.Server.Host, "port", cfg.Server.Port)
	printBanner(cmd, a)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			slog.Error("server failed", "error", err)
			stop()
			sched.Stop()
			return err
		}
	}

	sched.Stop()
	if caseWorker != nil {
		if err := caseWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// scheduler triggers batch runs on a cron schedule.
type scheduler struct {
	runner  *pipeline.Runner
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

func newScheduler(r *pipeline.Runner) *scheduler {
	return &scheduler{
		runner: r,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Start registers spec and starts the cron loop. An empty spec leaves the
// scheduler idle.
func (s *scheduler) Start(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == "" {
		s.logger.Info("run schedule not configured")
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return domain.NewConfigError("schedule.cron", fmt.Sprintf("invalid cron schedule %q", spec), err)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule runs: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("run scheduler started", "schedule", spec)
	return nil
}

func (s *scheduler) run(ctx context.Context) {
	s.logger.Info("starting scheduled run")
	sum, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, another run is in progress")
	case err != nil:
		s.logger.Error("scheduled run failed", "error", err)
	default:
		s.logger.Info("scheduled run completed",
			"run_id", sum.RunID,
			"processed", sum.Processed,
			"decided", sum.Decided,
			"failed", sum.Failed,
		)
	}
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("run scheduler stopped")
	}
}

func printBanner(cmd *cobra.Command, a *app) {
	out := cmd.OutOrStdout()
	version := "none"
	if e := a.policy.Engine(); e != nil {
		version = e.Version()
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  KESTREL  alert triage pipeline")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", Version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Policy:   %s\n", version)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  Schedule: %q  watch_policy=%v  worker=%v\n", cfg.Schedule.Cron, cfg.Schedule.WatchPolicy, cfg.Schedule.Worker)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    GET  /health                     - Health check")
	fmt.Fprintln(out, "    GET  /policy                     - Loaded policy")
	fmt.Fprintln(out, "    GET  /cases/{id}                 - Stored case")
	fmt.Fprintln(out, "    GET  /cases/{id}/enriched        - Enriched view (cached)")
	fmt.Fprintln(out, "    POST /cases/{id}/decide          - Decide a stored case")
	fmt.Fprintln(out, "    POST /decide                     - Decide a posted enriched case")
	fmt.Fprintln(out, "    GET  /decisions/{id}[/audit]     - Latest decision or audit trail")
	fmt.Fprintln(out, "    POST /runs                       - Trigger a batch run")
	fmt.Fprintln(out, "    GET  /runs/latest                - Latest run summary")
	fmt.Fprintln(out)
}
