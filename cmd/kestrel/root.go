package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// flushTimeout bounds the final span export on exit.
const flushTimeout = 5 * time.Second

var (
	// Global flags
	cfgFile string
	verbose bool

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg *domain.Config
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - AML alert triage pipeline",
	Long: `Kestrel turns raw transactions into audited compliance decisions.

The batch pipeline runs four stages, each readable and writable on its own:
  - alerts:  evaluate the rule set against every transaction
  - cases:   group alerts into 14-day anchor cases per customer
  - enrich:  attach customer, alert, transaction and behavior context
  - decide:  apply the policy document and write decisions with an audit trail

Every stage writes JSON Lines into the output directory and a run record.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, domain.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("KESTREL_CONFIG"), "config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// setupLogging installs the process logger. Logs go to stderr so reports
// printed on stdout stay machine-readable.
func setupLogging(cfg *domain.Config) {
	level := config.LogLevel(cfg)
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Logging.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// needs selects which components a command builds.
type needs struct {
	rules    bool
	policy   bool
	backends bool
}

// app is the set of components one command runs with.
type app struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	policy  *policy.Holder
	views   *cache.EnrichedViews
	runner  *pipeline.Runner

	closers []func() error
}

func newApp(n needs, opts ...pipeline.Option) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var runnerOpts []pipeline.Option

	shutdown, err := telemetry.Setup(context.Background(), cfg.Tracing, Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		return shutdown(ctx)
	})

	if n.rules {
		if cfg.Pipeline.RulesPath == "" {
			return nil, domain.NewConfigError("pipeline.rules_path", "a rule set is required", nil)
		}
		set, err := rules.LoadRuleSet(cfg.Pipeline.RulesPath)
		if err != nil {
			return nil, err
		}
		slog.Info("rule set loaded", "path", cfg.Pipeline.RulesPath, "rules", len(set.Rules))
		runnerOpts = append(runnerOpts, pipeline.WithRuleSet(set))
	}

	if n.policy {
		if cfg.Pipeline.PolicyPath == "" {
			return nil, domain.NewConfigError("pipeline.policy_path", "a policy document is required", nil)
		}
		engine, err := policy.LoadEngine(cfg.Pipeline.PolicyPath)
		if err != nil {
			return nil, err
		}
		a.policy = policy.NewHolder(engine)
		slog.Info("policy loaded", "path", cfg.Pipeline.PolicyPath, "version", engine.Version(), "rules", engine.RulesCount())
		runnerOpts = append(runnerOpts, pipeline.WithPolicy(a.policy))
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics, nil)
		runnerOpts = append(runnerOpts, pipeline.WithMetrics(a.metrics))
		if a.policy != nil {
			a.policy.OnSwap(func(*policy.Engine) { a.metrics.PolicyReloaded() })
		}
	}

	if n.backends {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		if repo != nil {
			a.repo = repo
			a.closers = append(a.closers, repo.Close)
			runnerOpts = append(runnerOpts, pipeline.WithRepository(repo))
		}
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)

		c, err := cache.New(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		a.cache = c
		a.closers = append(a.closers, c.Close)
		a.views = cache.NewEnrichedViews(c, cfg.Cache.EnrichedTTL)
		runnerOpts = append(runnerOpts, pipeline.WithEnrichedViews(a.views))
		slog.Info("cache initialized", "type", cfg.Cache.Type)

		b, err := bus.New(cfg.EventBus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		if b != nil {
			a.bus = b
			a.closers = append(a.closers, b.Close)
			runnerOpts = append(runnerOpts, pipeline.WithBus(b))
		}
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	a.runner = pipeline.NewRunner(cfg.Pipeline, append(runnerOpts, opts...)...)
	ok = true
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
