package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type stageFunc func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error)

// stageCommand builds a command that runs one pipeline entry point and prints
// its summary.
func stageCommand(use, short, long string, n needs, run stageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runStage(cmd, n, run)
			return err
		},
	}
}

func runStage(cmd *cobra.Command, n needs, run stageFunc) (*pipeline.Summary, error) {
	a, err := newApp(n)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	sum, err := run(cmd.Context(), a.runner)
	if sum != nil {
		if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
			slog.Warn("failed to print summary", "error", perr)
		}
	}
	if err != nil {
		return nil, err
	}
	if sum.Verification == pipeline.VerificationFailed {
		return sum, fmt.Errorf("%s stage output failed verification", sum.Stage)
	}
	return sum, nil
}

var runCmd = stageCommand("run", "Run every stage end to end",
	`Run alerts, cases, enrich and decide in sequence over the configured inputs.

Each stage writes its JSON Lines output, a run record is appended per stage,
and summary.json in the output directory holds the merged run summary.`,
	needs{rules: true, policy: true, backends: true},
	func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error) { return r.Run(ctx) },
)

var enrichCmd = stageCommand("enrich", "Enrich cases with customer and behavior context",
	`Read cases.jsonl and alerts.jsonl and write enriched_cases.jsonl.`,
	needs{backends: true},
	func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error) { return r.RunEnrich(ctx) },
)

var decideCmd = stageCommand("decide", "Apply the policy to enriched cases",
	`Read enriched_cases.jsonl, apply the policy document and write
decisions.jsonl and audit.jsonl. Both files are rewritten on every run.`,
	needs{policy: true, backends: true},
	func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error) { return r.RunDecide(ctx) },
)

var alertsFlags struct {
	validate bool
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Evaluate rules against transactions",
	Long: `Evaluate the rule set against every transaction and write alerts.jsonl.

With --validate the command also checks the alert distribution: counts by rule,
risk, severity and customer type, malformed alerts, missing high-risk coverage
and a mismatch between the file and the count the run reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := runStage(cmd, needs{rules: true, backends: true}, func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error) {
			return r.RunAlerts(ctx)
		})
		if err != nil {
			return err
		}
		if !alertsFlags.validate {
			return nil
		}

		alerts, err := pipeline.LoadAlerts(filepath.Join(cfg.Pipeline.OutputDir, pipeline.AlertsFile))
		if err != nil {
			return err
		}
		customers, err := pipeline.LoadCustomers(cfg.Pipeline.CustomersPath)
		if err != nil {
			return err
		}
		expected := -1
		if n, ok := sum.Counts["alerts"]; ok {
			expected = n
		}

		report := rules.ValidateAlerts(alerts, customers, expected)
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		for _, w := range report.Warnings {
			slog.Warn("alert validation warning", "finding", w.String())
		}
		if !report.OK() {
			return fmt.Errorf("alert validation failed with %d findings", len(report.Failures))
		}
		return nil
	},
}

var casesFlags struct {
	analyze bool
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Group alerts into anchor-window cases",
	Long: `Read alerts.jsonl and write cases.jsonl.

With --analyze the command also prints how alerts fall into anchor windows per
customer: cluster counts, the largest cluster and zero-span clusters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := runStage(cmd, needs{backends: true}, func(ctx context.Context, r *pipeline.Runner) (*pipeline.Summary, error) {
			return r.RunCases(ctx)
		}); err != nil {
			return err
		}
		if !casesFlags.analyze {
			return nil
		}

		alerts, err := pipeline.LoadAlerts(filepath.Join(cfg.Pipeline.OutputDir, pipeline.AlertsFile))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), cases.AnalyzeClusters(alerts, cfg.Pipeline.WindowDays))
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsFlags.validate, "validate", false, "check the alert distribution after the run")
	casesCmd.Flags().BoolVar(&casesFlags.analyze, "analyze", false, "print a cluster analysis of the alerts")

	rootCmd.AddCommand(runCmd, alertsCmd, casesCmd, enrichCmd, decideCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
