package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check built cases against their alerts and customers",
	Long: `Validate cases.jsonl against alerts.jsonl and the customer file.

Structural failures (missing alerts, bad ordering, wrong scores or priorities,
alerts reused across cases) fail the command. Suspicious but legal shapes such
as very long case spans are reported as warnings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(needs{})
		if err != nil {
			return err
		}
		defer a.Close()

		out := cfg.Pipeline.OutputDir
		cs, err := pipeline.LoadCases(filepath.Join(out, pipeline.CasesFile))
		if err != nil {
			return err
		}
		alerts, err := pipeline.LoadAlerts(filepath.Join(out, pipeline.AlertsFile))
		if err != nil {
			return err
		}
		customers, err := pipeline.LoadCustomers(cfg.Pipeline.CustomersPath)
		if err != nil {
			return err
		}

		report := cases.Validate(cs, pipeline.AlertsByID(alerts), customers, a.runner.Typologies())
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		for _, w := range report.Warnings {
			slog.Warn("case validation warning", "finding", w.String())
		}
		if !report.OK() {
			return fmt.Errorf("%d of %d cases failed validation", len(report.Failures), report.Cases)
		}
		slog.Info("cases valid", "cases", report.Cases, "warnings", len(report.Warnings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
