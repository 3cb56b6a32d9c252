package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

var evaluateFlags struct {
	truth  string
	input  string
	asJSON bool
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score policy decisions against labelled outcomes",
	Long: `Decide every enriched case with the current policy and compare the result with
a ground truth file of {"case_id", "decision"} rows.

Nothing is written: decisions are computed in memory. The report covers
accuracy, a confusion matrix, escalation precision and recall, and the cases
where the policy disagreed with the label.

Examples:
  kestrel evaluate --truth data/ground_truth.jsonl
  kestrel evaluate --input out/enriched_cases.jsonl --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		truthPath := evaluateFlags.truth
		if truthPath == "" {
			truthPath = cfg.Pipeline.GroundTruthPath
		}
		if truthPath == "" {
			return domain.NewConfigError("--truth", "a ground truth file is required", nil)
		}
		input := evaluateFlags.input
		if input == "" {
			input = filepath.Join(cfg.Pipeline.OutputDir, pipeline.EnrichedFile)
		}

		a, err := newApp(needs{policy: true})
		if err != nil {
			return err
		}
		defer a.Close()

		truth, err := pipeline.LoadGroundTruth(truthPath)
		if err != nil {
			return err
		}
		raws, err := pipeline.LoadEnriched(input)
		if err != nil {
			return err
		}

		report, err := a.runner.Evaluate(cmd.Context(), raws, truth)
		if err != nil {
			return err
		}
		if evaluateFlags.asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		return report.WriteText(cmd.OutOrStdout())
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateFlags.truth, "truth", "", "ground truth JSONL (defaults to pipeline.ground_truth_path)")
	evaluateCmd.Flags().StringVar(&evaluateFlags.input, "input", "", "enriched cases JSONL (defaults to the output directory)")
	evaluateCmd.Flags().BoolVar(&evaluateFlags.asJSON, "json", false, "print the report as JSON")

	rootCmd.AddCommand(evaluateCmd)
}
