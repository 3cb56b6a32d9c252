package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// Mismatch is a case whose decision differs from its ground truth label.
type Mismatch struct {
	CaseID    string `json:"case_id"`
	Predicted string `json:"predicted"`
	Truth     string `json:"true"`
}

// EscalationMetrics scores the binary question "does this case go to L2".
type EscalationMetrics struct {
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	TN        int     `json:"tn"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// EvalReport compares policy decisions against ground truth labels.
type EvalReport struct {
	PolicyVersion  string                    `json:"policy_version"`
	Evaluated      int                       `json:"evaluated"`
	Correct        int                       `json:"correct"`
	Accuracy       float64                   `json:"accuracy"`
	Confusion      map[string]map[string]int `json:"confusion_matrix"`
	Escalation     EscalationMetrics         `json:"escalation"`
	Mismatches     []Mismatch                `json:"mismatches"`
	Skipped        int                       `json:"skipped_no_ground_truth"`
	Failed         int                       `json:"failed"`
	FailureSamples []string                  `json:"failures_sample"`
}

func escalated(label string) bool {
	return label == domain.DecisionEscalate || label == domain.DecisionSAR
}

// Evaluate decides every enriched case that has a ground truth label and
// scores the result. Nothing is recorded.
func (r *Runner) Evaluate(ctx context.Context, raws []json.RawMessage, truth map[string]string) (*EvalReport, error) {
	engine, err := r.engine()
	if err != nil {
		return nil, err
	}

	report := &EvalReport{
		PolicyVersion:  engine.Version(),
		Confusion:      make(map[string]map[string]int, len(domain.DecisionLabels)),
		Mismatches:     []Mismatch{},
		FailureSamples: []string{},
	}
	for _, t := range domain.DecisionLabels {
		row := make(map[string]int, len(domain.DecisionLabels))
		for _, p := range domain.DecisionLabels {
			row[p] = 0
		}
		report.Confusion[t] = row
	}

	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ec, err := signals.DecodeEnrichedCase(raw)
		if err != nil {
			report.fail(err)
			continue
		}
		want, ok := truth[ec.CaseID]
		if !ok {
			report.Skipped++
			continue
		}

		d, _, err := engine.Evaluate(ec)
		if err != nil {
			report.fail(err)
			continue
		}
		report.add(ec.CaseID, d.Decision, want)
	}

	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].CaseID < report.Mismatches[j].CaseID
	})
	report.Accuracy = ratio(report.Correct, report.Evaluated)
	e := &report.Escalation
	e.Precision = ratio(e.TP, e.TP+e.FP)
	e.Recall = ratio(e.TP, e.TP+e.FN)
	return report, nil
}

func (rep *EvalReport) fail(err error) {
	rep.Failed++
	if len(rep.FailureSamples) < maxSamples {
		rep.FailureSamples = append(rep.FailureSamples, err.Error())
	}
}

func (rep *EvalReport) add(caseID, predicted, truth string) {
	rep.Evaluated++
	if row, ok := rep.Confusion[truth]; ok {
		row[predicted]++
	}
	if predicted == truth {
		rep.Correct++
	} else {
		rep.Mismatches = append(rep.Mismatches, Mismatch{CaseID: caseID, Predicted: predicted, Truth: truth})
	}

	switch p, t := escalated(predicted), escalated(truth); {
	case p && t:
		rep.Escalation.TP++
	case p && !t:
		rep.Escalation.FP++
	case !p && t:
		rep.Escalation.FN++
	default:
		rep.Escalation.TN++
	}
}

// ratio returns num/den rounded to four decimals, or 0 when den is 0.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(num)).
		DivRound(decimal.NewFromInt(int64(den)), 4).
		InexactFloat64()
}

// WriteText renders the report for a terminal.
func (rep *EvalReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "policy version:\t%s\n", rep.PolicyVersion)
	fmt.Fprintf(tw, "evaluated:\t%d\n", rep.Evaluated)
	fmt.Fprintf(tw, "skipped (no ground truth):\t%d\n", rep.Skipped)
	fmt.Fprintf(tw, "failed:\t%d\n", rep.Failed)
	fmt.Fprintf(tw, "accuracy:\t%.4f\n", rep.Accuracy)
	fmt.Fprintf(tw, "escalation precision:\t%.4f\n", rep.Escalation.Precision)
	fmt.Fprintf(tw, "escalation recall:\t%.4f\n\n", rep.Escalation.Recall)

	fmt.Fprint(tw, "true \\ predicted")
	for _, p := range domain.DecisionLabels {
		fmt.Fprintf(tw, "\t%s", p)
	}
	fmt.Fprintln(tw)
	for _, t := range domain.DecisionLabels {
		fmt.Fprint(tw, t)
		for _, p := range domain.DecisionLabels {
			fmt.Fprintf(tw, "\t%d", rep.Confusion[t][p])
		}
		fmt.Fprintln(tw)
	}

	if len(rep.Mismatches) > 0 {
		fmt.Fprintf(tw, "\nmismatches (%d):\n", len(rep.Mismatches))
		for i, m := range rep.Mismatches {
			if i == maxSamples {
				fmt.Fprintf(tw, "  ...\n")
				break
			}
			fmt.Fprintf(tw, "  %s\tpredicted %s\ttrue %s\n", m.CaseID, m.Predicted, m.Truth)
		}
	}
	return tw.Flush()
}
