package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/jsonl"
)

// Output file names inside the output directory.
const (
	AlertsFile   = "alerts.jsonl"
	CasesFile    = "cases.jsonl"
	EnrichedFile = "enriched_cases.jsonl"
	SummaryFile  = "summary.json"
	RunsFile     = "runs.jsonl"
)

// LoadTransactions reads a transaction JSONL file.
func LoadTransactions(path string) ([]*domain.Transaction, error) {
	rows, err := jsonl.Read[domain.Transaction](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return pointers(rows), nil
}

// LoadCustomers reads customer profiles keyed by customer id. The file may be
// a JSON array or JSON Lines. Records without an id are dropped; a repeated id
// keeps the last record.
func LoadCustomers(path string) (map[string]*domain.Customer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}

	var rows []domain.Customer
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode customers %s: %w", path, err)
		}
	} else {
		err := jsonl.Scan(bytes.NewReader(data), func(line int, raw []byte) error {
			var c domain.Customer
			if err := json.Unmarshal(raw, &c); err != nil {
				return &jsonl.LineError{Path: path, Line: line, Err: err}
			}
			rows = append(rows, c)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decode customers: %w", err)
		}
	}

	out := make(map[string]*domain.Customer, len(rows))
	for i := range rows {
		if rows[i].ID == "" {
			continue
		}
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// LoadAlerts reads an alerts JSONL file.
func LoadAlerts(path string) ([]*domain.Alert, error) {
	rows, err := jsonl.Read[domain.Alert](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}
	return pointers(rows), nil
}

// LoadCases reads a cases JSONL file.
func LoadCases(path string) ([]*domain.Case, error) {
	rows, err := jsonl.Read[domain.Case](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load cases: %w", err)
	}
	return pointers(rows), nil
}

// LoadEnriched reads enriched cases as raw documents so each one can be
// validated on its own.
func LoadEnriched(path string) ([]json.RawMessage, error) {
	rows, err := jsonl.ReadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load enriched cases: %w", err)
	}
	return rows, nil
}

type groundTruthRow struct {
	CaseID   string `json:"case_id"`
	Decision string `json:"decision"`
}

// LoadGroundTruth reads case_id to expected decision labels. Rows without a
// case id are ignored.
func LoadGroundTruth(path string) (map[string]string, error) {
	rows, err := jsonl.Read[groundTruthRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load ground truth: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.CaseID == "" {
			continue
		}
		out[r.CaseID] = r.Decision
	}
	return out, nil
}

func pointers[T any](rows []T) []*T {
	out := make([]*T, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out
}

// AlertsByID indexes alerts by id.
func AlertsByID(alerts []*domain.Alert) map[string]*domain.Alert {
	out := make(map[string]*domain.Alert, len(alerts))
	for _, a := range alerts {
		out[a.ID] = a
	}
	return out
}
