package signals

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// required lists the keys that must be present and non-null at each level of
// an enriched case document.
var required = struct {
	top, snapshot, metadata, alert, behavior, flagged []string
}{
	top:      []string{"case_id", "customer_id", "customer_snapshot", "case_metadata", "alerts_in_case", "flagged_transactions", "behavior_snapshot"},
	snapshot: []string{"risk_rating"},
	metadata: []string{"priority", "aggregated_score", "total_alerts", "pattern_present"},
	alert:    []string{"alert_id", "severity"},
	behavior: []string{"total_tx_in_window", "total_volume_in_window", "max_tx_amount", "crypto_percentage"},
	flagged:  []string{"transaction_id", "rule_trigger_reason"},
}

type object = map[string]json.RawMessage

// DecodeEnrichedCase decodes one enriched case document. Unlike a plain
// json.Unmarshal, a missing or null required field is a *ValidationError
// instead of silently decoding to a zero value.
func DecodeEnrichedCase(data []byte) (*domain.EnrichedCase, error) {
	var top object
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("not a JSON object: %v", err)}}
	}

	var caseID string
	_ = json.Unmarshal(top["case_id"], &caseID)

	var problems []string
	missing := func(path string, obj object, keys []string) {
		for _, k := range keys {
			if isNull(obj[k]) {
				problems = append(problems, fmt.Sprintf("missing required key %s.%s", path, k))
			}
		}
	}

	missing("enriched_case", top, required.top)
	checkObject(top["customer_snapshot"], "enriched_case.customer_snapshot", required.snapshot, missing, &problems)
	checkObject(top["case_metadata"], "enriched_case.case_metadata", required.metadata, missing, &problems)
	checkObject(top["behavior_snapshot"], "enriched_case.behavior_snapshot", required.behavior, missing, &problems)
	checkList(top["alerts_in_case"], "enriched_case.alerts_in_case", required.alert, missing, &problems)
	checkList(top["flagged_transactions"], "enriched_case.flagged_transactions", required.flagged, missing, &problems)

	if len(problems) > 0 {
		return nil, &ValidationError{CaseID: caseID, Problems: problems}
	}

	var ec domain.EnrichedCase
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, &ValidationError{CaseID: caseID, Problems: []string{err.Error()}}
	}
	return &ec, nil
}

func checkObject(raw json.RawMessage, path string, keys []string, missing func(string, object, []string), problems *[]string) {
	if isNull(raw) {
		return
	}
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		*problems = append(*problems, fmt.Sprintf("%s is not an object", path))
		return
	}
	missing(path, obj, keys)
}

func checkList(raw json.RawMessage, path string, keys []string, missing func(string, object, []string), problems *[]string) {
	if isNull(raw) {
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		*problems = append(*problems, fmt.Sprintf("%s is not a list", path))
		return
	}
	for i, item := range items {
		checkObject(item, fmt.Sprintf("%s[%d]", path, i), keys, missing, problems)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
