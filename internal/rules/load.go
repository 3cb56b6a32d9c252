package rules

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LoadRuleSet reads a rule configuration document. JSON documents are valid
// YAML, so both formats are accepted.
func LoadRuleSet(path string) (*domain.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError(path, "failed to read rules", err)
	}
	return ParseRuleSet(path, data)
}

// ParseRuleSet decodes a rule configuration document.
func ParseRuleSet(source string, data []byte) (*domain.RuleSet, error) {
	var set domain.RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, domain.NewConfigError(source, "failed to parse rule set", err)
	}
	if len(set.Rules) == 0 {
		return nil, domain.NewConfigError(source, "rule set has no rules", nil)
	}
	return &set, nil
}
