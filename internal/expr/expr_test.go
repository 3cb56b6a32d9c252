package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signalVars() map[string]any {
	return map[string]any{
		"aggregated_score":       320.0,
		"total_alerts":           4,
		"pattern_present":        true,
		"high_sev":               true,
		"customer_risk":          "High",
		"priority":               "high",
		"crypto_percentage":      12.5,
		"max_tx_amount":          9800.0,
		"total_tx_in_window":     7,
		"total_volume_in_window": 25000.0,
		"any_threshold_exceeded": false,
		"any_pattern_detected":   true,
	}
}

func TestEvaluateMatches(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"sar scenario", "pattern_present AND high_sev AND aggregated_score >= 300", true},
		{"lowercase keywords", "pattern_present and high_sev", true},
		{"or", "total_alerts > 10 OR any_pattern_detected", true},
		{"not", "NOT any_threshold_exceeded", true},
		{"not with parens", "NOT (aggregated_score < 100)", true},
		{"not over comparison", "NOT total_alerts > 5", true},
		{"not over threshold", "NOT aggregated_score >= 300", false},
		{"not over enum", "NOT customer_risk == High", false},
		{"not then or", "NOT aggregated_score >= 300 OR pattern_present", true},
		{"not inside group", "high_sev AND (NOT total_alerts > 5 OR crypto_percentage > 50)", true},
		{"single equals", "pattern_present = true", true},
		{"int against double", "aggregated_score > 319", true},
		{"double against int", "total_alerts >= 4.0", true},
		{"enum bare word", "customer_risk == High", true},
		{"enum not equal", "customer_risk != Low AND priority == high", true},
		{"enum already quoted", `customer_risk == "High"`, true},
		{"boolean literal case", "pattern_present == TRUE", true},
		{"false comparison", "crypto_percentage > 50", false},
		{"equality miss", "customer_risk == Medium", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, normalized, err := Evaluate(tt.expression, signalVars())
			require.NoError(t, err)
			assert.Equal(t, tt.want, matched)
			assert.NotEmpty(t, normalized)
		})
	}
}

func TestNormalize(t *testing.T) {
	ev := NewEvaluator()
	tests := []struct {
		in   string
		want string
	}{
		{"a AND b", "a && b"},
		{"a or NOT b", "a || !(b)"},
		{"NOT x >= 3 AND y", "!(x >= 3) && y"},
		{"a AND (NOT b OR c)", "a && (!(b) || c)"},
		{"NOT NOT a", "!(!(a))"},
		{"NOT (a OR b)", "!((a || b))"},
		{"NOT customer_risk == High", `!(customer_risk == "High")`},
		{"x = 1", "x == 1"},
		{"customer_risk = Low", `customer_risk == "Low"`},
		{"x <= 1 AND y >= 2 AND z != 3", "x <= 1 && y >= 2 && z != 3"},
		{"customer_risk == High", `customer_risk == "High"`},
		{"customer_risk==Low", `customer_risk == "Low"`},
		{"priority != medium", `priority != "medium"`},
		{"x == True", "x == true"},
		{`note == "AND OR"`, `note == "AND OR"`},
		{"  a   AND\tb  ", "a && b"},
		{"brand == High", "brand == High"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.Normalize(tt.in))
		})
	}
}

func TestEvaluateRejectsDisallowedConstructs(t *testing.T) {
	vars := map[string]any{
		"name":   "acct",
		"score":  10,
		"flag":   true,
		"amount": 5.0,
	}
	tests := []struct {
		name       string
		expression string
	}{
		{"function call", "size(name) > 1"},
		{"method call", "name.startsWith('a')"},
		{"attribute access", "flag.value == true"},
		{"subscript", "name[0] == 'a'"},
		{"comprehension", "[1, 2].all(x, x > 0)"},
		{"list literal", "score in [1, 2]"},
		{"map literal", "{'a': 1}.a == 1"},
		{"conditional", "flag ? true : false"},
		{"arithmetic", "score + 1 > 5"},
		{"negation operator", "-score < 0"},
		{"nested inside logic", "flag AND size(name) > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Evaluate(tt.expression, vars)
			require.Error(t, err)

			var evalErr *RuleEvalError
			require.True(t, errors.As(err, &evalErr))
			assert.Contains(t, []ErrorKind{KindDisallowed, KindSyntax}, evalErr.Kind)
		})
	}
}

func TestEvaluateUnknownVariablesFailClosed(t *testing.T) {
	_, _, err := Evaluate("zeta AND pattern_present AND alpha > 1", map[string]any{
		"pattern_present": true,
	})
	require.Error(t, err)

	var evalErr *RuleEvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, KindUnknownVariable, evalErr.Kind)
	assert.Equal(t, []string{"alpha", "zeta"}, evalErr.Missing)
}

func TestEvaluateBareWordOutsideEnumIsUnknown(t *testing.T) {
	_, _, err := Evaluate("customer_type == business", map[string]any{"customer_type": "business"})

	var evalErr *RuleEvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, KindUnknownVariable, evalErr.Kind)
	assert.Equal(t, []string{"business"}, evalErr.Missing)
}

func TestEvaluateNonBoolean(t *testing.T) {
	_, _, err := Evaluate("aggregated_score", map[string]any{"aggregated_score": 5.0})

	var evalErr *RuleEvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, KindNonBoolean, evalErr.Kind)
}

func TestEvaluateSyntaxError(t *testing.T) {
	for _, src := range []string{"", "a >", "(a AND b", "a === b"} {
		_, _, err := Evaluate(src, map[string]any{"a": true, "b": true})

		var evalErr *RuleEvalError
		require.True(t, errors.As(err, &evalErr), "expression %q", src)
		assert.Equal(t, KindSyntax, evalErr.Kind, "expression %q", src)
	}
}

func TestCompiledExpressionIsReusable(t *testing.T) {
	ev := NewEvaluator()
	compiled, err := ev.Compile("aggregated_score >= 300 AND high_sev", Schema{
		"aggregated_score": KindDouble,
		"high_sev":         KindBool,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregated_score", "high_sev"}, compiled.Variables)
	assert.Equal(t, "aggregated_score >= 300 && high_sev", compiled.String())

	for i := 0; i < 3; i++ {
		matched, err := compiled.Eval(map[string]any{"aggregated_score": 320.0, "high_sev": true})
		require.NoError(t, err)
		assert.True(t, matched)
	}

	matched, err := compiled.Eval(map[string]any{"aggregated_score": 120.0, "high_sev": true})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCompiledExpressionMissingVariableAtEval(t *testing.T) {
	compiled, err := NewEvaluator().Compile("high_sev", Schema{"high_sev": KindBool})
	require.NoError(t, err)

	_, err = compiled.Eval(map[string]any{})
	var evalErr *RuleEvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, KindUnknownVariable, evalErr.Kind)
	assert.Equal(t, []string{"high_sev"}, evalErr.Missing)
}

func TestCustomEnums(t *testing.T) {
	ev := NewEvaluator(WithEnums(map[string][]string{"segment": {"retail", "corporate"}}))

	matched, normalized, err := ev.Evaluate("segment == corporate", map[string]any{"segment": "corporate"})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, `segment == "corporate"`, normalized)
}
