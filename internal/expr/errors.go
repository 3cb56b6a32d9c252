package expr

import (
	"fmt"
	"strings"
)

// ErrorKind categorizes a rule evaluation failure.
type ErrorKind string

const (
	KindSyntax          ErrorKind = "syntax"
	KindDisallowed      ErrorKind = "disallowed"
	KindUnknownVariable ErrorKind = "unknown_variable"
	KindNonBoolean      ErrorKind = "non_boolean"
	KindEvaluation      ErrorKind = "evaluation"
)

// RuleEvalError is returned for any expression that cannot be safely evaluated
// to a boolean.
type RuleEvalError struct {
	Kind       ErrorKind
	Expression string   // source as written
	Normalized string   // canonical form, when normalization succeeded
	Missing    []string // sorted unknown variable names, for KindUnknownVariable
	Msg        string
}

func (e *RuleEvalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s error: %s", e.Kind, e.Msg)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " %v", e.Missing)
	}
	fmt.Fprintf(&b, " (expression %q)", e.Expression)
	return b.String()
}

func newError(kind ErrorKind, source, normalized, format string, args ...any) *RuleEvalError {
	return &RuleEvalError{
		Kind:       kind,
		Expression: source,
		Normalized: normalized,
		Msg:        fmt.Sprintf(format, args...),
	}
}
