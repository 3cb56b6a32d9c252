// Package expr provides the sandboxed boolean rule-expression evaluator.
//
// Rule expressions are a restricted boolean language over named variables:
// AND/OR/NOT, comparisons, boolean/number/string literals, bare enum words and
// parentheses. They are normalized into CEL syntax, parsed with cel-go, and the
// parsed tree is checked against an allow-list before anything is compiled.
package expr

import (
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Kind is the declared type of a variable.
type Kind int

const (
	KindDyn Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
)

func (k Kind) celType() *cel.Type {
	switch k {
	case KindBool:
		return cel.BoolType
	case KindInt:
		return cel.IntType
	case KindDouble:
		return cel.DoubleType
	case KindString:
		return cel.StringType
	}
	return cel.DynType
}

// Schema declares the variables an expression may reference.
type Schema map[string]Kind

// SchemaOf infers a schema from concrete variable values.
func SchemaOf(vars map[string]any) Schema {
	s := make(Schema, len(vars))
	for name, v := range vars {
		switch v.(type) {
		case bool:
			s[name] = KindBool
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			s[name] = KindInt
		case float32, float64:
			s[name] = KindDouble
		case string:
			s[name] = KindString
		default:
			s[name] = KindDyn
		}
	}
	return s
}

// Evaluator compiles and evaluates rule expressions. It is immutable and safe
// for concurrent use.
type Evaluator struct {
	enums  map[string][]string
	quoter *enumQuoter
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEnums replaces the enum table used for bare-word quoting.
func WithEnums(enums map[string][]string) Option {
	return func(e *Evaluator) {
		e.enums = enums
	}
}

// NewEvaluator creates an evaluator with the default enum table unless
// overridden.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{enums: DefaultEnums()}
	for _, opt := range opts {
		opt(e)
	}
	e.quoter = newEnumQuoter(e.enums)
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate compiles source against the variables it is given and evaluates it
// once. It returns whether the expression matched and its normalized form.
func Evaluate(source string, vars map[string]any) (bool, string, error) {
	return defaultEvaluator.Evaluate(source, vars)
}

// Normalize returns the canonical CEL form of a rule expression without
// compiling it.
func (ev *Evaluator) Normalize(source string) string {
	return normalize(source, ev.enums, ev.quoter)
}

// Evaluate is the one-shot form of Compile followed by Eval.
func (ev *Evaluator) Evaluate(source string, vars map[string]any) (bool, string, error) {
	compiled, err := ev.Compile(source, SchemaOf(vars))
	if err != nil {
		normalized := ev.Normalize(source)
		return false, normalized, err
	}
	matched, err := compiled.Eval(vars)
	return matched, compiled.Normalized, err
}

// Expression is a compiled, sandbox-checked boolean rule. It is immutable.
type Expression struct {
	Source     string
	Normalized string

	// Variables lists the referenced variable names, sorted.
	Variables []string

	program cel.Program
}

// Compile normalizes, parses, sandboxes and type-checks source against schema.
// Every referenced variable must be declared in schema.
func (ev *Evaluator) Compile(source string, schema Schema) (*Expression, error) {
	normalized := ev.Normalize(source)
	if normalized == "" {
		return nil, newError(KindSyntax, source, normalized, "empty expression")
	}

	opts := []cel.EnvOption{
		cel.ClearMacros(),
		cel.CrossTypeNumericComparisons(true),
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, cel.Variable(name, schema[name].celType()))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, newError(KindEvaluation, source, normalized, "failed to create CEL environment: %v", err)
	}

	parsed, issues := env.Parse(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, newError(KindSyntax, source, normalized, "%v", issues.Err())
	}

	idents, err := sandbox(parsed.NativeRep().Expr())
	if err != nil {
		return nil, newError(KindDisallowed, source, normalized, "%v", err)
	}

	var missing []string
	for _, name := range idents {
		if _, ok := schema[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		e := newError(KindUnknownVariable, source, normalized, "references unknown variables")
		e.Missing = missing
		return nil, e
	}

	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, newError(KindSyntax, source, normalized, "%v", issues.Err())
	}
	if checked.OutputType() != cel.BoolType {
		return nil, newError(KindNonBoolean, source, normalized, "expression must return bool, got %s", checked.OutputType())
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, newError(KindEvaluation, source, normalized, "failed to create program: %v", err)
	}

	return &Expression{
		Source:     source,
		Normalized: normalized,
		Variables:  idents,
		program:    program,
	}, nil
}

// Eval evaluates the expression. Every referenced variable must be present in
// vars; a missing one fails closed instead of evaluating as false.
func (x *Expression) Eval(vars map[string]any) (bool, error) {
	var missing []string
	for _, name := range x.Variables {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		e := newError(KindUnknownVariable, x.Source, x.Normalized, "references unknown variables")
		e.Missing = missing
		return false, e
	}

	out, _, err := x.program.Eval(vars)
	if err != nil {
		return false, newError(KindEvaluation, x.Source, x.Normalized, "%v", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, newError(KindNonBoolean, x.Source, x.Normalized, "expression returned %s", out.Type().TypeName())
	}
	return bool(b), nil
}

// String returns the normalized form.
func (x *Expression) String() string {
	return x.Normalized
}
