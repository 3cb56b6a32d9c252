package expr

import (
	"fmt"
	"sort"

	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

// allowedOperators is the complete set of calls an expression may contain.
var allowedOperators = map[string]struct{}{
	operators.LogicalAnd:    {},
	operators.LogicalOr:     {},
	operators.LogicalNot:    {},
	operators.Equals:        {},
	operators.NotEquals:     {},
	operators.Less:          {},
	operators.LessEquals:    {},
	operators.Greater:       {},
	operators.GreaterEquals: {},
}

// sandbox walks a parsed expression and rejects every node outside the
// allow-list. It returns the sorted, de-duplicated identifiers referenced.
func sandbox(root celast.Expr) ([]string, error) {
	seen := map[string]struct{}{}
	if err := inspect(root, seen); err != nil {
		return nil, err
	}
	idents := make([]string, 0, len(seen))
	for name := range seen {
		idents = append(idents, name)
	}
	sort.Strings(idents)
	return idents, nil
}

func inspect(e celast.Expr, idents map[string]struct{}) error {
	switch e.Kind() {
	case celast.IdentKind:
		idents[e.AsIdent()] = struct{}{}
		return nil

	case celast.LiteralKind:
		return nil

	case celast.CallKind:
		call := e.AsCall()
		if call.IsMemberFunction() {
			return fmt.Errorf("method call %q is not allowed", call.FunctionName())
		}
		fn := call.FunctionName()
		if _, ok := allowedOperators[fn]; !ok {
			return fmt.Errorf("%s is not allowed", describeCall(fn))
		}
		for _, arg := range call.Args() {
			if err := inspect(arg, idents); err != nil {
				return err
			}
		}
		return nil

	case celast.SelectKind:
		return fmt.Errorf("attribute access %q is not allowed", e.AsSelect().FieldName())

	case celast.ComprehensionKind:
		return fmt.Errorf("comprehensions and lambda forms are not allowed")

	case celast.ListKind, celast.MapKind, celast.StructKind:
		return fmt.Errorf("collection literals are not allowed")
	}
	return fmt.Errorf("unsupported expression node")
}

func describeCall(fn string) string {
	switch fn {
	case operators.Index:
		return "subscript"
	case operators.Conditional:
		return "conditional expression"
	case operators.In:
		return "membership test"
	case operators.Add, operators.Subtract, operators.Multiply, operators.Divide,
		operators.Modulo, operators.Negate:
		return fmt.Sprintf("arithmetic operator %q", fn)
	}
	return fmt.Sprintf("function call %q", fn)
}
