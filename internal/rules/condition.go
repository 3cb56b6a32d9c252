package rules

import (
	"fmt"
	"reflect"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Operators understood by field conditions and metrics.
var validOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true, "in": true,
}

// compare evaluates `actual op expected`.
func compare(actual any, op string, expected any) (bool, error) {
	switch op {
	case "==":
		return equal(actual, expected), nil
	case "!=":
		return !equal(actual, expected), nil
	case ">", ">=", "<", "<=":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if aok && bok {
			return order(a, b, op), nil
		}
		as, aok := actual.(string)
		bs, bok := expected.(string)
		if aok && bok {
			return orderStrings(as, bs, op), nil
		}
		return false, fmt.Errorf("cannot order %T %s %T", actual, op, expected)
	case "in":
		list, ok := toList(expected)
		if !ok {
			return false, fmt.Errorf("operator in needs a list, got %T", expected)
		}
		for _, item := range list {
			if equal(actual, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func order(a, b float64, op string) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	}
	return a <= b
}

func orderStrings(a, b, op string) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	}
	return a <= b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// matchAll reports whether every condition holds for tx.
func matchAll(tx *domain.Transaction, conds []domain.Condition) (bool, error) {
	for _, c := range conds {
		actual, _ := tx.Field(c.Field)
		ok, err := compare(actual, c.Op, c.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// checkCondition validates a condition against the static field types of a
// transaction so type errors surface when rules are loaded.
func checkCondition(c domain.Condition) error {
	if !validOps[c.Op] {
		return fmt.Errorf("unsupported operator %q", c.Op)
	}
	var zero domain.Transaction
	actual, ok := zero.Field(c.Field)
	if !ok {
		return fmt.Errorf("unknown transaction field %q", c.Field)
	}
	if _, err := compare(actual, c.Op, c.Value); err != nil {
		return fmt.Errorf("field %s: %w", c.Field, err)
	}
	return nil
}
