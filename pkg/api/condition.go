package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison operator usable in condition nodes and event
// trigger conditions.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpContains     Operator = "contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
		OpContains, OpStartsWith, OpEndsWith, OpIn, OpNotIn:
		return true
	}
	return false
}

// Eval compares actual against expected. Ordering operators compare
// numerically when both operands parse as numbers, and lexically
// otherwise, so "9" < "10" behaves as a reader of flow configs expects.
// Unknown operators evaluate to false.
func (op Operator) Eval(actual, expected any) bool {
	switch op {
	case OpEqual:
		return compareValues(actual, expected) == 0
	case OpNotEqual:
		return compareValues(actual, expected) != 0
	case OpGreater:
		return compareValues(actual, expected) > 0
	case OpLess:
		return compareValues(actual, expected) < 0
	case OpGreaterEqual:
		return compareValues(actual, expected) >= 0
	case OpLessEqual:
		return compareValues(actual, expected) <= 0
	case OpContains:
		return strings.Contains(stringify(actual), stringify(expected))
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(expected))
	case OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(expected))
	case OpIn:
		return valueInList(actual, expected)
	case OpNotIn:
		return !valueInList(actual, expected)
	}
	return false
}

// valueInList reports whether actual equals any element of expected.
// Lists arrive as []any after JSON decoding; []string is accepted for
// configs built in Go. A non-list expected value never contains
// anything, so "in" is false and "not_in" is true.
func valueInList(actual, expected any) bool {
	switch list := expected.(type) {
	case []any:
		for _, el := range list {
			if compareValues(actual, el) == 0 {
				return true
			}
		}
	case []string:
		for _, el := range list {
			if compareValues(actual, el) == 0 {
				return true
			}
		}
	}
	return false
}

// compareValues returns -1, 0 or 1. Numeric comparison applies when both
// sides parse as numbers; otherwise string comparison.
func compareValues(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		return 0, false
	case nil:
		return 0, false
	}
	f, err := strconv.ParseFloat(stringify(v), 64)
	return f, err == nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// Trim the ".0" on whole numbers so rendered values match what
		// flow authors wrote.
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Stringify renders a resolved value the way interpolation does.
func Stringify(v any) string { return stringify(v) }
