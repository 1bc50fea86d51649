// Package condition evaluates decision conditions against work item data.
//
// Evaluation is pure and fails closed: anything it cannot interpret
// compares false.
package condition

import (
	"math"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/petrijr/taskflow/pkg/api"
)

// Lookup resolves a dot-separated path inside data. The second result is
// false when any segment is missing.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Matches evaluates c against data.
func Matches(c api.Condition, data map[string]any) bool {
	v, ok := Lookup(data, c.FieldID)
	if !ok {
		v = nil
	}
	return Evaluate(v, c.Operator, c.Value)
}

// Evaluate compares a field value with a comparison value. A nil field
// value stands for an absent field.
func Evaluate(field any, op api.Operator, compare any) bool {
	if field == nil {
		switch op {
		case api.OpEq:
			return emptyish(compare)
		case api.OpNeq:
			return !emptyish(compare)
		default:
			return false
		}
	}

	switch op {
	case api.OpEq:
		return looselyEqual(field, compare)
	case api.OpNeq:
		return !looselyEqual(field, compare)
	case api.OpGt:
		return compareNumbers(field, compare, func(a, b float64) bool { return a > b })
	case api.OpGte:
		return compareNumbers(field, compare, func(a, b float64) bool { return a >= b })
	case api.OpLt:
		return compareNumbers(field, compare, func(a, b float64) bool { return a < b })
	case api.OpLte:
		return compareNumbers(field, compare, func(a, b float64) bool { return a <= b })
	case api.OpContains:
		return compareStrings(field, compare, strings.Contains)
	case api.OpStartsWith:
		return compareStrings(field, compare, strings.HasPrefix)
	default:
		return false
	}
}

func emptyish(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func looselyEqual(a, b any) bool {
	if identical(a, b) {
		return true
	}
	if b == nil {
		return false
	}
	x, okA := toString(a)
	y, okB := toString(b)
	return okA && okB && x == y
}

// compareStrings applies cmp to the lowercased string forms of a and b.
// Values without a scalar string form never match.
func compareStrings(a, b any, cmp func(s, substr string) bool) bool {
	x, okA := toString(a)
	y, okB := toString(b)
	if !okA || !okB {
		return false
	}
	return cmp(strings.ToLower(x), strings.ToLower(y))
}

func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

// toString reports false for maps, slices and other values cast cannot
// render as a scalar.
func toString(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// toNumber coerces v the way loosely typed form data expects: blank
// strings are zero and anything unparsable is NaN.
func toNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		v = s
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return math.NaN()
	}
	return f
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	x, y := toNumber(a), toNumber(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	return cmp(x, y)
}
