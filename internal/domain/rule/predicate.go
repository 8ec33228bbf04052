package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// evalPredicate evaluates one predicate against the projected field map.
// It is pure: no I/O, no side effects, and no panics on malformed rule
// input. An absent field fails every operator except the null tests; a
// regex that does not compile fails its predicate.
func evalPredicate(ruleID string, ix int, p Predicate, fields FieldMap) bool {
	actual, present := fields[p.Field]

	switch p.Operator {
	case OpIsNull:
		return !present
	case OpIsNotNull:
		return present
	}

	if !present {
		return false
	}

	switch p.Operator {
	case OpEquals:
		return looseEqual(actual, p.Value)
	case OpNotEquals:
		return !looseEqual(actual, p.Value)

	case OpContains, OpNotContains:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		contains := strings.Contains(s, stringify(p.Value))
		if p.Operator == OpContains {
			return contains
		}
		return !contains

	case OpIn:
		return looseMember(actual, p.Value)
	case OpNotIn:
		return !looseMember(actual, p.Value)

	case OpGreaterThan:
		return compare(actual, p.Value) > 0
	case OpLessThan:
		return compare(actual, p.Value) < 0

	case OpMatches, OpNotMatches:
		re := compiledPatterns.compile(ruleID, ix, stringify(p.Value))
		if re == nil {
			return false
		}
		matched := re.MatchString(stringify(actual))
		if p.Operator == OpMatches {
			return matched
		}
		return !matched
	}

	// Unknown operator: never matches.
	return false
}

// stringify renders a projected or rule value as its loose string form.
// Floats that hold integral values render without a fractional part so
// JSON-decoded numbers compare equal to their integer spellings.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// looseEqual compares two values by their string representations.
func looseEqual(a, b any) bool {
	return stringify(a) == stringify(b)
}

// looseMember reports whether a appears in the list value by loose equality.
// A non-list value degrades to a single-element membership test.
func looseMember(a, list any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if looseEqual(a, item) {
				return true
			}
		}
		return false
	case []string:
		s := stringify(a)
		for _, item := range items {
			if s == item {
				return true
			}
		}
		return false
	default:
		return looseEqual(a, list)
	}
}

// compare orders two values: numerically when both parse as numbers,
// lexicographically otherwise. Returns -1, 0, or 1.
func compare(a, b any) int {
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

// toFloat extracts a numeric value from scalars and numeric strings.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
