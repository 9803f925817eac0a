package flow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/capitalize-ai/chatflow/internal/model"
)

// Condition operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpRegex          = "regex"
)

var operatorAliases = map[string]string{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGreaterThan,
	"<":  OpLessThan,
	">=": OpGreaterOrEqual,
	"<=": OpLessOrEqual,
}

// NormalizeOperator resolves aliases. ok is false for unknown operators.
func NormalizeOperator(op string) (string, bool) {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		op = alias
	}
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual,
		OpIsEmpty, OpIsNotEmpty, OpRegex:
		return op, true
	}
	return op, false
}

// Evaluate tests one rule against scope. Text comparisons ignore case and
// surrounding whitespace. Ordering operators compare numerically only when both
// operands parse as numbers and lexicographically otherwise. Unknown operators
// and invalid patterns never match.
func Evaluate(rule model.ConditionRule, scope map[string]string) bool {
	op, ok := NormalizeOperator(rule.Operator)
	if !ok {
		return false
	}

	left := strings.TrimSpace(scope[rule.Variable])
	right := strings.TrimSpace(Render(rule.Value, scope))

	if op == OpRegex {
		re, err := regexp.Compile(right)
		if err != nil {
			return false
		}
		return re.MatchString(left)
	}

	l, r := strings.ToLower(left), strings.ToLower(right)
	switch op {
	case OpEquals:
		return l == r
	case OpNotEquals:
		return l != r
	case OpContains:
		return strings.Contains(l, r)
	case OpNotContains:
		return !strings.Contains(l, r)
	case OpStartsWith:
		return strings.HasPrefix(l, r)
	case OpEndsWith:
		return strings.HasSuffix(l, r)
	case OpIsEmpty:
		return l == ""
	case OpIsNotEmpty:
		return l != ""
	}

	cmp := compare(l, r)
	switch op {
	case OpGreaterThan:
		return cmp > 0
	case OpLessThan:
		return cmp < 0
	case OpGreaterOrEqual:
		return cmp >= 0
	case OpLessOrEqual:
		return cmp <= 0
	}
	return false
}

func compare(a, b string) int {
	x, errA := parseNumber(a)
	y, errB := parseNumber(b)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// parseNumber also accepts a single decimal comma.
func parseNumber(s string) (float64, error) {
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}
