package rules

import (
	"strconv"
	"strings"

	"github.com/liverelay/liverelay/internal/events"
)

// Evaluate reports whether an event's fields satisfy the rule's conditions.
// A rule with no conditions matches every event of its kind. A condition
// whose field is absent from the event is false, never an error.
func Evaluate(rule *Rule, fields map[string]any) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	if rule.Logic == LogicOr {
		for _, c := range rule.Conditions {
			if evalCondition(c, fields) {
				return true
			}
		}
		return false
	}

	for _, c := range rule.Conditions {
		if !evalCondition(c, fields) {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, fields map[string]any) bool {
	observed, ok := fields[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equal(observed, c.Value)
	case OpNeq:
		return !equal(observed, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return numeric(c.Operator, observed, c.Value)
	case OpContains:
		return contains(observed, c.Value)
	case OpNotContains:
		return !contains(observed, c.Value)
	case OpIn:
		return inList(observed, c.Value)
	case OpNotIn:
		return !inList(observed, c.Value)
	}
	return false
}

// equal coerces the stored operand to the observed value's type; if the
// coercion fails, it falls back to comparing stringified forms.
func equal(observed any, operand string) bool {
	switch o := observed.(type) {
	case bool:
		return o == truthy(operand)
	case int64:
		if n, err := strconv.ParseInt(operand, 10, 64); err == nil {
			return o == n
		}
	case float64:
		if f, err := strconv.ParseFloat(operand, 64); err == nil {
			return o == f
		}
	}
	return events.Stringify(observed) == operand
}

// numeric casts both sides to float64; any cast failure makes the
// condition false.
func numeric(op string, observed any, operand string) bool {
	lhs, ok := toFloat(observed)
	if !ok {
		return false
	}
	rhs, err := strconv.ParseFloat(operand, 64)
	if err != nil {
		return false
	}

	switch op {
	case OpGt:
		return lhs > rhs
	case OpGte:
		return lhs >= rhs
	case OpLt:
		return lhs < rhs
	case OpLte:
		return lhs <= rhs
	}
	return false
}

// contains does a case-insensitive substring check on the stringified field.
func contains(observed any, operand string) bool {
	return strings.Contains(
		strings.ToLower(events.Stringify(observed)),
		strings.ToLower(operand),
	)
}

// inList splits the operand on commas, trims whitespace, and compares
// case-insensitively against the stringified field.
func inList(observed any, operand string) bool {
	needle := strings.ToLower(events.Stringify(observed))
	for _, item := range strings.Split(operand, ",") {
		if strings.ToLower(strings.TrimSpace(item)) == needle {
			return true
		}
	}
	return false
}

// truthy interprets a stored operand as a boolean.
func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
