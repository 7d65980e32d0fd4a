// Package rules implements the rule engine: tenant-defined rules, the
// condition evaluator, the broker consumer loop, and the action executor
// with its durable execution audit.
package rules

import (
	"fmt"
	"time"

	"github.com/liverelay/liverelay/internal/events"
)

// Condition operators. The symbolic aliases are accepted on input and
// normalized to the word forms.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
)

// Action types.
const (
	ActionLog           = "log"
	ActionNotification  = "notification"
	ActionWebhook       = "webhook"
	ActionDeviceControl = "device_control"
)

// Condition logic.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// Condition compares one event field against a stored operand. The operand
// is always stored as a string and coerced to the observed field's type at
// evaluation time.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Action is one step of a rule's response, executed in order.
type Action struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// Rule matches events of one kind for one tenant and runs its actions.
type Rule struct {
	ID          string      `json:"id"`
	Tenant      string      `json:"workspace_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	EventKind   events.Kind `json:"event_type"`
	Enabled     bool        `json:"enabled"`
	Logic       string      `json:"condition_logic,omitempty"` // "and" (default) or "or"
	Conditions  []Condition `json:"conditions,omitempty"`
	Actions     []Action    `json:"actions"`
	Sessions    []string    `json:"session_filter,omitempty"` // empty = all sessions
	CooldownSec int         `json:"cooldown_seconds,omitempty"`
	ExecCount   int64       `json:"execution_count"`
	LastMatched *time.Time  `json:"last_matched,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MatchesSession reports whether the rule applies to the given session.
func (r *Rule) MatchesSession(sessionID string) bool {
	if len(r.Sessions) == 0 {
		return true
	}
	for _, s := range r.Sessions {
		if s == sessionID {
			return true
		}
	}
	return false
}

// InCooldown reports whether the rule matched within its cooldown window.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.CooldownSec <= 0 || r.LastMatched == nil {
		return false
	}
	return now.Sub(*r.LastMatched) < time.Duration(r.CooldownSec)*time.Second
}

// NormalizeOperator maps symbolic operator aliases to their word forms.
// Unknown operators are returned unchanged; Validate rejects them.
func NormalizeOperator(op string) string {
	switch op {
	case "==", "=":
		return OpEq
	case "!=":
		return OpNeq
	case ">":
		return OpGt
	case ">=":
		return OpGte
	case "<":
		return OpLt
	case "<=":
		return OpLte
	}
	return op
}

func validOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains, OpIn, OpNotIn:
		return true
	}
	return false
}

func validActionType(t string) bool {
	switch t {
	case ActionLog, ActionNotification, ActionWebhook, ActionDeviceControl:
		return true
	}
	return false
}

// Validate normalizes and checks a rule before it is stored.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name required")
	}
	if !r.EventKind.Valid() {
		return fmt.Errorf("unknown event type %q", r.EventKind)
	}
	switch r.Logic {
	case "":
		r.Logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("condition logic must be %q or %q, got %q", LogicAnd, LogicOr, r.Logic)
	}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.Field == "" {
			return fmt.Errorf("condition %d: field required", i)
		}
		c.Operator = NormalizeOperator(c.Operator)
		if !validOperator(c.Operator) {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("at least one action required")
	}
	for i, a := range r.Actions {
		if !validActionType(a.Type) {
			return fmt.Errorf("action %d: unknown type %q", i, a.Type)
		}
	}
	if r.CooldownSec < 0 {
		return fmt.Errorf("cooldown must be >= 0, got %d", r.CooldownSec)
	}
	return nil
}

// Execution statuses.
const (
	ExecSuccess = "success"
	ExecPartial = "partial"
	ExecFailed  = "failed"
)

// ActionResult records one action's outcome within an execution.
type ActionResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Execution is the durable audit record of one rule firing.
type Execution struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"workspace_id"`
	RuleID     string         `json:"rule_id"`
	RuleName   string         `json:"rule_name"`
	EventKind  events.Kind    `json:"event_type"`
	SessionID  string         `json:"session_id,omitempty"`
	EventData  map[string]any `json:"event_data,omitempty"`
	Results    []ActionResult `json:"results"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// statusFor derives the execution status from per-action outcomes: success
// if nothing failed, failed if everything failed, partial otherwise.
func statusFor(results []ActionResult) string {
	if len(results) == 0 {
		return ExecSuccess
	}
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	switch failed {
	case 0:
		return ExecSuccess
	case len(results):
		return ExecFailed
	default:
		return ExecPartial
	}
}
