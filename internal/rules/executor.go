package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
	"github.com/liverelay/liverelay/internal/notify"
)

// execStore is the store subset the executor writes through.
type execStore interface {
	SaveExecution(e *Execution) error
	IncrementRuleStats(tenant, id string, matchedAt time.Time) error
}

// Executor runs a matched rule's actions in order and records the outcome.
// One failing action never stops the ones after it.
type Executor struct {
	store    execStore
	notifier *notify.Multi
	log      *logging.Logger

	webhookClient *http.Client
	deviceClient  *http.Client
	devicedURL    string
	internalToken string
}

// ExecutorOpts carries the executor's external endpoints and timeouts.
type ExecutorOpts struct {
	DevicedURL           string
	InternalToken        string
	WebhookTimeout       time.Duration
	DeviceControlTimeout time.Duration
}

// NewExecutor creates an executor backed by the given store and notifier chain.
func NewExecutor(store execStore, notifier *notify.Multi, opts ExecutorOpts, log *logging.Logger) *Executor {
	return &Executor{
		store:         store,
		notifier:      notifier,
		log:           log,
		webhookClient: &http.Client{Timeout: opts.WebhookTimeout},
		deviceClient:  &http.Client{Timeout: opts.DeviceControlTimeout},
		devicedURL:    opts.DevicedURL,
		internalToken: opts.InternalToken,
	}
}

// Execute runs every action of a matched rule against the event, persists
// the execution record, and bumps the rule's match stats.
func (x *Executor) Execute(ctx context.Context, rule *Rule, ev events.Event) *Execution {
	start := time.Now()
	metrics.RulesMatched.Inc()

	results := make([]ActionResult, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		res := x.runAction(ctx, rule, action, ev)
		outcome := "success"
		if !res.OK {
			outcome = "failed"
			x.log.Error("action failed",
				"rule", rule.Name,
				"tenant", rule.Tenant,
				"action", action.Type,
				"error", res.Error,
			)
		}
		metrics.ActionsExecuted.WithLabelValues(action.Type, outcome).Inc()
		results = append(results, res)
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		Tenant:     rule.Tenant,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		EventKind:  ev.Kind,
		SessionID:  ev.SessionID,
		EventData:  ev.Fields,
		Results:    results,
		Status:     statusFor(results),
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  start.UTC(),
	}
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	if err := x.store.SaveExecution(exec); err != nil {
		x.log.Error("save execution failed", "rule", rule.Name, "error", err)
	}
	if err := x.store.IncrementRuleStats(rule.Tenant, rule.ID, start); err != nil {
		x.log.Error("update rule stats failed", "rule", rule.Name, "error", err)
	}
	return exec
}

func (x *Executor) runAction(ctx context.Context, rule *Rule, action Action, ev events.Event) ActionResult {
	res := ActionResult{Type: action.Type}
	cfg := renderConfig(action.Config, ev.Fields)

	var err error
	switch action.Type {
	case ActionLog:
		res.Detail, err = x.doLog(rule, cfg, ev)
	case ActionNotification:
		res.Detail, err = x.doNotification(ctx, rule, cfg, ev)
	case ActionWebhook:
		res.Detail, err = x.doWebhook(ctx, rule, cfg, ev)
	case ActionDeviceControl:
		res.Detail, err = x.doDeviceControl(ctx, rule, cfg, ev)
	default:
		err = fmt.Errorf("unknown action type %q", action.Type)
	}

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (x *Executor) doLog(rule *Rule, cfg map[string]any, ev events.Event) (string, error) {
	msg, _ := cfg["message"].(string)
	if msg == "" {
		msg = fmt.Sprintf("rule %q matched %s event", rule.Name, ev.Kind)
	}
	x.log.Info(msg,
		"rule", rule.Name,
		"tenant", rule.Tenant,
		"event", string(ev.Kind),
		"session", ev.SessionID,
	)
	return msg, nil
}

func (x *Executor) doNotification(ctx context.Context, rule *Rule, cfg map[string]any, ev events.Event) (string, error) {
	title, _ := cfg["title"].(string)
	if title == "" {
		title = rule.Name
	}
	msg, _ := cfg["message"].(string)

	ok := x.notifier.Notify(ctx, notify.Event{
		Tenant:    rule.Tenant,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventKind: string(ev.Kind),
		Title:     title,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if !ok {
		return "", fmt.Errorf("all notification providers failed")
	}
	return title, nil
}

func (x *Executor) doWebhook(ctx context.Context, rule *Rule, cfg map[string]any, ev events.Event) (string, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return "", fmt.Errorf("webhook action has no url")
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	payload, ok := cfg["payload"].(map[string]any)
	if !ok {
		payload = map[string]any{
			"rule_id":    rule.ID,
			"rule_name":  rule.Name,
			"event_type": string(ev.Kind),
			"session_id": ev.SessionID,
			"event_data": ev.Fields,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := x.webhookClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d", method, url, resp.StatusCode), nil
}

func (x *Executor) doDeviceControl(ctx context.Context, rule *Rule, cfg map[string]any, ev events.Event) (string, error) {
	deviceID, _ := cfg["device_id"].(string)
	if deviceID == "" {
		return "", fmt.Errorf("device_control action has no device_id")
	}
	command, _ := cfg["command"].(string)
	if command == "" {
		return "", fmt.Errorf("device_control action has no command")
	}

	params, _ := cfg["params"].(map[string]any)
	body, err := json.Marshal(map[string]any{
		"workspace_id": rule.Tenant,
		"device_id":    deviceID,
		"command":      command,
		"params":       params,
		"origin":       "rule",
		"rule_id":      rule.ID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	url := x.devicedURL + "/api/webhook/device-control"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.InternalTokenHeader, x.internalToken)

	resp, err := x.deviceClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("device service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("device service returned %d", resp.StatusCode)
	}

	var ack struct {
		CommandID string `json:"command_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode device response: %w", err)
	}
	return fmt.Sprintf("command %s %s", ack.CommandID, ack.Status), nil
}

// reTemplate matches {{field}} placeholders in action config strings.
var reTemplate = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes {{field}} placeholders with event field values.
// Unknown placeholders are left as-is so a typo is visible in the output.
func Render(s string, fields map[string]any) string {
	return reTemplate.ReplaceAllStringFunc(s, func(match string) string {
		name := reTemplate.FindStringSubmatch(match)[1]
		v, ok := fields[name]
		if !ok {
			return match
		}
		return events.Stringify(v)
	})
}

// renderConfig renders every string in an action config, recursing into
// nested maps. The source config is never mutated.
func renderConfig(cfg, fields map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch t := v.(type) {
		case string:
			out[k] = Render(t, fields)
		case map[string]any:
			out[k] = renderConfig(t, fields)
		default:
			out[k] = v
		}
	}
	return out
}
