package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/notify"
)

type recordingStore struct {
	mu    sync.Mutex
	execs []*Execution
	stats int
}

func (r *recordingStore) SaveExecution(e *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, e)
	return nil
}

func (r *recordingStore) IncrementRuleStats(tenant, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats++
	return nil
}

func (r *recordingStore) last(t *testing.T) *Execution {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.execs) == 0 {
		t.Fatal("no execution recorded")
	}
	return r.execs[len(r.execs)-1]
}

type sentNote struct {
	events []notify.Event
	fail   bool
}

func (s *sentNote) Send(_ context.Context, e notify.Event) error {
	if s.fail {
		return context.DeadlineExceeded
	}
	s.events = append(s.events, e)
	return nil
}

func (s *sentNote) Name() string { return "test" }

func testExecutor(t *testing.T, store execStore, n *notify.Multi, opts ExecutorOpts) *Executor {
	t.Helper()
	log := logging.New(false)
	if n == nil {
		n = notify.NewMulti(log)
	}
	if opts.WebhookTimeout == 0 {
		opts.WebhookTimeout = 5 * time.Second
	}
	if opts.DeviceControlTimeout == 0 {
		opts.DeviceControlTimeout = 5 * time.Second
	}
	return NewExecutor(store, n, opts, log)
}

func giftEvent() events.Event {
	return events.Event{
		Kind:      events.KindGift,
		Tenant:    "ws1",
		SessionID: "sess1",
		Timestamp: time.Now().UTC(),
		Fields:    giftFields(),
	}
}

func TestRenderTemplates(t *testing.T) {
	fields := giftFields()
	tests := []struct {
		in, want string
	}{
		{"{{handle}} sent {{gift_count}}x {{gift_name}}", "fan_one sent 2x Lion"},
		{"worth {{value_usd}} usd", "worth 0.11 usd"},
		{"{{missing}} stays literal", "{{missing}} stays literal"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, fields); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExecuteLogAction(t *testing.T) {
	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{{Type: ActionLog, Config: map[string]any{
		"message": "{{handle}} sent {{gift_name}}",
	}}}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecSuccess {
		t.Fatalf("status = %q, want success", exec.Status)
	}
	if exec.Results[0].Detail != "fan_one sent Lion" {
		t.Errorf("detail = %q", exec.Results[0].Detail)
	}
	if store.stats != 1 {
		t.Errorf("rule stats bumped %d times, want 1", store.stats)
	}
	if store.last(t).ID == "" {
		t.Error("execution record has no ID")
	}
}

func TestExecuteNotificationAction(t *testing.T) {
	store := &recordingStore{}
	sink := &sentNote{}
	log := logging.New(false)
	x := testExecutor(t, store, notify.NewMulti(log, sink), ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{{Type: ActionNotification, Config: map[string]any{
		"title":   "Big gift",
		"message": "{{nickname}} sent a {{gift_name}}",
	}}}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecSuccess {
		t.Fatalf("status = %q, want success", exec.Status)
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d notifications, want 1", len(sink.events))
	}
	if sink.events[0].Message != "Fan One sent a Lion" {
		t.Errorf("message = %q", sink.events[0].Message)
	}
	if sink.events[0].Tenant != "ws1" {
		t.Errorf("tenant = %q", sink.events[0].Tenant)
	}
}

func TestExecuteWebhookAction(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{{Type: ActionWebhook, Config: map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "{{gift_name}}"},
		"payload": map[string]any{"who": "{{handle}}", "gift": "{{gift_name}}"},
	}}}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecSuccess {
		t.Fatalf("status = %q, results %+v", exec.Status, exec.Results)
	}
	if gotHeader != "Lion" {
		t.Errorf("header = %q, want rendered Lion", gotHeader)
	}
	if gotBody["who"] != "fan_one" || gotBody["gift"] != "Lion" {
		t.Errorf("payload = %v", gotBody)
	}
}

func TestExecuteWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{{Type: ActionWebhook, Config: map[string]any{"url": srv.URL}}}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecFailed {
		t.Fatalf("status = %q, want failed", exec.Status)
	}
	if exec.Results[0].Error == "" {
		t.Error("failed action should carry an error")
	}
}

func TestExecuteDeviceControlAction(t *testing.T) {
	var gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(httpapi.InternalTokenHeader)
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"command_id": "cmd1", "status": "sent"})
	}))
	defer srv.Close()

	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{
		DevicedURL:    srv.URL,
		InternalToken: "secret",
	})

	rule := sampleRule("ws1")
	rule.Actions = []Action{{Type: ActionDeviceControl, Config: map[string]any{
		"device_id": "dev1",
		"command":   "rotate",
		"params":    map[string]any{"rounds": 3},
	}}}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecSuccess {
		t.Fatalf("status = %q, results %+v", exec.Status, exec.Results)
	}
	if gotToken != "secret" {
		t.Errorf("internal token = %q", gotToken)
	}
	if gotBody["device_id"] != "dev1" || gotBody["command"] != "rotate" {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["workspace_id"] != "ws1" {
		t.Errorf("workspace = %v", gotBody["workspace_id"])
	}
}

func TestExecutePartialStatus(t *testing.T) {
	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{
		{Type: ActionLog},
		{Type: ActionWebhook, Config: map[string]any{}}, // no url, fails
	}

	exec := x.Execute(context.Background(), rule, giftEvent())
	if exec.Status != ExecPartial {
		t.Fatalf("status = %q, want partial", exec.Status)
	}
	if !exec.Results[0].OK || exec.Results[1].OK {
		t.Errorf("results = %+v", exec.Results)
	}
}

func TestExecuteActionOrderPreserved(t *testing.T) {
	store := &recordingStore{}
	x := testExecutor(t, store, nil, ExecutorOpts{})

	rule := sampleRule("ws1")
	rule.Actions = []Action{
		{Type: ActionWebhook}, // fails, no url
		{Type: ActionLog},
		{Type: ActionNotification},
	}

	exec := x.Execute(context.Background(), rule, giftEvent())
	want := []string{ActionWebhook, ActionLog, ActionNotification}
	if len(exec.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(exec.Results), len(want))
	}
	for i, w := range want {
		if exec.Results[i].Type != w {
			t.Errorf("result %d type = %q, want %q", i, exec.Results[i].Type, w)
		}
	}
	// The failing first action must not stop the rest.
	if !exec.Results[1].OK || !exec.Results[2].OK {
		t.Errorf("later actions should still run: %+v", exec.Results)
	}
}
