package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// Webhook posts rendered notifications as JSON to an operator-configured
// endpoint. One Webhook per endpoint; safe for concurrent Send.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook notifier for url. headers are added to every
// request, typically an Authorization header.
func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

// Name returns the provider name for logging.
func (w *Webhook) Name() string { return "webhook" }

// webhookPayload is the wire shape. Flat, so receivers can route on
// workspace and rule without digging into nested objects.
type webhookPayload struct {
	Workspace   string `json:"workspace_id"`
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	EventKind   string `json:"event_kind"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

// Send posts the rendered notification. Any status outside 2xx counts as a
// delivery failure.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookPayload{
		Workspace:   event.Tenant,
		RuleID:      event.RuleID,
		RuleName:    event.RuleName,
		EventKind:   event.EventKind,
		Title:       event.Title,
		Message:     event.Message,
		TriggeredAt: event.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
