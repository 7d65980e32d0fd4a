package ingest

import (
	"context"
	"time"

	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
)

// Publisher is the broker subset the ingest worker needs.
type Publisher interface {
	Publish(ctx context.Context, tenant string, values map[string]any) (string, error)
}

// diamondUSD is the approximate USD value of one diamond.
const diamondUSD = 0.005

// worker owns one session: it dials the source, normalizes every platform
// event, updates session counters, and appends to the tenant's stream.
// Publishing is sequential, so per-session event order is preserved.
type worker struct {
	sessionID string
	tenant    string
	target    Target

	store *Store
	pub   Publisher
	dial  Dialer
	log   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	src, err := w.dial(w.target)
	if err != nil {
		w.log.Error("dial failed", "session", w.sessionID, "error", err)
		w.setStatus(StatusError, err.Error())
		return
	}
	defer src.Close()

	info, err := src.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			w.setStatus(StatusDisconnected, "")
			return
		}
		w.log.Error("connect failed", "session", w.sessionID, "error", err)
		w.setStatus(StatusError, err.Error())
		return
	}

	if err := w.store.SetStreamInfo(w.tenant, w.sessionID, info.Username, info.RoomID); err != nil {
		w.log.Warn("record stream info", "session", w.sessionID, "error", err)
	}
	w.setStatus(StatusConnected, "")
	w.log.Info("session connected",
		"session", w.sessionID,
		"tenant", w.tenant,
		"username", info.Username,
		"room_id", info.RoomID,
	)

	w.publish(ctx, events.KindConnect, map[string]any{
		"username": info.Username,
		"room_id":  info.RoomID,
	})

	liveEnded := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-src.Events():
			if !ok {
				break loop
			}
			w.publish(ctx, ev.Kind, w.normalize(ev))
			if ev.Kind == events.KindLiveEnd {
				liveEnded = true
				break loop
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		// Explicit disconnect or shutdown.
		w.setStatus(StatusDisconnected, "")
		w.publish(context.Background(), events.KindDisconnect, nil)
	case liveEnded:
		w.setStatus(StatusDisconnected, "")
		w.log.Info("stream ended", "session", w.sessionID, "tenant", w.tenant)
	case src.Err() != nil:
		w.log.Error("stream failed", "session", w.sessionID, "error", src.Err())
		w.setStatus(StatusError, src.Err().Error())
	default:
		w.setStatus(StatusDisconnected, "")
	}
}

// normalize builds the published field map: the source's kind-specific data,
// the user subfields, and derived values (gift USD value).
func (w *worker) normalize(ev SourceEvent) map[string]any {
	fields := make(map[string]any, len(ev.Data)+4)
	for k, v := range ev.Data {
		fields[k] = v
	}
	if ev.User.Handle != "" {
		fields["handle"] = ev.User.Handle
	}
	if ev.User.Nickname != "" {
		fields["nickname"] = ev.User.Nickname
	}
	if ev.User.UserID != "" {
		fields["user_id"] = ev.User.UserID
	}

	if ev.Kind == events.KindGift {
		// While a gift streak is running the repeat count is not final, so
		// no USD value is attached until the streak ends.
		streaking, _ := fields["streaking"].(bool)
		diamonds, dOK := toInt(fields["diamond_count"])
		count, cOK := toInt(fields["gift_count"])
		if !streaking && dOK && cOK {
			fields["value_usd"] = float64(diamonds*count) * diamondUSD
		}
	}
	return fields
}

// publish appends one event to the tenant stream and bumps session counters.
// Publish failures are logged and counted; the session keeps running.
func (w *worker) publish(ctx context.Context, kind events.Kind, fields map[string]any) {
	ev := events.Event{
		Kind:      kind,
		Tenant:    w.tenant,
		SessionID: w.sessionID,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	if _, err := w.pub.Publish(ctx, w.tenant, ev.StreamValues()); err != nil {
		metrics.PublishErrors.Inc()
		w.log.Error("publish failed",
			"session", w.sessionID,
			"tenant", w.tenant,
			"kind", string(kind),
			"error", err,
		)
		return
	}
	metrics.EventsPublished.WithLabelValues(w.tenant, string(kind)).Inc()

	if err := w.store.ApplyEvent(w.tenant, w.sessionID, kind); err != nil {
		w.log.Warn("counter update failed", "session", w.sessionID, "error", err)
	}
}

func (w *worker) setStatus(status, errMsg string) {
	if err := w.store.SetStatus(w.tenant, w.sessionID, status, errMsg); err != nil {
		w.log.Warn("status update failed", "session", w.sessionID, "error", err)
	}
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}
