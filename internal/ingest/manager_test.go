package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/liverelay/liverelay/internal/broker"
	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/logging"
)

func testSetup(t *testing.T, dial Dialer) (*Manager, *Store, *broker.Broker) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := broker.NewWithClient(rdb, 10000)

	return NewManager(store, b, dial, logging.New(false)), store, b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func sourceDialer(src Source) Dialer {
	return func(Target) (Source, error) { return src, nil }
}

func TestSessionLifecycle(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser", RoomID: "7234567890123456789"})
	m, store, b := testSetup(t, sourceDialer(src))

	sess, err := m.Connect(context.Background(), "ws-1", "@someuser")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Status != StatusConnecting {
		t.Errorf("Status = %q, want connecting", sess.Status)
	}

	waitFor(t, "session connected", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusConnected
	})

	src.emit(SourceEvent{
		Kind: events.KindComment,
		User: SourceUser{Handle: "fan_one", Nickname: "Fan", UserID: "42"},
		Data: map[string]any{"comment": "hello!"},
	})
	src.emit(SourceEvent{
		Kind: events.KindGift,
		User: SourceUser{Handle: "fan_two"},
		Data: map[string]any{"gift_name": "Rose", "gift_count": 3, "diamond_count": 1, "streaking": false},
	})
	src.emit(SourceEvent{Kind: events.KindLiveEnd})

	waitFor(t, "session disconnected after live_end", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusDisconnected
	})

	got, _ := store.Get("ws-1", sess.ID)
	if got.Username != "someuser" {
		t.Errorf("Username = %q, want someuser", got.Username)
	}
	if got.RoomID != "7234567890123456789" {
		t.Errorf("RoomID = %q, want room id", got.RoomID)
	}
	// connect + comment + gift + live_end
	if got.Counters.Events != 4 {
		t.Errorf("Events = %d, want 4", got.Counters.Events)
	}
	if got.Counters.Comments != 1 || got.Counters.Gifts != 1 {
		t.Errorf("Comments/Gifts = %d/%d, want 1/1", got.Counters.Comments, got.Counters.Gifts)
	}

	entries, err := b.ReadStreams(context.Background(),
		map[string]string{broker.StreamKey("ws-1"): "0"}, 10*time.Millisecond, 100)
	if err != nil {
		t.Fatalf("ReadStreams: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d published entries, want 4", len(entries))
	}

	wantKinds := []string{"connect", "comment", "gift", "live_end"}
	for i, want := range wantKinds {
		if got := entries[i].Values["event_kind"]; got != want {
			t.Errorf("entry %d kind = %v, want %s", i, got, want)
		}
	}

	// Normalized gift fields round-trip typed.
	gift, err := events.ParseEntry("ws-1", entries[2].Values)
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if gift.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", gift.SessionID, sess.ID)
	}
	if gift.Fields["gift_count"] != int64(3) {
		t.Errorf("gift_count = %#v, want int64(3)", gift.Fields["gift_count"])
	}
	if gift.Fields["value_usd"] != 0.015 {
		t.Errorf("value_usd = %#v, want 0.015", gift.Fields["value_usd"])
	}
	if gift.Fields["handle"] != "fan_two" {
		t.Errorf("handle = %#v, want fan_two", gift.Fields["handle"])
	}
}

func TestNormalizeGiftValue(t *testing.T) {
	w := &worker{}

	// Mid-streak the repeat count is not final: no USD value yet.
	streak := w.normalize(SourceEvent{
		Kind: events.KindGift,
		Data: map[string]any{"gift_name": "Rose", "gift_count": 3, "diamond_count": 1, "streaking": true},
	})
	if v, ok := streak["value_usd"]; ok {
		t.Errorf("streaking gift got value_usd = %#v, want absent", v)
	}

	final := w.normalize(SourceEvent{
		Kind: events.KindGift,
		Data: map[string]any{"gift_name": "Rose", "gift_count": 3, "diamond_count": 1, "streaking": false},
	})
	if final["value_usd"] != 0.015 {
		t.Errorf("value_usd = %#v, want 0.015", final["value_usd"])
	}
}

func TestConnectRejectsDuplicateTarget(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser"})
	m, store, _ := testSetup(t, sourceDialer(src))

	sess, err := m.Connect(context.Background(), "ws-1", "someuser")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Connect(context.Background(), "ws-1", "@someuser"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("duplicate Connect error = %v, want ErrAlreadyConnected", err)
	}

	// A different tenant may watch the same target.
	if _, err := m.Connect(context.Background(), "ws-2", "someuser"); err != nil {
		t.Fatalf("other-tenant Connect: %v", err)
	}

	// After disconnect the target frees up.
	if _, err := m.Disconnect("ws-1", sess.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, "worker released", func() bool { return !m.Active(sess.ID) })
	if _, err := m.Connect(context.Background(), "ws-1", "someuser"); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
	_ = store
}

func TestDisconnectPublishesEvent(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser"})
	m, store, b := testSetup(t, sourceDialer(src))

	sess, err := m.Connect(context.Background(), "ws-1", "someuser")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "session connected", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusConnected
	})

	got, err := m.Disconnect("ws-1", sess.ID)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got.Status != StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", got.Status)
	}

	entries, _ := b.ReadStreams(context.Background(),
		map[string]string{broker.StreamKey("ws-1"): "0"}, 10*time.Millisecond, 100)
	last := entries[len(entries)-1]
	if last.Values["event_kind"] != "disconnect" {
		t.Errorf("last event = %v, want disconnect", last.Values["event_kind"])
	}
}

func TestDisconnectUnknownSession(t *testing.T) {
	m, _, _ := testSetup(t, failingDialer)
	if _, err := m.Disconnect("ws-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Disconnect error = %v, want ErrNotFound", err)
	}
}

func TestDialFailureMarksError(t *testing.T) {
	m, store, _ := testSetup(t, failingDialer)

	sess, err := m.Connect(context.Background(), "ws-1", "someuser")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "session errored", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusError
	})

	got, _ := store.Get("ws-1", sess.ID)
	if got.Error == "" {
		t.Error("Error message not recorded")
	}
}

func TestStreamFailureMarksError(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser"})
	m, store, _ := testSetup(t, sourceDialer(src))

	sess, _ := m.Connect(context.Background(), "ws-1", "someuser")
	waitFor(t, "session connected", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusConnected
	})

	src.finish(errors.New("stream dropped"))

	waitFor(t, "session errored", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusError && got.Error == "stream dropped"
	})
}

func TestShutdownStopsWorkers(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser"})
	m, store, _ := testSetup(t, sourceDialer(src))

	sess, _ := m.Connect(context.Background(), "ws-1", "someuser")
	waitFor(t, "session connected", func() bool {
		got, err := store.Get("ws-1", sess.ID)
		return err == nil && got.Status == StatusConnected
	})

	m.Shutdown()

	got, _ := store.Get("ws-1", sess.ID)
	if got.Status != StatusDisconnected {
		t.Errorf("Status = %q, want disconnected after shutdown", got.Status)
	}
	if m.Active(sess.ID) {
		t.Error("worker still active after shutdown")
	}
}

func TestManagerDelete(t *testing.T) {
	src := newScriptedSource(StreamInfo{Username: "someuser"})
	m, store, _ := testSetup(t, sourceDialer(src))

	sess, _ := m.Connect(context.Background(), "ws-1", "someuser")
	if err := m.Delete("ws-1", sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("ws-1", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}
