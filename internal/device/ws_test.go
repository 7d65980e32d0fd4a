package device

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liverelay/liverelay/internal/auth"
	"github.com/liverelay/liverelay/internal/logging"
)

type wsHarness struct {
	store  *Store
	hub    *Hub
	router *Router
	tokens *auth.Manager
	srv    *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logging.New(false)
	hub := NewHub()
	router := NewRouter(store, hub, log)
	tokens := auth.New("test-secret")

	mux := http.NewServeMux()
	NewWSHandler(store, hub, router, tokens, 30*time.Second, log).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsHarness{store: store, hub: hub, router: router, tokens: tokens, srv: srv}
}

func (h *wsHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

// provisionDevice saves a device and returns it with a valid plaintext token.
func (h *wsHarness) provisionDevice(t *testing.T, tenant string) (*Device, string) {
	t.Helper()
	d := sampleDevice(tenant)
	if err := h.store.SaveDevice(d); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	token, err := auth.NewDeviceToken()
	if err != nil {
		t.Fatalf("NewDeviceToken: %v", err)
	}
	if err := h.store.SaveDeviceToken(tenant, d.ID, auth.HashToken(token)); err != nil {
		t.Fatalf("SaveDeviceToken: %v", err)
	}
	return d, token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return frame
}

func expectClose(t *testing.T, ws *websocket.Conn, wantCode int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != wantCode {
		t.Errorf("close code = %d, want %d", ce.Code, wantCode)
	}
}

func TestDeviceChannelLifecycle(t *testing.T) {
	h := newWSHarness(t)
	d, token := h.provisionDevice(t, "ws1")

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	waitFor(t, "device online", func() bool {
		got, err := h.store.GetDevice("ws1", d.ID)
		return err == nil && got.Status == StatusOnline
	})
	waitFor(t, "hub registration", func() bool {
		return h.hub.Connected(PeerDevice, "ws1", d.ID)
	})

	ws.Close()
	waitFor(t, "device offline", func() bool {
		got, err := h.store.GetDevice("ws1", d.ID)
		return err == nil && got.Status == StatusOffline
	})
}

func TestDeviceChannelRejectsBadToken(t *testing.T) {
	h := newWSHarness(t)

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/deadbeef"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	expectClose(t, ws, closeBadDeviceToken)
}

func TestDeviceChannelReplaysPending(t *testing.T) {
	h := newWSHarness(t)
	d, token := h.provisionDevice(t, "ws1")

	// Queue two commands while the agent is offline.
	var ids []string
	for i := 0; i < 2; i++ {
		cmd, err := h.router.Dispatch(DispatchRequest{
			Tenant: "ws1", DeviceID: d.ID, Command: "rotate", Origin: OriginAPI,
		})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if cmd.Status != CmdPending {
			t.Fatalf("offline dispatch status = %q", cmd.Status)
		}
		ids = append(ids, cmd.ID)
	}

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	for i, want := range ids {
		frame := readFrame(t, ws)
		if frame["type"] != "command" || frame["id"] != want {
			t.Errorf("replay[%d] = %v, want command %s", i, frame, want)
		}
	}

	waitFor(t, "commands marked sent", func() bool {
		cmd, err := h.store.GetCommand("ws1", ids[1])
		return err == nil && cmd.Status == CmdSent
	})
}

func TestDeviceChannelCommandResult(t *testing.T) {
	h := newWSHarness(t)
	d, token := h.provisionDevice(t, "ws1")

	cmd, err := h.router.Dispatch(DispatchRequest{
		Tenant: "ws1", DeviceID: d.ID, Command: "rotate", Origin: OriginRule,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	readFrame(t, ws) // the replayed command

	result := map[string]any{"type": "command_result", "id": cmd.ID, "success": true}
	if err := ws.WriteJSON(result); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	waitFor(t, "command completed", func() bool {
		got, err := h.store.GetCommand("ws1", cmd.ID)
		return err == nil && got.Status == CmdCompleted
	})
}

func TestDeviceChannelStatusReport(t *testing.T) {
	h := newWSHarness(t)
	d, token := h.provisionDevice(t, "ws1")

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	report := map[string]any{
		"type":     "status",
		"status":   StatusError,
		"metadata": map[string]any{"fault": "overheated"},
	}
	if err := ws.WriteJSON(report); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitFor(t, "error status persisted", func() bool {
		got, err := h.store.GetDevice("ws1", d.ID)
		return err == nil && got.Status == StatusError && got.Metadata["fault"] == "overheated"
	})

	// A status outside the known set is ignored.
	if err := ws.WriteJSON(map[string]any{"type": "status", "status": "sleeping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readFrame(t, ws) // pong, so both frames were processed
	got, err := h.store.GetDevice("ws1", d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("status = %q, want error kept after bogus report", got.Status)
	}
}

func TestDeviceChannelPingPong(t *testing.T) {
	h := newWSHarness(t)
	_, token := h.provisionDevice(t, "ws1")

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, ws)
	if frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestClientChannelHandshake(t *testing.T) {
	h := newWSHarness(t)

	hc := &HostClient{ID: "client-abc", Tenant: "ws1", Name: "host", Status: StatusOffline, CreatedAt: time.Now().UTC()}
	if err := h.store.SaveClient(hc); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	token, err := h.tokens.MintClientToken(hc.ID, "ws1", time.Hour)
	if err != nil {
		t.Fatalf("MintClientToken: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/client/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	frame := readFrame(t, ws)
	if frame["type"] != "connected" || frame["client_id"] != hc.ID {
		t.Errorf("ack = %v", frame)
	}

	waitFor(t, "client online", func() bool {
		got, err := h.store.GetClient("ws1", hc.ID)
		return err == nil && got.Status == StatusOnline
	})
}

func TestClientChannelRejectsBadToken(t *testing.T) {
	h := newWSHarness(t)

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/client/not-a-jwt"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	expectClose(t, ws, closeBadClientToken)
}

func TestClientChannelDeviceDiscovery(t *testing.T) {
	h := newWSHarness(t)

	hc := &HostClient{ID: "client-abc", Tenant: "ws1", Name: "host", Status: StatusOffline, CreatedAt: time.Now().UTC()}
	if err := h.store.SaveClient(hc); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	token, err := h.tokens.MintClientToken(hc.ID, "ws1", time.Hour)
	if err != nil {
		t.Fatalf("MintClientToken: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/client/"+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	readFrame(t, ws) // connected ack

	discover := map[string]any{
		"type":        "device_discovered",
		"device_id":   "lamp-1",
		"name":        "living room lamp",
		"device_type": "led",
	}
	if err := ws.WriteJSON(discover); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	waitFor(t, "device registered", func() bool {
		d, err := h.store.GetDevice("ws1", "lamp-1")
		return err == nil && d.ClientID == hc.ID && d.Status == StatusOnline
	})
}

func TestDeviceChannelSupersession(t *testing.T) {
	h := newWSHarness(t)
	d, token := h.provisionDevice(t, "ws1")

	first, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial first: %v", err)
	}
	defer first.Close()
	waitFor(t, "first registered", func() bool {
		return h.hub.Connected(PeerDevice, "ws1", d.ID)
	})

	second, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/device/"+token), nil)
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	defer second.Close()

	// The first socket is torn down; the second must keep the registration.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if !h.hub.Connected(PeerDevice, "ws1", d.ID) {
		t.Error("device lost its registration after supersession")
	}
}
