package device

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liverelay/liverelay/internal/auth"
	"github.com/liverelay/liverelay/internal/logging"
)

// WebSocket close codes for rejected channels.
const (
	closeBadDeviceToken = 1008 // policy violation, opaque token unknown
	closeBadClientToken = 4001 // application code, JWT invalid or expired
)

const writeWait = 10 * time.Second

// inboundFrame is the union of every frame an agent may send.
type inboundFrame struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`      // command_result
	Success    *bool          `json:"success,omitempty"` // command_result
	Result     map[string]any `json:"result,omitempty"`  // command_result
	Error      string         `json:"error,omitempty"`
	Status     string         `json:"status,omitempty"`      // status, device_status
	DeviceID   string         `json:"device_id,omitempty"`   // device_discovered, device_status
	Name       string         `json:"name,omitempty"`        // device_discovered
	DeviceType string         `json:"device_type,omitempty"` // device_discovered
	Metadata   map[string]any `json:"metadata,omitempty"`    // status, device_discovered
	Params     map[string]any `json:"params,omitempty"`
}

// WSHandler serves the persistent agent channels: one endpoint for device
// agents authenticated by opaque token, one for host clients authenticated
// by JWT.
type WSHandler struct {
	store     *Store
	hub       *Hub
	router    *Router
	tokens    *auth.Manager
	heartbeat time.Duration
	log       *logging.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates the WebSocket handler. heartbeat drives the server
// ping interval and the read deadline.
func NewWSHandler(store *Store, hub *Hub, router *Router, tokens *auth.Manager, heartbeat time.Duration, log *logging.Logger) *WSHandler {
	return &WSHandler{
		store:     store,
		hub:       hub,
		router:    router,
		tokens:    tokens,
		heartbeat: heartbeat,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect from anywhere; auth is the token, not the Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register wires the WebSocket routes into mux.
func (h *WSHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/device/{token}", h.handleDevice)
	mux.HandleFunc("GET /ws/client/{token}", h.handleClient)
}

func (h *WSHandler) handleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	device, err := h.store.DeviceByTokenHash(auth.HashToken(r.PathValue("token")))
	if err != nil {
		h.reject(ws, closeBadDeviceToken, "invalid device token")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := h.hub.Register(PeerDevice, device.Tenant, device.ID, cancel)
	defer func() {
		h.hub.Unregister(conn)
		if !h.hub.Connected(PeerDevice, device.Tenant, device.ID) {
			if err := h.store.SetDeviceStatus(device.Tenant, device.ID, StatusOffline); err != nil {
				h.log.Error("mark device offline", "device", device.ID, "error", err)
			}
		}
	}()

	if err := h.store.SetDeviceStatus(device.Tenant, device.ID, StatusOnline); err != nil {
		h.log.Error("mark device online", "device", device.ID, "error", err)
	}
	h.log.Info("device connected", "device", device.ID, "tenant", device.Tenant)

	go h.writePump(ctx, ws, conn)
	h.router.ReplayDevice(device.Tenant, device.ID)
	h.readLoop(ctx, ws, conn, device.Tenant, device.ID, "")
	h.log.Info("device disconnected", "device", device.ID, "tenant", device.Tenant)
}

func (h *WSHandler) handleClient(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, err := h.tokens.ParseClientToken(r.PathValue("token"))
	if err != nil {
		h.reject(ws, closeBadClientToken, "invalid client token")
		return
	}
	if _, err := h.store.GetClient(claims.Tenant, claims.ClientID); err != nil {
		h.reject(ws, closeBadClientToken, "unknown client")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := h.hub.Register(PeerClient, claims.Tenant, claims.ClientID, cancel)
	defer func() {
		h.hub.Unregister(conn)
		if !h.hub.Connected(PeerClient, claims.Tenant, claims.ClientID) {
			if err := h.store.SetClientStatus(claims.Tenant, claims.ClientID, StatusOffline); err != nil {
				h.log.Error("mark client offline", "client", claims.ClientID, "error", err)
			}
		}
	}()

	if err := h.store.SetClientStatus(claims.Tenant, claims.ClientID, StatusOnline); err != nil {
		h.log.Error("mark client online", "client", claims.ClientID, "error", err)
	}
	h.log.Info("client connected", "client", claims.ClientID, "tenant", claims.Tenant)

	go h.writePump(ctx, ws, conn)
	h.reply(conn, map[string]any{"type": "connected", "client_id": claims.ClientID})
	h.router.ReplayClient(claims.Tenant, claims.ClientID)
	h.readLoop(ctx, ws, conn, claims.Tenant, "", claims.ClientID)
	h.log.Info("client disconnected", "client", claims.ClientID, "tenant", claims.Tenant)
}

// reject closes a freshly upgraded socket with a close frame the agent can
// distinguish from a network drop.
func (h *WSHandler) reject(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

// readLoop consumes agent frames until the socket drops or ctx is cancelled.
// Exactly one of deviceID/clientID is set and decides which upkeep frames are
// honored.
func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, tenant, deviceID, clientID string) {
	readWait := 3 * h.heartbeat
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.log.Info("dropped malformed frame", "tenant", tenant, "error", err)
			continue
		}
		h.handleFrame(conn, frame, tenant, deviceID, clientID)
	}
}

func (h *WSHandler) handleFrame(conn *Conn, frame inboundFrame, tenant, deviceID, clientID string) {
	switch frame.Type {
	case "ping":
		h.reply(conn, map[string]any{"type": "pong"})

	case "heartbeat":
		if deviceID != "" {
			if err := h.store.TouchDevice(tenant, deviceID); err != nil {
				h.log.Error("heartbeat touch", "device", deviceID, "error", err)
			}
		} else {
			if err := h.store.SetClientStatus(tenant, clientID, StatusOnline); err != nil {
				h.log.Error("heartbeat touch", "client", clientID, "error", err)
			}
		}
		h.reply(conn, map[string]any{"type": "pong"})

	case "command_result":
		if frame.ID == "" || frame.Success == nil {
			return
		}
		h.router.HandleResult(tenant, frame.ID, *frame.Success, frame.Error, frame.Result)

	case "status":
		if deviceID == "" {
			return
		}
		if frame.Status != "" && validStatus(frame.Status) {
			if err := h.store.SetDeviceStatus(tenant, deviceID, frame.Status); err != nil {
				h.log.Error("status update", "device", deviceID, "error", err)
			}
		}
		if frame.Metadata != nil {
			if err := h.store.SetDeviceMetadata(tenant, deviceID, frame.Metadata); err != nil {
				h.log.Error("metadata update", "device", deviceID, "error", err)
			}
		}

	case "device_discovered":
		// Host clients announce the devices they manage; unknown devices
		// are registered on the fly under the announcing client.
		if clientID == "" || frame.DeviceID == "" {
			return
		}
		h.upsertDiscovered(tenant, clientID, frame)

	case "device_status":
		if clientID == "" || frame.DeviceID == "" || !validStatus(frame.Status) {
			return
		}
		if err := h.store.SetDeviceStatus(tenant, frame.DeviceID, frame.Status); err != nil {
			h.log.Error("device status relay", "device", frame.DeviceID, "error", err)
		}

	case "error":
		h.log.Error("agent reported error", "tenant", tenant, "error", frame.Error)

	default:
		h.log.Info("unknown frame type", "type", frame.Type, "tenant", tenant)
	}
}

func (h *WSHandler) upsertDiscovered(tenant, clientID string, frame inboundFrame) {
	existing, err := h.store.GetDevice(tenant, frame.DeviceID)
	if err == nil {
		existing.ClientID = clientID
		existing.Status = StatusOnline
		existing.LastSeen = time.Now().UTC()
		if frame.Name != "" {
			existing.Name = frame.Name
		}
		if frame.Metadata != nil {
			existing.Metadata = frame.Metadata
		}
		if err := h.store.SaveDevice(existing); err != nil {
			h.log.Error("update discovered device", "device", frame.DeviceID, "error", err)
		}
		return
	}

	name := frame.Name
	if name == "" {
		name = frame.DeviceID
	}
	d := &Device{
		ID:        frame.DeviceID,
		Tenant:    tenant,
		Name:      name,
		Type:      frame.DeviceType,
		ClientID:  clientID,
		Status:    StatusOnline,
		Metadata:  frame.Metadata,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.SaveDevice(d); err != nil {
		h.log.Error("register discovered device", "device", frame.DeviceID, "error", err)
		return
	}
	h.log.Info("device discovered", "device", d.ID, "client", clientID, "tenant", tenant)
}

func (h *WSHandler) reply(conn *Conn, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !conn.enqueue(frame) {
		h.log.Info("reply dropped, send buffer full", "peer", conn.ID)
	}
}

// writePump is the single writer on the socket: it drains the hub send
// channel and keeps the connection alive with pings. Closing the socket on
// exit unblocks the read loop.
func (h *WSHandler) writePump(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
