package device

import (
	"context"
	"errors"
	"sync"

	"github.com/liverelay/liverelay/internal/metrics"
)

// Peer kinds on the hub.
const (
	PeerDevice = "device"
	PeerClient = "client"
)

// Hub errors.
var (
	ErrNotConnected = errors.New("peer not connected")
	ErrSendBuffer   = errors.New("peer send buffer full")
)

// sendBuffer is the per-connection outbound queue depth. A peer that cannot
// drain 64 frames is effectively dead and gets its sends rejected.
const sendBuffer = 64

// Conn is one registered WebSocket peer. The hub owns the registration; the
// read/write pumps own the socket.
type Conn struct {
	Kind   string
	Tenant string
	ID     string

	send   chan []byte
	cancel context.CancelFunc
}

// Outbound is the channel the peer's write pump drains.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// enqueue queues a frame directly on this connection, bypassing the hub
// lookup. Used for protocol replies inside the connection's own read loop.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks the live WebSocket connection for every device agent and host
// client. At most one connection per peer: registering again supersedes the
// old connection by cancelling its context. The send channel is never closed,
// the superseded pumps exit through their cancelled context.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func peerKey(kind, tenant, id string) string {
	return kind + "/" + tenant + "/" + id
}

// Register adds a peer connection, superseding any existing one. cancel is
// invoked when a newer connection for the same peer arrives.
func (h *Hub) Register(kind, tenant, id string, cancel context.CancelFunc) *Conn {
	c := &Conn{
		Kind:   kind,
		Tenant: tenant,
		ID:     id,
		send:   make(chan []byte, sendBuffer),
		cancel: cancel,
	}

	h.mu.Lock()
	key := peerKey(kind, tenant, id)
	old := h.conns[key]
	h.conns[key] = c
	h.mu.Unlock()

	if old != nil {
		old.cancel()
	} else {
		metrics.AgentsConnected.WithLabelValues(kind).Inc()
	}
	return c
}

// Unregister removes a peer connection, but only if it is still the current
// one. A superseded connection unregistering late must not evict its
// replacement.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	key := peerKey(c.Kind, c.Tenant, c.ID)
	current := h.conns[key] == c
	if current {
		delete(h.conns, key)
	}
	h.mu.Unlock()

	if current {
		metrics.AgentsConnected.WithLabelValues(c.Kind).Dec()
	}
}

// Drop cancels and removes a peer's current connection. Used when the peer
// stops draining its send buffer: the pumps exit through the cancelled
// context and the next reconnect triggers a pending-command replay.
func (h *Hub) Drop(kind, tenant, id string) {
	h.mu.Lock()
	key := peerKey(kind, tenant, id)
	c := h.conns[key]
	if c != nil {
		delete(h.conns, key)
	}
	h.mu.Unlock()

	if c != nil {
		c.cancel()
		metrics.AgentsConnected.WithLabelValues(kind).Dec()
	}
}

// Send queues a frame for a connected peer. Fails fast when the peer is not
// connected or its buffer is full; the caller decides what pending means.
func (h *Hub) Send(kind, tenant, id string, frame []byte) error {
	h.mu.RLock()
	c := h.conns[peerKey(kind, tenant, id)]
	h.mu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Connected reports whether a peer currently has a live connection.
func (h *Hub) Connected(kind, tenant, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[peerKey(kind, tenant, id)] != nil
}

// ConnectedIDs lists the connected peer IDs of one kind within a tenant.
func (h *Hub) ConnectedIDs(kind, tenant string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for _, c := range h.conns {
		if c.Kind == kind && c.Tenant == tenant {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
