package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubSendToConnectedPeer(t *testing.T) {
	h := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.Register(PeerDevice, "ws1", "dev1", cancel)
	if err := h.Send(PeerDevice, "ws1", "dev1", []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frame := <-c.Outbound():
		if string(frame) != "hello" {
			t.Errorf("frame = %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestHubSendNotConnected(t *testing.T) {
	h := NewHub()
	if err := h.Send(PeerDevice, "ws1", "dev1", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestHubSendBufferFull(t *testing.T) {
	h := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Register(PeerDevice, "ws1", "dev1", cancel)
	for i := 0; i < sendBuffer; i++ {
		if err := h.Send(PeerDevice, "ws1", "dev1", []byte("x")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := h.Send(PeerDevice, "ws1", "dev1", []byte("x")); !errors.Is(err, ErrSendBuffer) {
		t.Errorf("overflow Send = %v, want ErrSendBuffer", err)
	}
}

func TestHubSupersession(t *testing.T) {
	h := NewHub()

	ctx1, cancel1 := context.WithCancel(context.Background())
	old := h.Register(PeerDevice, "ws1", "dev1", cancel1)

	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	h.Register(PeerDevice, "ws1", "dev1", cancel2)

	select {
	case <-ctx1.Done():
	case <-time.After(time.Second):
		t.Fatal("old connection was not cancelled")
	}

	// The stale connection unregistering late must not evict the new one.
	h.Unregister(old)
	if !h.Connected(PeerDevice, "ws1", "dev1") {
		t.Error("new connection was evicted by the stale unregister")
	}
}

func TestHubTenantScoping(t *testing.T) {
	h := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Register(PeerDevice, "ws1", "dev1", cancel)
	if h.Connected(PeerDevice, "ws2", "dev1") {
		t.Error("dev1 must not appear connected in another tenant")
	}
	if err := h.Send(PeerDevice, "ws2", "dev1", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("cross-tenant Send = %v, want ErrNotConnected", err)
	}
}

func TestHubConnectedIDs(t *testing.T) {
	h := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Register(PeerDevice, "ws1", "dev1", cancel)
	h.Register(PeerDevice, "ws1", "dev2", cancel)
	h.Register(PeerClient, "ws1", "client-1", cancel)
	h.Register(PeerDevice, "ws2", "dev3", cancel)

	ids := h.ConnectedIDs(PeerDevice, "ws1")
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	c := h.ConnectedIDs(PeerClient, "ws1")
	if len(c) != 1 || c[0] != "client-1" {
		t.Errorf("client ids = %v", c)
	}
}

func TestHubUnregisterRemovesPeer(t *testing.T) {
	h := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.Register(PeerClient, "ws1", "client-1", cancel)
	h.Unregister(c)
	if h.Connected(PeerClient, "ws1", "client-1") {
		t.Error("peer still connected after unregister")
	}
}
