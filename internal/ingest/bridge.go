package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/liverelay/liverelay/internal/events"
)

// bridgeFrame is one JSON message from the connector bridge. The bridge is
// the sidecar that speaks the platform protocol; it resolves the target,
// answers with a stream_info frame, then relays platform events until the
// stream ends.
type bridgeFrame struct {
	Type     string `json:"type"` // "stream_info" | "event" | "ping"
	Username string `json:"username,omitempty"`
	RoomID   string `json:"room_id,omitempty"`

	Kind string `json:"kind,omitempty"`
	User struct {
		Handle   string `json:"handle"`
		Nickname string `json:"nickname"`
		UserID   string `json:"user_id"`
	} `json:"user,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// NewBridgeDialer returns a Dialer that opens one bridge WebSocket per
// session at {base}/connect?target_type=...&target=...
func NewBridgeDialer(baseURL string) Dialer {
	return func(target Target) (Source, error) {
		return &bridgeSource{base: baseURL, target: target}, nil
	}
}

// bridgeSource is one live connection to the connector bridge.
type bridgeSource struct {
	base   string
	target Target

	conn   *websocket.Conn
	events chan SourceEvent

	mu  sync.Mutex
	err error
}

func (s *bridgeSource) Connect(ctx context.Context) (StreamInfo, error) {
	q := url.Values{}
	q.Set("target_type", string(s.target.Type))
	q.Set("target", s.target.Value)
	endpoint := s.base + "/connect?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("dial bridge: %w", err)
	}

	// The bridge answers with stream_info once the platform accepts the join.
	var hello bridgeFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return StreamInfo{}, fmt.Errorf("bridge handshake: %w", err)
	}
	if hello.Type != "stream_info" {
		conn.Close()
		return StreamInfo{}, fmt.Errorf("bridge handshake: unexpected frame %q", hello.Type)
	}

	s.conn = conn
	s.events = make(chan SourceEvent)
	go s.readLoop(ctx)

	return StreamInfo{Username: hello.Username, RoomID: hello.RoomID}, nil
}

// readLoop relays bridge frames into the event channel until the socket
// closes. A normal close (the stream ended cleanly) leaves Err nil.
func (s *bridgeSource) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		var frame bridgeFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}
		if frame.Type != "event" {
			continue
		}
		kind := events.Kind(frame.Kind)
		if !kind.Valid() {
			continue
		}
		ev := SourceEvent{
			Kind: kind,
			User: SourceUser{
				Handle:   frame.User.Handle,
				Nickname: frame.User.Nickname,
				UserID:   frame.User.UserID,
			},
			Data: frame.Data,
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *bridgeSource) Events() <-chan SourceEvent { return s.events }

func (s *bridgeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *bridgeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *bridgeSource) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
