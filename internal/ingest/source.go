package ingest

import (
	"context"

	"github.com/liverelay/liverelay/internal/events"
)

// SourceUser identifies the viewer a platform event is attributed to.
type SourceUser struct {
	Handle   string
	Nickname string
	UserID   string
}

// SourceEvent is a raw platform event before normalization. Data keys follow
// the normalized field contract for the kind (comment, gift_name, gift_count,
// diamond_count, streaking, count, total_likes, users_joined); the worker
// adds the user subfields and derived values.
type SourceEvent struct {
	Kind events.Kind
	User SourceUser
	Data map[string]any
}

// StreamInfo is what the platform resolves a target to once connected.
type StreamInfo struct {
	Username string
	RoomID   string
}

// Source is one live connection to the streaming platform. Connect blocks
// until the stream is joined; Events is closed when the stream ends, after
// which Err reports the failure reason (nil for a clean end).
type Source interface {
	Connect(ctx context.Context) (StreamInfo, error)
	Events() <-chan SourceEvent
	Err() error
	Close() error
}

// Dialer constructs a Source for a parsed target. The production dialer
// wraps the external livestream client library; tests use scripted sources.
type Dialer func(target Target) (Source, error)
