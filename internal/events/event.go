// Package events defines the normalized livestream event model shared by
// the ingestor, the rule engine, and the gift worker, plus the codec used
// to move events through broker stream entries.
package events

import (
	"fmt"
	"strconv"
	"time"
)

// Kind identifies a normalized livestream event type.
type Kind string

const (
	KindComment    Kind = "comment"
	KindGift       Kind = "gift"
	KindLike       Kind = "like"
	KindJoin       Kind = "join"
	KindFollow     Kind = "follow"
	KindShare      Kind = "share"
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindLiveEnd    Kind = "live_end"
)

// AllKinds returns every event kind a rule may subscribe to.
func AllKinds() []Kind {
	return []Kind{
		KindComment, KindGift, KindLike, KindJoin, KindFollow,
		KindShare, KindConnect, KindDisconnect, KindLiveEnd,
	}
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindComment, KindGift, KindLike, KindJoin, KindFollow,
		KindShare, KindConnect, KindDisconnect, KindLiveEnd:
		return true
	}
	return false
}

// Event is a normalized livestream event. Fields carries the kind-specific
// payload plus the user subfields (handle, nickname, user_id); conditions
// address fields by these names, so they are a stable contract.
type Event struct {
	Kind      Kind
	Tenant    string
	SessionID string
	Timestamp time.Time
	Fields    map[string]any
}

// Reserved stream keys. Everything else in a stream entry is an event field.
const (
	keyKind      = "event_kind"
	keySession   = "session"
	keyTimestamp = "timestamp"
)

// StreamValues flattens the event into stream entry values. All values are
// stringified; ParseEntry re-types them on the consuming side.
func (e Event) StreamValues() map[string]any {
	values := make(map[string]any, len(e.Fields)+3)
	values[keyKind] = string(e.Kind)
	values[keySession] = e.SessionID
	values[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	for k, v := range e.Fields {
		values[k] = Stringify(v)
	}
	return values
}

// ParseEntry reconstructs an event from stream entry values. The tenant is
// taken from the stream key, not the entry, so a forged tenant field can
// never cross streams.
func ParseEntry(tenant string, values map[string]any) (Event, error) {
	ev := Event{Tenant: tenant, Fields: make(map[string]any, len(values))}

	kind, ok := values[keyKind].(string)
	if !ok || !Kind(kind).Valid() {
		return Event{}, fmt.Errorf("entry has no valid %s field", keyKind)
	}
	ev.Kind = Kind(kind)

	if s, ok := values[keySession].(string); ok {
		ev.SessionID = s
	}
	if ts, ok := values[keyTimestamp].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}

	for k, v := range values {
		if k == keyKind || k == keySession || k == keyTimestamp {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		ev.Fields[k] = ParseValue(s)
	}
	return ev, nil
}

// ParseValue re-types a stringified field value: bool, then integer, then
// float, falling back to the raw string.
func ParseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Stringify renders a field value the way StreamValues writes it. Used on
// both sides of the codec and by condition/template rendering so the same
// value always prints the same way.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
