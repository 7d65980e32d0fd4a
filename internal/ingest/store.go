package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/liverelay/liverelay/internal/events"
)

// Session statuses.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ErrNotFound is returned when a session does not exist in the tenant.
var ErrNotFound = errors.New("session not found")

// Counters tracks how many events of each kind a session has produced.
type Counters struct {
	Events   int64 `json:"events"`
	Comments int64 `json:"comments"`
	Gifts    int64 `json:"gifts"`
	Likes    int64 `json:"likes"`
	Joins    int64 `json:"joins"`
	Follows  int64 `json:"follows"`
	Shares   int64 `json:"shares"`
}

// Session is one livestream connection and its lifetime statistics.
type Session struct {
	ID             string     `json:"id"`
	Tenant         string     `json:"workspace_id"`
	TargetType     TargetType `json:"target_type"`
	TargetValue    string     `json:"target_value"`
	Username       string     `json:"username,omitempty"`
	RoomID         string     `json:"room_id,omitempty"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Counters       Counters   `json:"counters"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var bucketSessions = []byte("sessions")

// Store persists sessions in BoltDB. Keys are "{tenant}/{id}" so every
// lookup and scan is tenant-scoped by construction.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the session database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKey(tenant, id string) []byte {
	return []byte(tenant + "/" + id)
}

// Save persists a session, stamping UpdatedAt.
func (s *Store) Save(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(sessionKey(sess.Tenant, sess.ID), data)
	})
}

// Get returns a session by ID within a tenant.
func (s *Store) Get(tenant, id string) (*Session, error) {
	var sess *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get(sessionKey(tenant, id))
		if v == nil {
			return ErrNotFound
		}
		sess = &Session{}
		return json.Unmarshal(v, sess)
	})
	return sess, err
}

// List returns all sessions for a tenant, newest first.
func (s *Store) List(tenant string) ([]Session, error) {
	var sessions []Session
	prefix := []byte(tenant + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			sessions = append(sessions, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Delete removes a session.
func (s *Store) Delete(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := sessionKey(tenant, id)
		b := tx.Bucket(bucketSessions)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// SetStatus updates a session's status and the matching timestamps. The
// error message is recorded only for StatusError.
func (s *Store) SetStatus(tenant, id, status, errMsg string) error {
	return s.update(tenant, id, func(sess *Session) {
		sess.Status = status
		sess.Error = ""
		now := time.Now().UTC()
		switch status {
		case StatusConnected:
			sess.ConnectedAt = &now
		case StatusDisconnected:
			sess.DisconnectedAt = &now
		case StatusError:
			sess.Error = errMsg
			sess.DisconnectedAt = &now
		}
	})
}

// SetStreamInfo records the resolved username and room ID once the platform
// connection is established.
func (s *Store) SetStreamInfo(tenant, id, username, roomID string) error {
	return s.update(tenant, id, func(sess *Session) {
		if username != "" {
			sess.Username = username
		}
		if roomID != "" {
			sess.RoomID = roomID
		}
	})
}

// ApplyEvent bumps the session counters for one published event. The
// read-modify-write runs inside a single Update transaction, so concurrent
// workers never lose increments.
func (s *Store) ApplyEvent(tenant, id string, kind events.Kind) error {
	return s.update(tenant, id, func(sess *Session) {
		sess.Counters.Events++
		switch kind {
		case events.KindComment:
			sess.Counters.Comments++
		case events.KindGift:
			sess.Counters.Gifts++
		case events.KindLike:
			sess.Counters.Likes++
		case events.KindJoin:
			sess.Counters.Joins++
		case events.KindFollow:
			sess.Counters.Follows++
		case events.KindShare:
			sess.Counters.Shares++
		}
	})
}

// update applies fn to a stored session inside one transaction.
func (s *Store) update(tenant, id string, fn func(*Session)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		key := sessionKey(tenant, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var sess Session
		if err := json.Unmarshal(v, &sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		fn(&sess)
		sess.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return b.Put(key, data)
	})
}
