package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
)

// ErrAlreadyConnected is returned when a tenant already has an active
// session for the same target.
var ErrAlreadyConnected = errors.New("target already has an active session")

// Manager owns the session workers: one goroutine per active livestream
// connection, keyed by session ID, with a target index for duplicate checks.
type Manager struct {
	store *Store
	pub   Publisher
	dial  Dialer
	log   *logging.Logger

	mu      sync.Mutex
	workers map[string]*worker // sessionID -> running worker
	targets map[string]string  // tenant + "/" + target key -> sessionID
}

// NewManager creates a session manager.
func NewManager(store *Store, pub Publisher, dial Dialer, log *logging.Logger) *Manager {
	return &Manager{
		store:   store,
		pub:     pub,
		dial:    dial,
		log:     log,
		workers: make(map[string]*worker),
		targets: make(map[string]string),
	}
}

// Connect parses the target, creates a session in "connecting" state, and
// starts its worker. Rejects a duplicate active session for the same
// tenant+target.
func (m *Manager) Connect(ctx context.Context, tenant, input string) (*Session, error) {
	target, err := ParseTarget(input)
	if err != nil {
		return nil, err
	}
	targetKey := tenant + "/" + target.Key()

	m.mu.Lock()
	if _, exists := m.targets[targetKey]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		TargetType:  target.Type,
		TargetValue: target.Value,
		Status:      StatusConnecting,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Save(sess); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{
		sessionID: sess.ID,
		tenant:    tenant,
		target:    target,
		store:     m.store,
		pub:       m.pub,
		dial:      m.dial,
		log:       m.log,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.workers[sess.ID] = w
	m.targets[targetKey] = sess.ID
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	go func() {
		defer m.release(w, targetKey)
		w.run(wctx)
	}()

	m.log.Info("session starting",
		"session", sess.ID,
		"tenant", tenant,
		"target_type", string(target.Type),
		"target", target.Value,
	)
	return sess, nil
}

// release removes a finished worker from the indexes, but only if it is
// still the registered one for its session.
func (m *Manager) release(w *worker, targetKey string) {
	m.mu.Lock()
	if cur, ok := m.workers[w.sessionID]; ok && cur == w {
		delete(m.workers, w.sessionID)
	}
	if sid, ok := m.targets[targetKey]; ok && sid == w.sessionID {
		delete(m.targets, targetKey)
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

// Disconnect stops a session's worker (if running) and returns the session.
// Disconnecting an already-stopped session is not an error.
func (m *Manager) Disconnect(tenant, id string) (*Session, error) {
	// Ownership check before touching the worker.
	if _, err := m.store.Get(tenant, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	w, running := m.workers[id]
	m.mu.Unlock()

	if running && w.tenant == tenant {
		w.cancel()
		<-w.done
	}
	return m.store.Get(tenant, id)
}

// Delete disconnects a session if active, then removes it from the store.
func (m *Manager) Delete(tenant, id string) error {
	if _, err := m.Disconnect(tenant, id); err != nil {
		return err
	}
	return m.store.Delete(tenant, id)
}

// Active reports whether a session's worker is currently running.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[id]
	return ok
}

// Shutdown cancels every worker and waits for them to finish. Each worker
// marks its own session disconnected on the way out.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}
