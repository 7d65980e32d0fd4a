package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/logging"
)

// Pinger is the broker subset the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API is the livestream control surface.
type API struct {
	store  *Store
	mgr    *Manager
	pinger Pinger
	log    *logging.Logger
}

// NewAPI creates the ingestor's HTTP API.
func NewAPI(store *Store, mgr *Manager, pinger Pinger, log *logging.Logger) *API {
	return &API{store: store, mgr: mgr, pinger: pinger, log: log}
}

// Register wires the API routes into mux. auth wraps every tenant-facing
// route; health stays open for probes.
func (a *API) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	protected := func(h http.HandlerFunc) http.Handler {
		return auth(httpapi.RequireWorkspace(h))
	}

	mux.Handle("POST /api/livestreams/connect", protected(a.handleConnect))
	mux.Handle("POST /api/livestreams/{id}/disconnect", protected(a.handleDisconnect))
	mux.Handle("GET /api/livestreams", protected(a.handleList))
	mux.Handle("GET /api/livestreams/{id}", protected(a.handleGet))
	mux.Handle("DELETE /api/livestreams/{id}", protected(a.handleDelete))
	mux.HandleFunc("GET /health", a.handleHealth)
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Target == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "target required")
		return
	}

	sess, err := a.mgr.Connect(r.Context(), httpapi.Tenant(r), req.Target)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		httpapi.WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, sess)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sess, err := a.mgr.Disconnect(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("disconnect failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, sess)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.List(httpapi.Tenant(r))
	if err != nil {
		a.log.Error("list sessions failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	httpapi.WriteJSON(w, http.StatusOK, sessions)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := a.store.Get(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("get session failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, sess)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := a.mgr.Delete(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("delete session failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.pinger.Ping(ctx); err != nil {
		httpapi.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"broker": err.Error(),
		})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
