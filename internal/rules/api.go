package rules

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/liverelay/liverelay/internal/events"
	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/logging"
)

// Execution listing bounds.
const (
	defaultExecLimit = 50
	maxExecLimit     = 500
)

// Pinger is the broker subset the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API is the rule management surface.
type API struct {
	store  *Store
	pinger Pinger
	log    *logging.Logger
}

// NewAPI creates the rule engine's HTTP API.
func NewAPI(store *Store, pinger Pinger, log *logging.Logger) *API {
	return &API{store: store, pinger: pinger, log: log}
}

// Register wires the API routes into mux. auth wraps every tenant-facing
// route; health stays open for probes.
func (a *API) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	protected := func(h http.HandlerFunc) http.Handler {
		return auth(httpapi.RequireWorkspace(h))
	}

	mux.Handle("POST /api/rules", protected(a.handleCreate))
	mux.Handle("GET /api/rules", protected(a.handleList))
	mux.Handle("GET /api/rules/{id}", protected(a.handleGet))
	mux.Handle("PUT /api/rules/{id}", protected(a.handleUpdate))
	mux.Handle("PATCH /api/rules/{id}/toggle", protected(a.handleToggle))
	mux.Handle("DELETE /api/rules/{id}", protected(a.handleDelete))
	mux.Handle("GET /api/executions", protected(a.handleExecutions))
	mux.HandleFunc("GET /health", a.handleHealth)
}

// ruleRequest is the create/update payload. Enabled is a pointer so an
// omitted field defaults to true instead of false.
type ruleRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	EventKind   string      `json:"event_type"`
	Enabled     *bool       `json:"enabled"`
	Logic       string      `json:"condition_logic"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	Sessions    []string    `json:"session_filter"`
	CooldownSec int         `json:"cooldown_seconds"`
}

func (req *ruleRequest) apply(r *Rule) {
	r.Name = req.Name
	r.Description = req.Description
	r.EventKind = events.Kind(req.EventKind)
	r.Logic = req.Logic
	r.Conditions = req.Conditions
	r.Actions = req.Actions
	r.Sessions = req.Sessions
	r.CooldownSec = req.CooldownSec
	if req.Enabled != nil {
		r.Enabled = *req.Enabled
	}
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rule := &Rule{
		ID:        uuid.NewString(),
		Tenant:    httpapi.Tenant(r),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	req.apply(rule)

	if err := rule.Validate(); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.SaveRule(rule); err != nil {
		a.log.Error("save rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, rule)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		enabled = &v
	}
	kind := events.Kind(r.URL.Query().Get("event_type"))

	rules, err := a.store.ListRules(httpapi.Tenant(r))
	if err != nil {
		a.log.Error("list rules failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	filtered := []Rule{}
	for _, rule := range rules {
		if kind != "" && rule.EventKind != kind {
			continue
		}
		if enabled != nil && rule.Enabled != *enabled {
			continue
		}
		filtered = append(filtered, rule)
	}
	httpapi.WriteJSON(w, http.StatusOK, filtered)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRule(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		a.log.Error("get rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rule)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRule(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		a.log.Error("get rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}

	var req ruleRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.apply(rule)

	if err := rule.Validate(); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.SaveRule(rule); err != nil {
		a.log.Error("save rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rule)
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRule(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		a.log.Error("get rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}

	rule.Enabled = !rule.Enabled
	if err := a.store.SaveRule(rule); err != nil {
		a.log.Error("save rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rule)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteRule(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		a.log.Error("delete rule failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpapi.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxExecLimit)
	}

	execs, err := a.store.ListExecutions(httpapi.Tenant(r), r.URL.Query().Get("rule_id"), limit)
	if err != nil {
		a.log.Error("list executions failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []Execution{}
	}
	httpapi.WriteJSON(w, http.StatusOK, execs)
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
