package device

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/liverelay/liverelay/internal/auth"
	"github.com/liverelay/liverelay/internal/httpapi"
	"github.com/liverelay/liverelay/internal/logging"
)

const defaultCommandLimit = 50

// API is the device and host client management surface, plus the internal
// webhook the rule engine and gift worker dispatch commands through.
type API struct {
	store    *Store
	hub      *Hub
	router   *Router
	tokens   *auth.Manager
	tokenTTL time.Duration
	log      *logging.Logger
}

// NewAPI creates the device service's HTTP API. tokenTTL bounds the host
// client JWTs minted at registration.
func NewAPI(store *Store, hub *Hub, router *Router, tokens *auth.Manager, tokenTTL time.Duration, log *logging.Logger) *API {
	return &API{store: store, hub: hub, router: router, tokens: tokens, tokenTTL: tokenTTL, log: log}
}

// Register wires the API routes into mux. auth wraps tenant-facing routes,
// internal wraps the service-to-service webhook, health stays open.
func (a *API) Register(mux *http.ServeMux, auth, internal func(http.Handler) http.Handler) {
	protected := func(h http.HandlerFunc) http.Handler {
		return auth(httpapi.RequireWorkspace(h))
	}

	mux.Handle("POST /api/devices", protected(a.handleCreateDevice))
	mux.Handle("GET /api/devices", protected(a.handleListDevices))
	mux.Handle("GET /api/devices/{id}", protected(a.handleGetDevice))
	mux.Handle("PATCH /api/devices/{id}", protected(a.handleUpdateDevice))
	mux.Handle("DELETE /api/devices/{id}", protected(a.handleDeleteDevice))
	mux.Handle("POST /api/devices/{id}/token", protected(a.handleRotateToken))
	mux.Handle("POST /api/devices/{id}/control", protected(a.handleControl))
	mux.Handle("GET /api/devices/{id}/commands", protected(a.handleCommands))
	mux.Handle("GET /api/devices/{id}/commands/{command_id}", protected(a.handleGetCommand))

	mux.Handle("GET /api/status", protected(a.handleStatus))

	mux.Handle("POST /api/clients", protected(a.handleRegisterClient))
	mux.Handle("GET /api/clients", protected(a.handleListClients))
	mux.Handle("GET /api/clients/{id}", protected(a.handleGetClient))
	mux.Handle("PATCH /api/clients/{id}", protected(a.handleUpdateClient))
	mux.Handle("DELETE /api/clients/{id}", protected(a.handleDeleteClient))

	mux.Handle("POST /api/webhook/device-control",
		internal(http.HandlerFunc(a.handleInternalControl)))

	mux.HandleFunc("GET /health", a.handleHealth)
}

func (a *API) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Name == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "name required")
		return
	}

	d := &Device{
		ID:        uuid.NewString(),
		Tenant:    httpapi.Tenant(r),
		Name:      req.Name,
		Type:      req.Type,
		Status:    StatusOffline,
		CreatedAt: time.Now().UTC(),
	}
	token, err := a.issueToken(d)
	if err != nil {
		a.log.Error("issue device token", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	if err := a.store.SaveDevice(d); err != nil {
		a.log.Error("save device failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to create device")
		return
	}

	// The plaintext token appears in this response and nowhere else.
	httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
		"device": d,
		"token":  token,
	})
}

func (a *API) issueToken(d *Device) (string, error) {
	token, err := auth.NewDeviceToken()
	if err != nil {
		return "", err
	}
	if err := a.store.SaveDeviceToken(d.Tenant, d.ID, auth.HashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.ListDevices(httpapi.Tenant(r))
	if err != nil {
		a.log.Error("list devices failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []Device{}
	}
	httpapi.WriteJSON(w, http.StatusOK, devices)
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.GetDevice(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("get device failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (a *API) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Type     string         `json:"type"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := a.store.UpdateDevice(httpapi.Tenant(r), r.PathValue("id"), func(d *Device) {
		if req.Name != "" {
			d.Name = req.Name
		}
		if req.Type != "" {
			d.Type = req.Type
		}
		if req.Metadata != nil {
			d.Metadata = req.Metadata
		}
	})
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("update device failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (a *API) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteDevice(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("delete device failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.GetDevice(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("get device failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}

	token, err := a.issueToken(d)
	if err != nil {
		a.log.Error("issue device token", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// controlRequest is the body of a control call. Tenant-facing calls carry
// the tenant in the workspace header; the internal webhook carries it in the
// body, since the caller acts on a tenant's behalf rather than as one.
type controlRequest struct {
	Tenant   string         `json:"workspace_id"` // internal webhook only
	DeviceID string         `json:"device_id"`    // internal webhook only
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
	Origin   string         `json:"origin"`
	RuleID   string         `json:"rule_id"`
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Command == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "command required")
		return
	}

	cmd, err := a.router.Dispatch(DispatchRequest{
		Tenant:   httpapi.Tenant(r),
		DeviceID: r.PathValue("id"),
		Command:  req.Command,
		Params:   req.Params,
		Origin:   OriginAPI,
	})
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("dispatch failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to dispatch command")
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, cmd)
}

func (a *API) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultCommandLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpapi.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	cmds, err := a.store.CommandsForDevice(httpapi.Tenant(r), r.PathValue("id"), limit)
	if err != nil {
		a.log.Error("list commands failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []Command{}
	}
	httpapi.WriteJSON(w, http.StatusOK, cmds)
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := a.store.GetCommand(httpapi.Tenant(r), r.PathValue("command_id"))
	if err == nil && cmd.DeviceID != r.PathValue("id") {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		a.log.Error("get command failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, cmd)
}

func (a *API) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Hostname string `json:"hostname"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Name == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "name required")
		return
	}

	clientID, err := auth.NewClientID()
	if err != nil {
		a.log.Error("generate client id", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to register client")
		return
	}
	tenant := httpapi.Tenant(r)

	token, err := a.tokens.MintClientToken(clientID, tenant, a.tokenTTL)
	if err != nil {
		a.log.Error("mint client token", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	hc := &HostClient{
		ID:        clientID,
		Tenant:    tenant,
		Name:      req.Name,
		Hostname:  req.Hostname,
		Status:    StatusOffline,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveClient(hc); err != nil {
		a.log.Error("save client failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to register client")
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
		"client": hc,
		"token":  token,
	})
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.store.ListClients(httpapi.Tenant(r))
	if err != nil {
		a.log.Error("list clients failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	if clients == nil {
		clients = []HostClient{}
	}
	httpapi.WriteJSON(w, http.StatusOK, clients)
}

func (a *API) handleGetClient(w http.ResponseWriter, r *http.Request) {
	hc, err := a.store.GetClient(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		a.log.Error("get client failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to load client")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, hc)
}

func (a *API) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Hostname string         `json:"hostname"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hc, err := a.store.UpdateClient(httpapi.Tenant(r), r.PathValue("id"), func(hc *HostClient) {
		if req.Name != "" {
			hc.Name = req.Name
		}
		if req.Hostname != "" {
			hc.Hostname = req.Hostname
		}
		if req.Metadata != nil {
			hc.Metadata = req.Metadata
		}
	})
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		a.log.Error("update client failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to update client")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, hc)
}

func (a *API) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteClient(httpapi.Tenant(r), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		a.log.Error("delete client failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to delete client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInternalControl is the service-to-service dispatch path used by the
// rule engine and gift worker. It answers with the command's delivery status
// so callers can surface it in their own audit records.
func (a *API) handleInternalControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.Tenant == "" || req.DeviceID == "" || req.Command == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "workspace_id, device_id and command required")
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = OriginRule
	}

	cmd, err := a.router.Dispatch(DispatchRequest{
		Tenant:   req.Tenant,
		DeviceID: req.DeviceID,
		Command:  req.Command,
		Params:   req.Params,
		Origin:   origin,
		RuleID:   req.RuleID,
	})
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.log.Error("internal dispatch failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to dispatch command")
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]string{
		"command_id": cmd.ID,
		"status":     cmd.Status,
	})
}

// handleStatus reports which of the tenant's agents hold a live channel
// right now, as opposed to the stored status which lags by a heartbeat.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := httpapi.Tenant(r)
	devices := a.hub.ConnectedIDs(PeerDevice, tenant)
	clients := a.hub.ConnectedIDs(PeerClient, tenant)
	if devices == nil {
		devices = []string{}
	}
	if clients == nil {
		clients = []string{}
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"connected_devices": devices,
		"connected_clients": clients,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
