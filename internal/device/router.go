package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liverelay/liverelay/internal/logging"
	"github.com/liverelay/liverelay/internal/metrics"
)

// commandFrame is the wire form of a command pushed to an agent.
type commandFrame struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}

// Router owns the command lifecycle: it persists every command before
// attempting delivery, routes frames through the hub, and replays what was
// queued while an agent was offline.
type Router struct {
	store *Store
	hub   *Hub
	log   *logging.Logger
}

// NewRouter creates a command router.
func NewRouter(store *Store, hub *Hub, log *logging.Logger) *Router {
	return &Router{store: store, hub: hub, log: log}
}

// DispatchRequest describes one command to route.
type DispatchRequest struct {
	Tenant   string
	DeviceID string
	Command  string
	Params   map[string]any
	Origin   string
	RuleID   string
}

// Dispatch persists a command and tries to deliver it immediately. An
// unreachable agent is not an error: the command stays pending and is
// replayed on reconnect.
func (r *Router) Dispatch(req DispatchRequest) (*Command, error) {
	device, err := r.store.GetDevice(req.Tenant, req.DeviceID)
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		Tenant:    req.Tenant,
		DeviceID:  req.DeviceID,
		Command:   req.Command,
		Params:    req.Params,
		Origin:    req.Origin,
		RuleID:    req.RuleID,
		Status:    CmdPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveCommand(cmd); err != nil {
		return nil, fmt.Errorf("save command: %w", err)
	}

	if r.deliver(device, cmd) {
		cmd.Status = CmdSent
	}
	metrics.CommandsDispatched.WithLabelValues(cmd.Status).Inc()
	return cmd, nil
}

// deliver pushes the command frame to the device's own agent, falling back
// to the host client that manages it. Returns true when the frame was queued
// and the command marked sent.
func (r *Router) deliver(device *Device, cmd *Command) bool {
	frame, err := json.Marshal(commandFrame{
		Type:     "command",
		ID:       cmd.ID,
		DeviceID: cmd.DeviceID,
		Command:  cmd.Command,
		Params:   cmd.Params,
	})
	if err != nil {
		r.log.Error("marshal command frame", "command", cmd.ID, "error", err)
		return false
	}

	kind, peerID := PeerDevice, device.ID
	err = r.hub.Send(kind, device.Tenant, peerID, frame)
	if errors.Is(err, ErrNotConnected) && device.ClientID != "" {
		kind, peerID = PeerClient, device.ClientID
		err = r.hub.Send(kind, device.Tenant, peerID, frame)
	}
	if errors.Is(err, ErrSendBuffer) {
		// A peer that stopped draining its buffer is dead. Drop the
		// connection so the next reconnect replays the pending command.
		r.hub.Drop(kind, device.Tenant, peerID)
		r.log.Warn("dropped unresponsive agent", "peer", peerID, "tenant", device.Tenant)
	}
	if err != nil {
		r.log.Info("command queued for offline device",
			"command", cmd.ID,
			"device", device.ID,
			"tenant", device.Tenant,
		)
		return false
	}

	if err := r.store.MarkSent(cmd.Tenant, cmd.ID); err != nil {
		r.log.Error("mark command sent", "command", cmd.ID, "error", err)
	}
	return true
}

// ReplayDevice pushes a reconnected device agent's pending commands in
// creation order.
func (r *Router) ReplayDevice(tenant, deviceID string) {
	pending, err := r.store.PendingForDevice(tenant, deviceID)
	if err != nil {
		r.log.Error("load pending commands", "device", deviceID, "error", err)
		return
	}
	r.replay(tenant, PeerDevice, deviceID, pending)
}

// ReplayClient pushes the pending commands of every device a reconnected
// host client manages, in creation order.
func (r *Router) ReplayClient(tenant, clientID string) {
	pending, err := r.store.PendingForClient(tenant, clientID)
	if err != nil {
		r.log.Error("load pending commands", "client", clientID, "error", err)
		return
	}
	r.replay(tenant, PeerClient, clientID, pending)
}

func (r *Router) replay(tenant, kind, peerID string, pending []Command) {
	for i := range pending {
		cmd := &pending[i]
		frame, err := json.Marshal(commandFrame{
			Type:     "command",
			ID:       cmd.ID,
			DeviceID: cmd.DeviceID,
			Command:  cmd.Command,
			Params:   cmd.Params,
		})
		if err != nil {
			continue
		}
		if err := r.hub.Send(kind, tenant, peerID, frame); err != nil {
			// Peer vanished or backed up mid-replay; the rest stays
			// pending for the next reconnect.
			if errors.Is(err, ErrSendBuffer) {
				r.hub.Drop(kind, tenant, peerID)
			}
			r.log.Info("replay interrupted", "peer", peerID, "error", err)
			return
		}
		if err := r.store.MarkSent(tenant, cmd.ID); err != nil {
			r.log.Error("mark replayed command sent", "command", cmd.ID, "error", err)
		}
		metrics.CommandsDispatched.WithLabelValues(CmdSent).Inc()
	}
	if len(pending) > 0 {
		r.log.Info("replayed pending commands", "peer", peerID, "count", len(pending))
	}
}

// HandleResult records an agent's command outcome, including any result
// payload the agent attached. Results for unknown or already-final commands
// are logged and dropped, agents may retry reports.
func (r *Router) HandleResult(tenant, commandID string, success bool, reason string, result map[string]any) {
	var err error
	if success {
		err = r.store.MarkCompleted(tenant, commandID, result)
		metrics.CommandsDispatched.WithLabelValues(CmdCompleted).Inc()
	} else {
		err = r.store.MarkFailed(tenant, commandID, reason)
		metrics.CommandsDispatched.WithLabelValues(CmdFailed).Inc()
	}
	if err != nil {
		r.log.Info("dropped command result",
			"command", commandID,
			"tenant", tenant,
			"success", success,
			"error", err,
		)
	}
}
