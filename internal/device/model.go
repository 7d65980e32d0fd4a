// Package device implements the device control service: the registry of
// devices and host clients, the command lifecycle, the WebSocket hub that
// carries commands to agents, and the REST surface on top.
package device

import "time"

// Device statuses. Agents report error when a device is reachable but
// malfunctioning.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

func validStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// Command lifecycle statuses. Transitions only move forward:
// pending -> sent -> completed or failed.
const (
	CmdPending   = "pending"
	CmdSent      = "sent"
	CmdCompleted = "completed"
	CmdFailed    = "failed"
)

// Command origins.
const (
	OriginRule = "rule"
	OriginAPI  = "api"
	OriginGift = "gift"
)

// Device is a controllable endpoint owned by a tenant. It either holds its
// own agent connection or is reached through the host client that manages it.
type Device struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"workspace_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	ClientID  string         `json:"client_id,omitempty"` // managing host client, if any
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LastSeen  time.Time      `json:"last_seen,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HostClient is a bridge process that manages devices on a host and relays
// commands to them over its own WebSocket channel.
type HostClient struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"workspace_id"`
	Name      string    `json:"name"`
	Hostname  string         `json:"hostname,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LastSeen  time.Time      `json:"last_seen,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Command is one device instruction moving through the delivery pipeline.
type Command struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"workspace_id"`
	DeviceID    string         `json:"device_id"`
	Command     string         `json:"command"`
	Params      map[string]any `json:"params,omitempty"`
	Origin      string         `json:"origin"`
	RuleID      string         `json:"rule_id,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"` // agent-reported outcome payload
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
