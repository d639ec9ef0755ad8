// Package proto defines the control-plane wire protocol spoken between the
// hub and its two peer roles: admin consoles and shell-hosting agent nodes.
// All frames are JSON text messages with a single flat envelope; the Type
// field selects which other fields are meaningful.
package proto

import "time"

// Message types originated by agent nodes.
const (
	TypeAgentRegister     = "agent_register"
	TypeHeartbeat         = "heartbeat"
	TypeSessionUpdate     = "session_update"
	TypeBlockConfirmation = "block_confirmation"
	TypeUnblockRequest    = "unblock_request"
)

// Message types originated by the hub.
const (
	TypeRegistrationConfirmed = "registration_confirmed"
	TypeEmergencyBlock        = "emergency_block"
	TypeUnblockSession        = "unblock_session" // also an admin request type
	TypeStatus                = "status"
	TypeBlockHistory          = "block_history"
	TypeBlockUpdate           = "block_update"
	TypeError                 = "error"
)

// Message types originated by admin peers.
const (
	TypeBlockAllSessions = "block_all_sessions"
	TypeBlockSession     = "block_session"
	TypeGetStatus        = "get_status"
	TypeGetBlockHistory  = "get_block_history"
)

// Block command kinds.
const (
	BlockKindAdmin     = "admin"
	BlockKindAuto      = "auto"
	BlockKindEmergency = "emergency"
)

// Message is the flat control-plane envelope. Fields not used by a given
// type are omitted from the wire.
type Message struct {
	Type string `json:"type"`

	// agent_register / registration_confirmed / heartbeat
	AgentID      string   `json:"agent_id,omitempty"`
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"` // unix milliseconds

	// session_update
	Session *SessionState `json:"session,omitempty"`

	// emergency_block / block_confirmation / block_update
	BlockID           string   `json:"block_id,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	Text              string   `json:"message,omitempty"`
	Action            string   `json:"action,omitempty"`
	AffectedSessions  []string `json:"affected_sessions,omitempty"`
	ConfirmedSessions []string `json:"confirmed_sessions,omitempty"`

	// block_session / unblock_session / unblock_request / block_all_sessions
	SessionID  string `json:"session_id,omitempty"`
	AdminUser  string `json:"admin_user,omitempty"`
	UserAction string `json:"user_action,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// expiry for admin block requests (optional)
	ExpiresInMS int64 `json:"expires_in_ms,omitempty"`

	// status / block_history / error replies
	Status  *StatusSnapshot `json:"status,omitempty"`
	History []BlockCommand  `json:"history,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionState is one mirrored session as reported by its owning node.
// Status "closed" removes the entry from the hub's mirror.
type SessionState struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id,omitempty"`
	User       string    `json:"user,omitempty"`
	Addr       string    `json:"addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Status     string    `json:"status"`
}

// BlockCommand is a recorded administrative block directive. The affected
// set is resolved from the session mirror at issue time; sessions created
// afterwards are unaffected.
type BlockCommand struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Reason    string     `json:"reason"`
	IssuedBy  string     `json:"issued_by"`
	Affected  []string   `json:"affected_sessions"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Retired   bool       `json:"retired"`
}

// NodeStatus is one registered agent node in a status snapshot.
type NodeStatus struct {
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SessionCount  int       `json:"session_count"`
}

// StatusSnapshot answers an admin get_status request.
type StatusSnapshot struct {
	Nodes        []NodeStatus   `json:"nodes"`
	Sessions     []SessionState `json:"sessions"`
	ActiveBlocks []BlockCommand `json:"active_blocks"`
}
