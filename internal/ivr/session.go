package ivr

import "time"

// SessionStatus is the IVR session lifecycle state.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// Exit reasons for completed sessions.
const (
	ExitTransfer  = "transfer"
	ExitVoicemail = "voicemail"
	ExitEndCall   = "end_call"
	ExitError     = "error"
)

// NodeVisit is one append-only node_history entry.
type NodeVisit struct {
	NodeID    string    `json:"node_id"`
	EnteredAt time.Time `json:"entered_at"`
}

// InputRecord is one caller input, valid or not.
type InputRecord struct {
	NodeID string    `json:"node_id"`
	Input  string    `json:"input"`
	Valid  bool      `json:"valid"`
	At     time.Time `json:"at"`
}

// Session is one call's execution of a flow. FlowID and FlowVersion are
// immutable for the session's lifetime.
type Session struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	CallID      string `json:"call_id"`
	FlowID      string `json:"flow_id"`
	FlowVersion int    `json:"flow_version"`

	CurrentNodeID string            `json:"current_node_id"`
	Variables     map[string]string `json:"variables"`
	NodeHistory   []NodeVisit       `json:"node_history"`
	InputHistory  []InputRecord     `json:"input_history"`

	// Retries counts invalid inputs or timeouts at the current node.
	Retries int `json:"retries"`

	// WebhooksExecuted records non-idempotent webhook nodes that already
	// ran, so a replayed session never re-fires them.
	WebhooksExecuted map[string]bool `json:"webhooks_executed,omitempty"`

	Status     SessionStatus `json:"status"`
	ExitReason string        `json:"exit_reason,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
