package calls

import "time"

// CallRecord is the durable, carrier-agnostic view of a phone call.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
//
// Provider-specific identifiers live in Provider/ProviderCallID; carrier
// payloads never leak into this model beyond those two columns.
type CallRecord struct {
	CallID      string `json:"call_id" db:"call_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Provider is the carrier adapter name that owns this call.
	Provider       string `json:"provider" db:"provider"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	DurationSeconds int `json:"duration" db:"duration"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	// CostMinor is the carrier-reported cost in minor units, captured from
	// terminal status callbacks when the carrier provides it.
	CostMinor int64  `json:"cost_minor,omitempty" db:"cost_minor"`
	Currency  string `json:"currency,omitempty" db:"currency"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether the status ends the call lifecycle. Terminal
// records are never transitioned again.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	}
	return false
}

// validNext enumerates allowed forward transitions. Carriers can skip
// intermediate states (e.g. queued straight to failed).
var validNext = map[CallStatus]map[CallStatus]bool{
	CallStatusQueued: {
		CallStatusRinging: true, CallStatusInProgress: true,
		CallStatusFailed: true, CallStatusNoAnswer: true, CallStatusBusy: true, CallStatusCanceled: true,
	},
	CallStatusRinging: {
		CallStatusInProgress: true,
		CallStatusFailed:     true, CallStatusNoAnswer: true, CallStatusBusy: true, CallStatusCanceled: true,
	},
	CallStatusInProgress: {
		CallStatusCompleted: true, CallStatusFailed: true, CallStatusCanceled: true,
	},
}

// CanTransition reports whether from -> to is an allowed status change.
// Repeated delivery of the same status is allowed and treated as a no-op
// by the service.
func CanTransition(from, to CallStatus) bool {
	if from == to {
		return true
	}
	return validNext[from][to]
}
