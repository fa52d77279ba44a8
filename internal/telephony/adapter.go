package telephony

import (
	"context"
	"errors"
	"fmt"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/ivr"
	"callcenter-platform/internal/media"
)

// CarrierAdapter is the per-carrier boundary. Adapters translate between
// carrier wire formats (REST calls, webhooks, audio codecs) and the unified
// call/audio model.
//
// Rules:
// - No carrier SDK or wire detail outside the adapter.
// - Webhook payloads are never trusted before ValidateWebhookSignature.
// - Adapters hold no call state; the manager and calls service own that.
type CarrierAdapter interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// SetupCall places an outbound call and returns the carrier's identifier.
	SetupCall(ctx context.Context, req CallRequest) (CallResponse, error)

	// Call control, keyed by the carrier's own call id. An adapter returns
	// an error wrapping ErrCallNotFound when it does not recognize the id.
	EndCall(ctx context.Context, providerCallID string) error
	Transfer(ctx context.Context, providerCallID, target string) error
	Hold(ctx context.Context, providerCallID string, hold bool) error
	Mute(ctx context.Context, providerCallID string, mute bool) error
	GetCallStatus(ctx context.Context, providerCallID string) (calls.CallStatus, error)

	// ValidateWebhookSignature checks the carrier's callback signature over
	// the delivered payload. url is the full public callback URL.
	ValidateWebhookSignature(signature, url string, payload []byte) bool

	// HandleWebhook parses a signed callback into a normalized event and
	// the wire response the carrier expects back.
	HandleWebhook(ctx context.Context, eventType string, payload []byte) (WebhookResult, error)

	// Audio translation between the carrier leg and the unified format.
	ConvertAudioFromCarrier(chunk media.AudioChunk) (media.AudioChunk, error)
	ConvertAudioToCarrier(chunk media.AudioChunk) (media.AudioChunk, error)
}

// StepRenderer is implemented by adapters that can express an IVR step in
// their wire format, so inbound calls can be answered by a flow.
// collectURL receives the caller's gathered input.
type StepRenderer interface {
	RenderStep(step ivr.Step, collectURL string) (contentType string, body []byte)
}

// CallRequest describes an outbound call, carrier-agnostic.
type CallRequest struct {
	WorkspaceID string `json:"workspace_id"`

	From string `json:"from"`
	To   string `json:"to"`

	// Provider optionally pins the first adapter to try.
	Provider string `json:"provider,omitempty"`

	// StatusCallbackURL receives the carrier's status webhooks.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	Record bool `json:"record,omitempty"`
}

// CallResponse is the carrier's answer to call setup.
type CallResponse struct {
	Provider       string           `json:"provider"`
	ProviderCallID string           `json:"provider_call_id"`
	Status         calls.CallStatus `json:"status"`
}

// WebhookKind classifies normalized carrier callbacks.
type WebhookKind string

const (
	WebhookStatus    WebhookKind = "status"
	WebhookRecording WebhookKind = "recording"
	WebhookInbound   WebhookKind = "inbound"
)

// WebhookResult is the normalized form of one carrier callback plus the
// response body the carrier expects.
type WebhookResult struct {
	Kind           WebhookKind
	ProviderCallID string

	// Status fields, set when Kind == WebhookStatus.
	Status calls.StatusUpdate

	// RecordingURL, set when Kind == WebhookRecording.
	RecordingURL string

	// Inbound call fields, set when Kind == WebhookInbound.
	From string
	To   string

	// Response is written back to the carrier verbatim.
	ResponseContentType string
	ResponseBody        []byte
}

var (
	// ErrCallNotFound is wrapped by *CallNotFoundError.
	ErrCallNotFound = errors.New("telephony: call not found")

	// ErrBadWebhookSignature is wrapped by *CarrierWebhookSignatureError.
	ErrBadWebhookSignature = errors.New("telephony: webhook signature rejected")
)

// CallNotFoundError is returned when no adapter recognizes a call id.
type CallNotFoundError struct {
	CallID string
}

func (e *CallNotFoundError) Error() string {
	return fmt.Sprintf("telephony: no carrier recognizes call %s", e.CallID)
}

func (e *CallNotFoundError) Unwrap() error { return ErrCallNotFound }

// CarrierWebhookSignatureError is a security failure: the payload must be
// rejected and logged, never processed.
type CarrierWebhookSignatureError struct {
	Carrier string
}

func (e *CarrierWebhookSignatureError) Error() string {
	return fmt.Sprintf("telephony: %s webhook signature rejected", e.Carrier)
}

func (e *CarrierWebhookSignatureError) Unwrap() error { return ErrBadWebhookSignature }
