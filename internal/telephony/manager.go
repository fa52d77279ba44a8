package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"callcenter-platform/internal/calls"
	"callcenter-platform/pkg/utils"
)

var (
	ErrNoCarrierConfigured = errors.New("telephony: no carrier configured")

	// ErrConcurrencyCapExceeded rejects call setup when the workspace is at
	// its concurrent-call limit.
	ErrConcurrencyCapExceeded = errors.New("telephony: concurrent call cap exceeded")
)

// AllCarriersFailedError aggregates the per-carrier setup failures when
// every adapter in the failover order rejected the call.
type AllCarriersFailedError struct {
	Attempts []CarrierAttempt
}

type CarrierAttempt struct {
	Carrier string
	Err     error
}

func (e *AllCarriersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Carrier, a.Err))
	}
	return "telephony: all carriers failed: " + strings.Join(parts, "; ")
}

// CapConfig bounds concurrent calls per workspace through redis.
type CapConfig struct {
	// CallbackBaseURL is this service's externally reachable base URL.
	// Outbound requests that do not name their own status callback get
	// <CallbackBaseURL>/webhooks/<carrier>, so carriers report progress
	// and the cap slot is freed when the call terminates.
	CallbackBaseURL string

	MaxConcurrentCalls int
	// TTL guards against leaked slots on process crash; refreshed on
	// acquire.
	TTL time.Duration
}

// Manager fans outbound call setup across carriers in failover order and
// routes control and webhook traffic to the adapter that owns a call.
type Manager struct {
	adapters []CarrierAdapter
	calls    *calls.Service
	rdb      *redis.Client
	caps     CapConfig
	log      *slog.Logger

	release func(ctx context.Context, workspaceID string)
}

// NewManager takes adapters in preference order: primary first, then
// fallbacks. rdb may be nil, which disables concurrency caps.
func NewManager(adapters []CarrierAdapter, callSvc *calls.Service, rdb *redis.Client, caps CapConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if caps.TTL <= 0 {
		caps.TTL = 4 * time.Hour
	}
	m := &Manager{adapters: adapters, calls: callSvc, rdb: rdb, caps: caps, log: log}
	m.release = m.releaseCap
	return m
}

// Carriers returns the configured adapter names in failover order.
func (m *Manager) Carriers() []string {
	out := make([]string, len(m.adapters))
	for i, a := range m.adapters {
		out[i] = a.Name()
	}
	return out
}

// Adapter returns the configured adapter for a carrier name.
func (m *Manager) Adapter(name string) (CarrierAdapter, bool) {
	return m.adapter(name)
}

func (m *Manager) adapter(name string) (CarrierAdapter, bool) {
	for _, a := range m.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// order returns the adapters to try, honoring an explicit provider hint by
// moving it to the front.
func (m *Manager) order(hint string) []CarrierAdapter {
	if hint == "" {
		return m.adapters
	}
	out := make([]CarrierAdapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		if a.Name() == hint {
			out = append(out, a)
		}
	}
	for _, a := range m.adapters {
		if a.Name() != hint {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) capKey(workspaceID string) string {
	return "telephony:cap:" + workspaceID
}

// MakeCall places an outbound call, trying carriers in order and returning
// on the first success. The resulting record names the carrier that
// ultimately served the request. When every carrier fails the per-carrier
// errors are aggregated into one failure.
func (m *Manager) MakeCall(ctx context.Context, req CallRequest) (calls.CallRecord, error) {
	if len(m.adapters) == 0 {
		return calls.CallRecord{}, ErrNoCarrierConfigured
	}
	if req.WorkspaceID == "" || req.From == "" || req.To == "" {
		return calls.CallRecord{}, calls.ErrInvalidArgument
	}

	if m.rdb != nil && m.caps.MaxConcurrentCalls > 0 {
		ok, err := utils.AcquireConcurrencyCap(ctx, m.rdb, m.capKey(req.WorkspaceID), m.caps.MaxConcurrentCalls, m.caps.TTL)
		if err != nil {
			return calls.CallRecord{}, fmt.Errorf("telephony: concurrency cap: %w", err)
		}
		if !ok {
			return calls.CallRecord{}, ErrConcurrencyCapExceeded
		}
	}

	var attempts []CarrierAttempt
	for _, a := range m.order(req.Provider) {
		attempt := req
		if attempt.StatusCallbackURL == "" && m.caps.CallbackBaseURL != "" {
			attempt.StatusCallbackURL = strings.TrimRight(m.caps.CallbackBaseURL, "/") + "/webhooks/" + a.Name()
		}
		resp, err := a.SetupCall(ctx, attempt)
		if err != nil {
			m.log.Warn("carrier setup failed", "carrier", a.Name(), "workspace", req.WorkspaceID, "err", err)
			attempts = append(attempts, CarrierAttempt{Carrier: a.Name(), Err: err})
			continue
		}

		rec, err := m.calls.Create(ctx, calls.CreateParams{
			WorkspaceID:    req.WorkspaceID,
			Provider:       resp.Provider,
			ProviderCallID: resp.ProviderCallID,
			Direction:      calls.DirectionOutbound,
			From:           req.From,
			To:             req.To,
		})
		if err != nil {
			m.release(ctx, req.WorkspaceID)
			return calls.CallRecord{}, err
		}
		m.log.Info("call placed", "call", rec.CallID, "carrier", resp.Provider, "attempts", len(attempts)+1)
		return rec, nil
	}

	m.release(ctx, req.WorkspaceID)
	return calls.CallRecord{}, &AllCarriersFailedError{Attempts: attempts}
}

func (m *Manager) releaseCap(ctx context.Context, workspaceID string) {
	if m.rdb == nil || m.caps.MaxConcurrentCalls <= 0 {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, m.rdb, m.capKey(workspaceID)); err != nil {
		m.log.Warn("concurrency cap release failed", "workspace", workspaceID, "err", err)
	}
}

// owner resolves the adapter that owns a call. The stored record is
// authoritative; when the record is missing or names an unknown carrier the
// adapters are probed in order until one recognizes the provider call id.
func (m *Manager) owner(ctx context.Context, workspaceID, callID string) (CarrierAdapter, calls.CallRecord, error) {
	rec, err := m.calls.Get(ctx, workspaceID, callID)
	if err == nil {
		if a, ok := m.adapter(rec.Provider); ok {
			return a, rec, nil
		}
	} else if !errors.Is(err, calls.ErrNotFound) {
		return nil, calls.CallRecord{}, err
	}

	for _, a := range m.adapters {
		if _, err := a.GetCallStatus(ctx, callID); err == nil {
			return a, calls.CallRecord{CallID: callID, ProviderCallID: callID, Provider: a.Name()}, nil
		} else if !errors.Is(err, ErrCallNotFound) {
			m.log.Warn("carrier probe failed", "carrier", a.Name(), "call", callID, "err", err)
		}
	}
	return nil, calls.CallRecord{}, &CallNotFoundError{CallID: callID}
}

func (m *Manager) GetCallStatus(ctx context.Context, workspaceID, callID string) (calls.CallStatus, error) {
	a, rec, err := m.owner(ctx, workspaceID, callID)
	if err != nil {
		return "", err
	}
	return a.GetCallStatus(ctx, rec.ProviderCallID)
}

func (m *Manager) EndCall(ctx context.Context, workspaceID, callID string) error {
	a, rec, err := m.owner(ctx, workspaceID, callID)
	if err != nil {
		return err
	}
	return a.EndCall(ctx, rec.ProviderCallID)
}

func (m *Manager) Transfer(ctx context.Context, workspaceID, callID, target string) error {
	if target == "" {
		return calls.ErrInvalidArgument
	}
	a, rec, err := m.owner(ctx, workspaceID, callID)
	if err != nil {
		return err
	}
	return a.Transfer(ctx, rec.ProviderCallID, target)
}

func (m *Manager) Hold(ctx context.Context, workspaceID, callID string, hold bool) error {
	a, rec, err := m.owner(ctx, workspaceID, callID)
	if err != nil {
		return err
	}
	return a.Hold(ctx, rec.ProviderCallID, hold)
}

func (m *Manager) Mute(ctx context.Context, workspaceID, callID string, mute bool) error {
	a, rec, err := m.owner(ctx, workspaceID, callID)
	if err != nil {
		return err
	}
	return a.Mute(ctx, rec.ProviderCallID, mute)
}

// HandleWebhook validates and applies one carrier callback. Signature
// validation happens before the payload is parsed; an unsigned or
// mis-signed callback is rejected and logged, never processed.
func (m *Manager) HandleWebhook(ctx context.Context, carrier, signature, callbackURL, eventType string, payload []byte) (WebhookResult, error) {
	a, ok := m.adapter(carrier)
	if !ok {
		return WebhookResult{}, fmt.Errorf("telephony: unknown carrier %q", carrier)
	}
	if !a.ValidateWebhookSignature(signature, callbackURL, payload) {
		m.log.Error("webhook signature rejected", "carrier", carrier, "url", callbackURL)
		return WebhookResult{}, &CarrierWebhookSignatureError{Carrier: carrier}
	}

	res, err := a.HandleWebhook(ctx, eventType, payload)
	if err != nil {
		return WebhookResult{}, err
	}

	switch res.Kind {
	case WebhookStatus:
		rec, err := m.calls.ApplyStatus(ctx, carrier, res.ProviderCallID, res.Status)
		if err != nil {
			return WebhookResult{}, err
		}
		// Only outbound calls acquire a cap slot on setup; releasing on an
		// inbound terminal would free a slot some other call still holds.
		if rec.Status.IsTerminal() && rec.Direction == calls.DirectionOutbound {
			m.release(ctx, rec.WorkspaceID)
		}
	case WebhookRecording:
		if _, err := m.calls.AttachRecording(ctx, carrier, res.ProviderCallID, res.RecordingURL); err != nil {
			return WebhookResult{}, err
		}
	case WebhookInbound:
		// Inbound records need the workspace owning the dialed number; the
		// HTTP layer resolves it and calls RegisterInbound.
	}
	return res, nil
}

// RegisterInbound creates the record for an inbound call once the HTTP
// layer has resolved the owning workspace from the dialed number.
func (m *Manager) RegisterInbound(ctx context.Context, workspaceID, carrier string, res WebhookResult) (calls.CallRecord, error) {
	if res.Kind != WebhookInbound {
		return calls.CallRecord{}, fmt.Errorf("telephony: not an inbound event: %s", res.Kind)
	}
	return m.calls.Create(ctx, calls.CreateParams{
		WorkspaceID:    workspaceID,
		Provider:       carrier,
		ProviderCallID: res.ProviderCallID,
		Direction:      calls.DirectionInbound,
		From:           res.From,
		To:             res.To,
	})
}
