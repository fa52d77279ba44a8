package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/media"
)

// fakeAdapter is a scriptable CarrierAdapter.
type fakeAdapter struct {
	name string

	setupErr  error
	setups    int
	lastSetup CallRequest
	nextSid   string
	owns      map[string]calls.CallStatus
	ended     []string
	transfers map[string]string
	sigOK     bool
	webhook   WebhookResult
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:      name,
		nextSid:   name + "-call-1",
		owns:      map[string]calls.CallStatus{},
		transfers: map[string]string{},
		sigOK:     true,
	}
}

func (f *fakeAdapter) Name() string                            { return f.name }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error   { return nil }

func (f *fakeAdapter) SetupCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	f.setups++
	f.lastSetup = req
	if f.setupErr != nil {
		return CallResponse{}, f.setupErr
	}
	f.owns[f.nextSid] = calls.CallStatusQueued
	return CallResponse{Provider: f.name, ProviderCallID: f.nextSid, Status: calls.CallStatusQueued}, nil
}

func (f *fakeAdapter) EndCall(ctx context.Context, id string) error {
	if _, ok := f.owns[id]; !ok {
		return fmt.Errorf("%s: %w", f.name, ErrCallNotFound)
	}
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeAdapter) Transfer(ctx context.Context, id, target string) error {
	if _, ok := f.owns[id]; !ok {
		return fmt.Errorf("%s: %w", f.name, ErrCallNotFound)
	}
	f.transfers[id] = target
	return nil
}

func (f *fakeAdapter) Hold(ctx context.Context, id string, hold bool) error {
	if _, ok := f.owns[id]; !ok {
		return fmt.Errorf("%s: %w", f.name, ErrCallNotFound)
	}
	return nil
}

func (f *fakeAdapter) Mute(ctx context.Context, id string, mute bool) error {
	if _, ok := f.owns[id]; !ok {
		return fmt.Errorf("%s: %w", f.name, ErrCallNotFound)
	}
	return nil
}

func (f *fakeAdapter) GetCallStatus(ctx context.Context, id string) (calls.CallStatus, error) {
	st, ok := f.owns[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", f.name, ErrCallNotFound)
	}
	return st, nil
}

func (f *fakeAdapter) ValidateWebhookSignature(signature, url string, payload []byte) bool {
	return f.sigOK
}

func (f *fakeAdapter) HandleWebhook(ctx context.Context, eventType string, payload []byte) (WebhookResult, error) {
	return f.webhook, nil
}

func (f *fakeAdapter) ConvertAudioFromCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	return chunk, nil
}

func (f *fakeAdapter) ConvertAudioToCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	return chunk, nil
}

func newTestManager(adapters ...CarrierAdapter) (*Manager, *calls.Service) {
	svc := calls.NewService(calls.NewMemoryRepository(), nil, nil)
	return NewManager(adapters, svc, nil, CapConfig{}, nil), svc
}

func outboundReq() CallRequest {
	return CallRequest{WorkspaceID: "ws-1", From: "+15550100", To: "+15550200"}
}

func TestManager_MakeCallPrimarySucceeds(t *testing.T) {
	primary := newFakeAdapter("twilio")
	fallback := newFakeAdapter("telnyx")
	m, _ := newTestManager(primary, fallback)

	rec, err := m.MakeCall(context.Background(), outboundReq())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}
	if rec.Provider != "twilio" {
		t.Fatalf("expected primary to serve, got %s", rec.Provider)
	}
	if fallback.setups != 0 {
		t.Fatalf("fallback must not be tried when primary succeeds")
	}
}

func TestManager_MakeCallFailsOverToSecondFallback(t *testing.T) {
	primary := newFakeAdapter("twilio")
	primary.setupErr = errors.New("rate limited")
	first := newFakeAdapter("telnyx")
	first.setupErr = errors.New("connection refused")
	second := newFakeAdapter("vonage")
	m, _ := newTestManager(primary, first, second)

	rec, err := m.MakeCall(context.Background(), outboundReq())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}
	if rec.Provider != "vonage" {
		t.Fatalf("expected second fallback to serve, got %s", rec.Provider)
	}
	if primary.setups != 1 || first.setups != 1 || second.setups != 1 {
		t.Fatalf("expected each carrier tried once: %d %d %d", primary.setups, first.setups, second.setups)
	}
}

func TestManager_MakeCallAggregatesAllFailures(t *testing.T) {
	a := newFakeAdapter("twilio")
	a.setupErr = errors.New("rate limited")
	b := newFakeAdapter("telnyx")
	b.setupErr = errors.New("auth failed")
	m, _ := newTestManager(a, b)

	_, err := m.MakeCall(context.Background(), outboundReq())
	var agg *AllCarriersFailedError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AllCarriersFailedError, got %v", err)
	}
	if len(agg.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(agg.Attempts))
	}
	msg := agg.Error()
	if !strings.Contains(msg, "twilio: rate limited") || !strings.Contains(msg, "telnyx: auth failed") {
		t.Fatalf("aggregated message incomplete: %s", msg)
	}
}

func TestManager_MakeCallHonorsProviderHint(t *testing.T) {
	primary := newFakeAdapter("twilio")
	hinted := newFakeAdapter("telnyx")
	m, _ := newTestManager(primary, hinted)

	req := outboundReq()
	req.Provider = "telnyx"
	rec, err := m.MakeCall(context.Background(), req)
	if err != nil {
		t.Fatalf("make call: %v", err)
	}
	if rec.Provider != "telnyx" {
		t.Fatalf("expected hinted carrier, got %s", rec.Provider)
	}
	if primary.setups != 0 {
		t.Fatalf("primary must not be tried before the hinted carrier succeeds")
	}
}

func TestManager_ControlOpsRouteToOwner(t *testing.T) {
	primary := newFakeAdapter("twilio")
	fallback := newFakeAdapter("telnyx")
	m, _ := newTestManager(primary, fallback)

	req := outboundReq()
	req.Provider = "telnyx"
	rec, err := m.MakeCall(context.Background(), req)
	if err != nil {
		t.Fatalf("make call: %v", err)
	}

	if err := m.EndCall(context.Background(), "ws-1", rec.CallID); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if len(fallback.ended) != 1 || fallback.ended[0] != rec.ProviderCallID {
		t.Fatalf("end call not routed to owner: %v", fallback.ended)
	}
	if len(primary.ended) != 0 {
		t.Fatalf("non-owner must not be called")
	}

	if err := m.Transfer(context.Background(), "ws-1", rec.CallID, "+15550300"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if fallback.transfers[rec.ProviderCallID] != "+15550300" {
		t.Fatalf("transfer not routed to owner")
	}
}

func TestManager_OwnerProbingFallsBackToAdapters(t *testing.T) {
	// No stored record: the manager probes adapters in order until one
	// recognizes the carrier call id.
	a := newFakeAdapter("twilio")
	b := newFakeAdapter("telnyx")
	b.owns["telnyx-legacy"] = calls.CallStatusInProgress
	m, _ := newTestManager(a, b)

	st, err := m.GetCallStatus(context.Background(), "ws-1", "telnyx-legacy")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st != calls.CallStatusInProgress {
		t.Fatalf("expected in_progress, got %s", st)
	}
}

func TestManager_UnknownCallReturnsCallNotFound(t *testing.T) {
	m, _ := newTestManager(newFakeAdapter("twilio"), newFakeAdapter("telnyx"))

	err := m.EndCall(context.Background(), "ws-1", "no-such-call")
	var nf *CallNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected CallNotFoundError, got %v", err)
	}
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound sentinel")
	}
}

func TestManager_WebhookSignatureRejected(t *testing.T) {
	a := newFakeAdapter("twilio")
	a.sigOK = false
	m, _ := newTestManager(a)

	_, err := m.HandleWebhook(context.Background(), "twilio", "bad-sig", "https://api/webhooks/twilio", "", []byte("CallSid=CA1"))
	var sigErr *CarrierWebhookSignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected CarrierWebhookSignatureError, got %v", err)
	}
	if !errors.Is(err, ErrBadWebhookSignature) {
		t.Fatalf("expected ErrBadWebhookSignature sentinel")
	}
}

func TestManager_WebhookStatusApplied(t *testing.T) {
	a := newFakeAdapter("twilio")
	m, svc := newTestManager(a)

	rec, err := m.MakeCall(context.Background(), outboundReq())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}

	a.webhook = WebhookResult{
		Kind:           WebhookStatus,
		ProviderCallID: rec.ProviderCallID,
		Status:         calls.StatusUpdate{Status: calls.CallStatusRinging},
	}
	if _, err := m.HandleWebhook(context.Background(), "twilio", "sig", "url", "", nil); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	got, err := svc.Get(context.Background(), "ws-1", rec.CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != calls.CallStatusRinging {
		t.Fatalf("status not applied, got %s", got.Status)
	}
}

func TestManager_WebhookRecordingAttached(t *testing.T) {
	a := newFakeAdapter("twilio")
	m, svc := newTestManager(a)

	rec, err := m.MakeCall(context.Background(), outboundReq())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}

	a.webhook = WebhookResult{
		Kind:           WebhookRecording,
		ProviderCallID: rec.ProviderCallID,
		RecordingURL:   "https://recordings/x.wav",
	}
	if _, err := m.HandleWebhook(context.Background(), "twilio", "sig", "url", "", nil); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	got, _ := svc.Get(context.Background(), "ws-1", rec.CallID)
	if got.RecordingURL != "https://recordings/x.wav" {
		t.Fatalf("recording not attached: %q", got.RecordingURL)
	}
}

func TestManager_MakeCallDefaultsStatusCallbackPerCarrier(t *testing.T) {
	primary := newFakeAdapter("twilio")
	primary.setupErr = errors.New("rate limited")
	fallback := newFakeAdapter("telnyx")
	svc := calls.NewService(calls.NewMemoryRepository(), nil, nil)
	m := NewManager([]CarrierAdapter{primary, fallback}, svc, nil, CapConfig{CallbackBaseURL: "https://api.example.com/"}, nil)

	if _, err := m.MakeCall(context.Background(), outboundReq()); err != nil {
		t.Fatalf("make call: %v", err)
	}
	if primary.lastSetup.StatusCallbackURL != "https://api.example.com/webhooks/twilio" {
		t.Fatalf("primary callback not defaulted: %q", primary.lastSetup.StatusCallbackURL)
	}
	if fallback.lastSetup.StatusCallbackURL != "https://api.example.com/webhooks/telnyx" {
		t.Fatalf("fallback callback not defaulted: %q", fallback.lastSetup.StatusCallbackURL)
	}
}

func TestManager_MakeCallKeepsExplicitStatusCallback(t *testing.T) {
	a := newFakeAdapter("twilio")
	svc := calls.NewService(calls.NewMemoryRepository(), nil, nil)
	m := NewManager([]CarrierAdapter{a}, svc, nil, CapConfig{CallbackBaseURL: "https://api.example.com"}, nil)

	req := outboundReq()
	req.StatusCallbackURL = "https://tenant.example.net/hooks"
	if _, err := m.MakeCall(context.Background(), req); err != nil {
		t.Fatalf("make call: %v", err)
	}
	if a.lastSetup.StatusCallbackURL != "https://tenant.example.net/hooks" {
		t.Fatalf("explicit callback overwritten: %q", a.lastSetup.StatusCallbackURL)
	}
}

func TestManager_TerminalOutboundReleasesCapSlot(t *testing.T) {
	a := newFakeAdapter("twilio")
	m, _ := newTestManager(a)
	var released []string
	m.release = func(ctx context.Context, ws string) { released = append(released, ws) }

	rec, err := m.MakeCall(context.Background(), outboundReq())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}

	a.webhook = WebhookResult{
		Kind:           WebhookStatus,
		ProviderCallID: rec.ProviderCallID,
		Status:         calls.StatusUpdate{Status: calls.CallStatusFailed},
	}
	if _, err := m.HandleWebhook(context.Background(), "twilio", "sig", "url", "", nil); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(released) != 1 || released[0] != "ws-1" {
		t.Fatalf("expected one release for ws-1, got %v", released)
	}
}

func TestManager_TerminalInboundDoesNotReleaseCapSlot(t *testing.T) {
	// Inbound calls never acquire a cap slot, so their termination must not
	// free a slot held by an outbound call.
	a := newFakeAdapter("twilio")
	m, _ := newTestManager(a)
	var released []string
	m.release = func(ctx context.Context, ws string) { released = append(released, ws) }

	rec, err := m.RegisterInbound(context.Background(), "ws-1", "twilio", WebhookResult{
		Kind:           WebhookInbound,
		ProviderCallID: "twilio-in-1",
		From:           "+15550100",
		To:             "+15550200",
	})
	if err != nil {
		t.Fatalf("register inbound: %v", err)
	}

	a.webhook = WebhookResult{
		Kind:           WebhookStatus,
		ProviderCallID: rec.ProviderCallID,
		Status:         calls.StatusUpdate{Status: calls.CallStatusFailed},
	}
	if _, err := m.HandleWebhook(context.Background(), "twilio", "sig", "url", "", nil); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("inbound terminal must not release a slot, got %v", released)
	}
}

func TestManager_NoCarriersConfigured(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.MakeCall(context.Background(), outboundReq())
	if !errors.Is(err, ErrNoCarrierConfigured) {
		t.Fatalf("expected ErrNoCarrierConfigured, got %v", err)
	}
}
