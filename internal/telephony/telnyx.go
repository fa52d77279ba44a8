package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/media"
)

// TelnyxAdapter speaks the Telnyx call-control API: JSON REST requests and
// webhooks, hex HMAC-SHA256 callback signatures, linear PCM media.
type TelnyxAdapter struct {
	apiKey        string
	connectionID  string
	webhookSecret string
	baseURL       string

	httpc *http.Client
}

type TelnyxConfig struct {
	APIKey        string
	ConnectionID  string
	WebhookSecret string
	// BaseURL overrides the API endpoint, e.g. for tests.
	BaseURL string
}

func NewTelnyxAdapter(cfg TelnyxConfig) *TelnyxAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telnyx.com"
	}
	return &TelnyxAdapter{
		apiKey:        cfg.APIKey,
		connectionID:  cfg.ConnectionID,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(base, "/"),
		httpc:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *TelnyxAdapter) Name() string { return "telnyx" }

func (a *TelnyxAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/connections", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telephony: telnyx health status %d", resp.StatusCode)
	}
	return nil
}

type telnyxCallData struct {
	CallControlID string `json:"call_control_id"`
	State         string `json:"state"`
}

type telnyxEnvelope struct {
	Data telnyxCallData `json:"data"`
}

func (a *TelnyxAdapter) SetupCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	body := map[string]any{
		"connection_id": a.connectionID,
		"from":          req.From,
		"to":            req.To,
	}
	if req.StatusCallbackURL != "" {
		body["webhook_url"] = req.StatusCallbackURL
	}
	if req.Record {
		body["record"] = "record-from-answer"
	}

	var out telnyxEnvelope
	if err := a.post(ctx, "/v2/calls", body, &out); err != nil {
		return CallResponse{}, fmt.Errorf("telephony: telnyx setup: %w", err)
	}
	return CallResponse{
		Provider:       a.Name(),
		ProviderCallID: out.Data.CallControlID,
		Status:         telnyxStatus(out.Data.State),
	}, nil
}

func (a *TelnyxAdapter) EndCall(ctx context.Context, providerCallID string) error {
	return a.action(ctx, providerCallID, "hangup", nil)
}

func (a *TelnyxAdapter) Transfer(ctx context.Context, providerCallID, target string) error {
	return a.action(ctx, providerCallID, "transfer", map[string]any{"to": target})
}

func (a *TelnyxAdapter) Hold(ctx context.Context, providerCallID string, hold bool) error {
	if hold {
		return a.action(ctx, providerCallID, "hold", nil)
	}
	return a.action(ctx, providerCallID, "unhold", nil)
}

func (a *TelnyxAdapter) Mute(ctx context.Context, providerCallID string, mute bool) error {
	if mute {
		return a.action(ctx, providerCallID, "mute", nil)
	}
	return a.action(ctx, providerCallID, "unmute", nil)
}

func (a *TelnyxAdapter) GetCallStatus(ctx context.Context, providerCallID string) (calls.CallStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/calls/"+providerCallID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("telephony: telnyx call %s: %w", providerCallID, ErrCallNotFound)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("telephony: telnyx status lookup: status %d", resp.StatusCode)
	}
	var out telnyxEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return telnyxStatus(out.Data.State), nil
}

func (a *TelnyxAdapter) action(ctx context.Context, providerCallID, name string, body map[string]any) error {
	err := a.post(ctx, fmt.Sprintf("/v2/calls/%s/actions/%s", providerCallID, name), body, nil)
	if err != nil {
		return fmt.Errorf("telephony: telnyx call %s %s: %w", providerCallID, name, err)
	}
	return nil
}

func (a *TelnyxAdapter) post(ctx context.Context, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrCallNotFound
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ValidateWebhookSignature checks the hex HMAC-SHA256 of the raw payload
// under the shared webhook secret.
func (a *TelnyxAdapter) ValidateWebhookSignature(signature, callbackURL string, payload []byte) bool {
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func telnyxStatus(s string) calls.CallStatus {
	switch s {
	case "queued", "call.initiated":
		return calls.CallStatusQueued
	case "ringing", "call.ringing", "bridging":
		return calls.CallStatusRinging
	case "answered", "active", "call.answered":
		return calls.CallStatusInProgress
	case "hangup", "completed", "call.hangup":
		return calls.CallStatusCompleted
	case "busy":
		return calls.CallStatusBusy
	case "no-answer", "noanswer":
		return calls.CallStatusNoAnswer
	case "canceled":
		return calls.CallStatusCanceled
	default:
		return calls.CallStatusFailed
	}
}

// telnyxWebhook is the JSON callback envelope.
type telnyxWebhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			Direction     string `json:"direction"`
			State         string `json:"state"`
			HangupCause   string `json:"hangup_cause"`
			From          string `json:"from"`
			To            string `json:"to"`
			DurationSecs  int    `json:"call_duration_secs"`
			CostMinor     int64  `json:"cost_minor"`
			Currency      string `json:"currency"`
			RecordingURL  string `json:"recording_url"`
		} `json:"payload"`
	} `json:"data"`
}

func (a *TelnyxAdapter) HandleWebhook(ctx context.Context, eventType string, payload []byte) (WebhookResult, error) {
	var wh telnyxWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return WebhookResult{}, fmt.Errorf("telephony: telnyx webhook parse: %w", err)
	}
	p := wh.Data.Payload
	if p.CallControlID == "" {
		return WebhookResult{}, fmt.Errorf("telephony: telnyx webhook missing call_control_id")
	}
	if eventType == "" {
		eventType = wh.Data.EventType
	}

	res := WebhookResult{
		ProviderCallID:      p.CallControlID,
		ResponseContentType: "application/json",
		ResponseBody:        []byte(`{"status":"ok"}`),
	}
	switch eventType {
	case "call.recording.saved":
		res.Kind = WebhookRecording
		res.RecordingURL = p.RecordingURL
	case "call.initiated":
		// Telnyx fires call.initiated for both legs; only the incoming
		// direction is a new inbound call. Outbound initiations are status
		// progress on a call this service placed.
		if p.Direction == "incoming" {
			res.Kind = WebhookInbound
			res.From = p.From
			res.To = p.To
		} else {
			res.Kind = WebhookStatus
			res.Status = calls.StatusUpdate{Status: calls.CallStatusQueued}
		}
	case "call.hangup":
		res.Kind = WebhookStatus
		st := calls.CallStatusCompleted
		switch p.HangupCause {
		case "busy":
			st = calls.CallStatusBusy
		case "no_answer", "timeout":
			st = calls.CallStatusNoAnswer
		case "canceled", "originator_cancel":
			st = calls.CallStatusCanceled
		case "call_rejected", "unspecified":
			st = calls.CallStatusFailed
		}
		res.Status = calls.StatusUpdate{
			Status:          st,
			DurationSeconds: p.DurationSecs,
			CostMinor:       p.CostMinor,
			Currency:        p.Currency,
		}
	default:
		res.Kind = WebhookStatus
		res.Status = calls.StatusUpdate{Status: telnyxStatus(eventType)}
	}
	return res, nil
}

// Telnyx media streams already carry linear PCM16 at 16 kHz, matching the
// unified internal format, so translation only enforces the contract.
func (a *TelnyxAdapter) ConvertAudioFromCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	if chunk.Format != media.FormatPCM16_16000 {
		return media.AudioChunk{}, fmt.Errorf("telephony: telnyx carrier audio must be %s, got %s", media.FormatPCM16_16000, chunk.Format)
	}
	return chunk, nil
}

func (a *TelnyxAdapter) ConvertAudioToCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	if chunk.Format != media.FormatPCM16_16000 {
		return media.AudioChunk{}, fmt.Errorf("telephony: unified audio must be %s, got %s", media.FormatPCM16_16000, chunk.Format)
	}
	return chunk, nil
}
