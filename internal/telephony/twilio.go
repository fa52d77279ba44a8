package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/media"
)

// TwilioAdapter speaks the Twilio voice API: form-encoded REST requests and
// webhooks, X-Twilio-Signature callbacks (HMAC-SHA1 over URL + sorted form
// params, base64), mu-law 8 kHz media.
type TwilioAdapter struct {
	accountSID string
	authToken  string
	baseURL    string

	httpc *http.Client
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL overrides the API endpoint, e.g. for tests.
	BaseURL string
}

func NewTwilioAdapter(cfg TwilioConfig) *TwilioAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	return &TwilioAdapter{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(base, "/"),
		httpc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *TwilioAdapter) Name() string { return "twilio" }

func (a *TwilioAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", a.baseURL, a.accountSID), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telephony: twilio health status %d", resp.StatusCode)
	}
	return nil
}

// twilioCall is the subset of the Calls resource we read back.
type twilioCall struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

func (a *TwilioAdapter) SetupCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.Record {
		form.Set("Record", "true")
	}

	var out twilioCall
	if err := a.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", a.accountSID), form, &out); err != nil {
		return CallResponse{}, fmt.Errorf("telephony: twilio setup: %w", err)
	}
	return CallResponse{
		Provider:       a.Name(),
		ProviderCallID: out.Sid,
		Status:         twilioStatus(out.Status),
	}, nil
}

func (a *TwilioAdapter) EndCall(ctx context.Context, providerCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return a.updateCall(ctx, providerCallID, form)
}

func (a *TwilioAdapter) Transfer(ctx context.Context, providerCallID, target string) error {
	form := url.Values{}
	form.Set("Twiml", renderDial(target))
	return a.updateCall(ctx, providerCallID, form)
}

func (a *TwilioAdapter) Hold(ctx context.Context, providerCallID string, hold bool) error {
	form := url.Values{}
	if hold {
		form.Set("Twiml", renderHold())
	} else {
		form.Set("Twiml", renderResume())
	}
	return a.updateCall(ctx, providerCallID, form)
}

func (a *TwilioAdapter) Mute(ctx context.Context, providerCallID string, mute bool) error {
	form := url.Values{}
	form.Set("Muted", strconv.FormatBool(mute))
	return a.updateCall(ctx, providerCallID, form)
}

func (a *TwilioAdapter) GetCallStatus(ctx context.Context, providerCallID string) (calls.CallStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", a.baseURL, a.accountSID, providerCallID), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("telephony: twilio call %s: %w", providerCallID, ErrCallNotFound)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("telephony: twilio status lookup: status %d", resp.StatusCode)
	}
	var out twilioCall
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return twilioStatus(out.Status), nil
}

func (a *TwilioAdapter) updateCall(ctx context.Context, providerCallID string, form url.Values) error {
	var out twilioCall
	err := a.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", a.accountSID, providerCallID), form, &out)
	if err != nil {
		return fmt.Errorf("telephony: twilio call %s: %w", providerCallID, err)
	}
	return nil
}

func (a *TwilioAdapter) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrCallNotFound
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ValidateWebhookSignature implements the Twilio scheme: append the sorted
// form parameters (name then value) to the full callback URL, HMAC-SHA1 with
// the auth token, base64-encode.
func (a *TwilioAdapter) ValidateWebhookSignature(signature, callbackURL string, payload []byte) bool {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(callbackURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(a.authToken))
	mac.Write([]byte(sb.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// twilioStatus maps the carrier's status strings to the unified lifecycle.
func twilioStatus(s string) calls.CallStatus {
	switch s {
	case "queued", "initiated":
		return calls.CallStatusQueued
	case "ringing":
		return calls.CallStatusRinging
	case "in-progress", "answered":
		return calls.CallStatusInProgress
	case "completed":
		return calls.CallStatusCompleted
	case "busy":
		return calls.CallStatusBusy
	case "no-answer":
		return calls.CallStatusNoAnswer
	case "canceled":
		return calls.CallStatusCanceled
	default:
		return calls.CallStatusFailed
	}
}

// HandleWebhook parses a (pre-validated) form callback. Twilio multiplexes
// status and recording callbacks over the same shape, so eventType is
// derived from the fields present when not given.
func (a *TwilioAdapter) HandleWebhook(ctx context.Context, eventType string, payload []byte) (WebhookResult, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return WebhookResult{}, fmt.Errorf("telephony: twilio webhook parse: %w", err)
	}
	sid := form.Get("CallSid")
	if sid == "" {
		return WebhookResult{}, fmt.Errorf("telephony: twilio webhook missing CallSid")
	}

	if eventType == "" {
		switch {
		case form.Get("RecordingUrl") != "":
			eventType = "recording"
		case form.Get("Direction") == "inbound" && form.Get("CallStatus") == "ringing":
			eventType = "inbound"
		default:
			eventType = "status"
		}
	}

	res := WebhookResult{
		ProviderCallID:      sid,
		ResponseContentType: "application/xml",
		ResponseBody:        []byte(renderEmptyResponse()),
	}
	switch eventType {
	case "recording":
		res.Kind = WebhookRecording
		res.RecordingURL = form.Get("RecordingUrl")
	case "inbound":
		res.Kind = WebhookInbound
		res.From = strings.TrimSpace(form.Get("From"))
		res.To = strings.TrimSpace(form.Get("To"))
	default:
		res.Kind = WebhookStatus
		upd := calls.StatusUpdate{Status: twilioStatus(form.Get("CallStatus"))}
		if d := form.Get("CallDuration"); d != "" {
			upd.DurationSeconds, _ = strconv.Atoi(d)
		}
		if p := form.Get("Price"); p != "" {
			upd.CostMinor = parsePriceMinor(p)
			upd.Currency = form.Get("PriceUnit")
		}
		res.Status = upd
	}
	return res, nil
}

// parsePriceMinor converts a carrier decimal price ("-0.0085") to positive
// minor units, truncating past two decimals.
func parsePriceMinor(s string) int64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "-")
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return w * 100
	}
	return w*100 + f
}

// Twilio media streams carry mu-law 8 kHz; the unified internal format is
// PCM16 16 kHz.
func (a *TwilioAdapter) ConvertAudioFromCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	if chunk.Format != media.FormatULaw8000 {
		return media.AudioChunk{}, fmt.Errorf("telephony: twilio carrier audio must be %s, got %s", media.FormatULaw8000, chunk.Format)
	}
	out := chunk
	out.Format = media.FormatPCM16_16000
	out.Payload = media.Upsample8kTo16k(media.ULawToPCM16(chunk.Payload))
	return out, nil
}

func (a *TwilioAdapter) ConvertAudioToCarrier(chunk media.AudioChunk) (media.AudioChunk, error) {
	if chunk.Format != media.FormatPCM16_16000 {
		return media.AudioChunk{}, fmt.Errorf("telephony: unified audio must be %s, got %s", media.FormatPCM16_16000, chunk.Format)
	}
	out := chunk
	out.Format = media.FormatULaw8000
	out.Payload = media.PCM16ToULaw(media.Downsample16kTo8k(chunk.Payload))
	return out, nil
}
