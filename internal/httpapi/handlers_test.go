package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/breaker"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/events"
	"callcenter-platform/internal/health"
	"callcenter-platform/internal/ivr"
	"callcenter-platform/internal/media"
	"callcenter-platform/internal/orchestrator"
	"callcenter-platform/internal/realtime"

	"github.com/gin-gonic/gin"
)

// stubVoiceProvider accepts connections and does nothing else; enough to
// exercise the voice-session endpoints.
type stubVoiceProvider struct {
	id string

	mu     sync.Mutex
	events chan realtime.Event
}

func (p *stubVoiceProvider) ID() string            { return p.id }
func (p *stubVoiceProvider) Shape() realtime.Shape { return realtime.ShapeEndToEnd }

func (p *stubVoiceProvider) Connect(ctx context.Context, cfg realtime.SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = make(chan realtime.Event, 8)
	return nil
}

func (p *stubVoiceProvider) Disconnect(ctx context.Context) error { return nil }

func (p *stubVoiceProvider) SendAudio(ctx context.Context, chunk media.AudioChunk) error {
	return nil
}

func (p *stubVoiceProvider) SendText(ctx context.Context, text string) error { return nil }

func (p *stubVoiceProvider) Events() <-chan realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

func identity(workspaceID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "user-1", workspaceID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, Handlers, IVRHandlers) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(nil, "", nil)
	callSvc := calls.NewService(calls.NewMemoryRepository(), bus, nil)

	mon := health.NewMonitor(health.Config{}, nil)
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1})
	orc, err := orchestrator.New([]string{"primary", "backup"}, reg, mon, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	factory := func(id string) (realtime.VoiceProvider, error) {
		return &stubVoiceProvider{id: id}, nil
	}
	voice, err := realtime.NewSessionBroker(orc, factory, realtime.SessionOptions{}, bus, nil)
	if err != nil {
		t.Fatalf("session broker: %v", err)
	}

	h := Handlers{Calls: callSvc, Orchestrator: orc, Health: mon, Voice: voice}

	flows := ivr.NewMemoryFlowRepository()
	sessions := ivr.NewMemorySessionRepository()
	ih := IVRHandlers{
		Flows:     flows,
		Engine:    ivr.NewEngine(flows, sessions, nil),
		Analytics: ivr.NewAggregator(sessions, 0, nil),
	}

	r := gin.New()
	r.Use(identity("ws-1", "supervisor"))
	r.GET("/v1/calls/:call_id", h.GetCall)
	r.GET("/v1/calls", h.ListActiveCalls)
	r.GET("/v1/providers/health", h.ProviderHealth)
	r.GET("/v1/admin/breakers", h.BreakerSnapshots)
	r.POST("/v1/admin/breakers/:provider_id/force-open", h.ForceOpenBreaker)
	r.POST("/v1/admin/breakers/:provider_id/reset", h.ResetBreaker)
	r.POST("/v1/ivr/flows", ih.SaveFlow)
	r.POST("/v1/ivr/flows/:flow_id/publish", ih.PublishFlow)
	r.GET("/v1/ivr/flows/:flow_id", ih.GetFlow)
	r.POST("/v1/calls/:call_id/voice-session", h.StartVoiceSession)
	r.GET("/v1/calls/:call_id/voice-session", h.GetVoiceSession)
	r.POST("/v1/calls/:call_id/voice-session/stop", h.StopVoiceSession)
	return r, h, ih
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetCall_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/calls/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListActiveCalls_Empty(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/calls", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestBreakerAdmin_ForceOpenAndReset(t *testing.T) {
	r, h, _ := newTestRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/v1/admin/breakers/primary/force-open", nil); w.Code != http.StatusOK {
		t.Fatalf("force-open: %d", w.Code)
	}
	snaps := h.Orchestrator.BreakerSnapshots()
	if snaps["primary"].State != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", snaps["primary"].State)
	}

	if w := doJSON(t, r, http.MethodPost, "/v1/admin/breakers/primary/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset: %d", w.Code)
	}
	snaps = h.Orchestrator.BreakerSnapshots()
	if snaps["primary"].State != breaker.StateClosed {
		t.Fatalf("expected closed breaker, got %s", snaps["primary"].State)
	}
}

func TestVoiceSession_Lifecycle(t *testing.T) {
	r, h, _ := newTestRouter(t)

	rec, err := h.Calls.Create(context.Background(), calls.CreateParams{
		WorkspaceID:    "ws-1",
		Provider:       "twilio",
		ProviderCallID: "CA100",
		Direction:      calls.DirectionInbound,
		From:           "+15550100",
		To:             "+15550200",
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	start := map[string]any{"model": "gpt-realtime", "voice": "alloy"}
	w := doJSON(t, r, http.MethodPost, "/v1/calls/"+rec.CallID+"/voice-session", start)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		SessionID  string `json:"session_id"`
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.ProviderID != "primary" {
		t.Fatalf("expected preferred provider, got %q", started.ProviderID)
	}
	if started.SessionID == "" {
		t.Fatalf("session id missing")
	}

	// One live session per call.
	if w := doJSON(t, r, http.MethodPost, "/v1/calls/"+rec.CallID+"/voice-session", start); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate start, got %d", w.Code)
	}

	if w := doJSON(t, r, http.MethodGet, "/v1/calls/"+rec.CallID+"/voice-session", nil); w.Code != http.StatusOK {
		t.Fatalf("get session: %d", w.Code)
	}

	if w := doJSON(t, r, http.MethodPost, "/v1/calls/"+rec.CallID+"/voice-session/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop: %d: %s", w.Code, w.Body.String())
	}

	// The broker unregisters the call once the session drains.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.Voice.Get("ws-1", rec.CallID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVoiceSession_StartOnUnknownCall(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/v1/calls/missing/voice-session", map[string]any{"model": "gpt-realtime"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSaveAndPublishFlow(t *testing.T) {
	r, _, _ := newTestRouter(t)

	save := map[string]any{
		"flow_id":       "flow-1",
		"name":          "After hours",
		"entry_node_id": "bye",
		"nodes": map[string]any{
			"bye": map[string]any{"id": "bye", "type": "END_CALL", "prompt": "Goodbye."},
		},
	}
	w := doJSON(t, r, http.MethodPost, "/v1/ivr/flows", save)
	if w.Code != http.StatusCreated {
		t.Fatalf("save: %d: %s", w.Code, w.Body.String())
	}

	// Not published yet.
	if w := doJSON(t, r, http.MethodGet, "/v1/ivr/flows/flow-1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unpublished flow, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/ivr/flows/flow-1/publish", map[string]any{"version": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/v1/ivr/flows/flow-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get published: %d", w.Code)
	}
	var got ivr.Flow
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Published || got.Version != 1 {
		t.Fatalf("unexpected flow: %+v", got)
	}
}

func TestPublishInvalidFlowRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)

	save := map[string]any{
		"flow_id":       "flow-2",
		"name":          "Broken",
		"entry_node_id": "menu",
		"nodes": map[string]any{
			// Menu without options cannot be published.
			"menu": map[string]any{"id": "menu", "type": "MENU", "prompt": "Press something."},
		},
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/ivr/flows", save); w.Code != http.StatusCreated {
		t.Fatalf("save: %d", w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/v1/ivr/flows/flow-2/publish", map[string]any{"version": 1})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}
