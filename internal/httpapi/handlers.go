package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/health"
	"callcenter-platform/internal/media"
	"callcenter-platform/internal/orchestrator"
	"callcenter-platform/internal/rbac"
	"callcenter-platform/internal/realtime"
	"callcenter-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Telephony *telephony.Manager
	Calls     *calls.Service

	Orchestrator *orchestrator.Orchestrator
	Health       *health.Monitor
	Voice        *realtime.SessionBroker
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type makeCallRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Provider string `json:"provider,omitempty"`
	Record   bool   `json:"record,omitempty"`
}

func (h Handlers) MakeCall(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req makeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.From == "" || req.To == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to required"})
		return
	}

	rec, err := h.Telephony.MakeCall(c.Request.Context(), telephony.CallRequest{
		WorkspaceID: workspaceID,
		From:        req.From,
		To:          req.To,
		Provider:    req.Provider,
		Record:      req.Record,
	})
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) GetCall(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), workspaceID, c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) ListActiveCalls(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	recs, err := h.Calls.ListActive(c.Request.Context(), workspaceID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (h Handlers) EndCall(c *gin.Context) {
	h.controlCall(c, func(ctx *gin.Context, workspaceID, callID string) error {
		return h.Telephony.EndCall(ctx.Request.Context(), workspaceID, callID)
	})
}

type transferRequest struct {
	Target string `json:"target"`
}

func (h Handlers) TransferCall(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target required"})
		return
	}
	h.controlCall(c, func(ctx *gin.Context, workspaceID, callID string) error {
		return h.Telephony.Transfer(ctx.Request.Context(), workspaceID, callID, req.Target)
	})
}

type holdRequest struct {
	Hold bool `json:"hold"`
}

func (h Handlers) HoldCall(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.controlCall(c, func(ctx *gin.Context, workspaceID, callID string) error {
		return h.Telephony.Hold(ctx.Request.Context(), workspaceID, callID, req.Hold)
	})
}

type muteRequest struct {
	Mute bool `json:"mute"`
}

func (h Handlers) MuteCall(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.controlCall(c, func(ctx *gin.Context, workspaceID, callID string) error {
		return h.Telephony.Mute(ctx.Request.Context(), workspaceID, callID, req.Mute)
	})
}

func (h Handlers) controlCall(c *gin.Context, op func(c *gin.Context, workspaceID, callID string) error) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	if err := op(c, workspaceID, callID); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeCallError(c *gin.Context, err error) {
	var allFailed *telephony.AllCarriersFailedError
	switch {
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, telephony.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, telephony.ErrConcurrencyCapExceeded):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "concurrent call limit reached"})
	case errors.As(err, &allFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, telephony.ErrNoCarrierConfigured):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no carrier configured"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call operation failed"})
	}
}

// --- Voice sessions ---

type startVoiceSessionRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
}

// StartVoiceSession attaches a realtime provider session to a live call.
// Provider choice goes through the orchestrator; a dead primary fails the
// call over to the next preference automatically.
func (h Handlers) StartVoiceSession(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req startVoiceSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model required"})
		return
	}

	callID := c.Param("call_id")
	rec, err := h.Calls.Get(c.Request.Context(), workspaceID, callID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	if rec.Status.IsTerminal() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already ended"})
		return
	}

	sess, err := h.Voice.Open(c.Request.Context(), workspaceID, rec.CallID, realtime.SessionConfig{
		Model:        req.Model,
		Instructions: req.Instructions,
		Voice:        req.Voice,
		Language:     req.Language,
		InputFormat:  media.FormatPCM16_16000,
		OutputFormat: media.FormatPCM16_16000,
	})
	if err != nil {
		writeVoiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id":  sess.SessionID(),
		"provider_id": sess.ProviderID(),
		"state":       sess.State(),
	})
}

func (h Handlers) GetVoiceSession(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	sess, ok := h.Voice.Get(workspaceID, c.Param("call_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active session for call"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":         sess.SessionID(),
		"provider_id":        sess.ProviderID(),
		"state":              sess.State(),
		"reconnect_attempts": sess.ReconnectAttempts(),
	})
}

func (h Handlers) StopVoiceSession(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	if err := h.Voice.Close(c.Request.Context(), workspaceID, c.Param("call_id")); err != nil {
		writeVoiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func writeVoiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, realtime.ErrSessionActive):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already has an active session"})
	case errors.Is(err, realtime.ErrNoSession):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active session for call"})
	case errors.Is(err, orchestrator.ErrNoProviderAvailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "voice session operation failed"})
	}
}

// --- Providers and breakers ---

func (h Handlers) ProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.Health.GetAllHealth()})
}

func (h Handlers) SelectProvider(c *gin.Context) {
	sel, err := h.Orchestrator.SelectProvider()
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoProviderAvailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "selection failed"})
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (h Handlers) BreakerSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.Orchestrator.BreakerSnapshots()})
}

func (h Handlers) ForceOpenBreaker(c *gin.Context) {
	h.Orchestrator.ForceOpenBreaker(c.Param("provider_id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) ResetBreaker(c *gin.Context) {
	h.Orchestrator.ResetBreaker(c.Param("provider_id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
