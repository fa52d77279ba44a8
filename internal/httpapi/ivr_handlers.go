package httpapi

import (
	"errors"
	"net/http"

	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/ivr"

	"github.com/gin-gonic/gin"
)

// IVRHandlers exposes flow authoring, execution, and analytics.
type IVRHandlers struct {
	Flows     ivr.FlowRepository
	Engine    *ivr.Engine
	Analytics *ivr.Aggregator

	// DefaultTimeoutSeconds is applied to saved flows that do not set an
	// input timeout.
	DefaultTimeoutSeconds int
}

type saveFlowRequest struct {
	FlowID string `json:"flow_id"`
	Name   string `json:"name"`

	EntryNodeID string              `json:"entry_node_id"`
	ErrorNodeID string              `json:"error_node_id,omitempty"`
	Nodes       map[string]ivr.Node `json:"nodes"`

	MaxRetries      int    `json:"max_retries,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	DefaultLanguage string `json:"default_language,omitempty"`
}

// SaveFlow stores a new draft version. The version number is assigned
// server-side: latest + 1.
func (h IVRHandlers) SaveFlow(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req saveFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.FlowID == "" || req.Name == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "flow_id and name required"})
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = h.DefaultTimeoutSeconds
	}

	latest, err := h.Flows.LatestVersion(c.Request.Context(), workspaceID, req.FlowID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "version lookup failed"})
		return
	}
	flow := &ivr.Flow{
		FlowID:          req.FlowID,
		WorkspaceID:     workspaceID,
		Name:            req.Name,
		Version:         latest + 1,
		EntryNodeID:     req.EntryNodeID,
		ErrorNodeID:     req.ErrorNodeID,
		Nodes:           req.Nodes,
		MaxRetries:      req.MaxRetries,
		TimeoutSeconds:  req.TimeoutSeconds,
		DefaultLanguage: req.DefaultLanguage,
	}
	if err := h.Flows.Save(c.Request.Context(), flow); err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusCreated, flow)
}

type publishFlowRequest struct {
	Version int `json:"version"`
}

func (h IVRHandlers) PublishFlow(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req publishFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "version required"})
		return
	}
	if err := h.Flows.Publish(c.Request.Context(), workspaceID, c.Param("flow_id"), req.Version); err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "published", "version": req.Version})
}

// GetFlow returns the highest published version.
func (h IVRHandlers) GetFlow(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	flow, err := h.Flows.GetPublished(c.Request.Context(), workspaceID, c.Param("flow_id"))
	if err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h IVRHandlers) FlowAnalytics(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	got, err := h.Analytics.Get(c.Request.Context(), workspaceID, c.Param("flow_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "analytics unavailable"})
		return
	}
	c.JSON(http.StatusOK, got)
}

// --- Session execution ---
//
// These endpoints drive flow execution from the call leg: start when the
// call is answered, then feed DTMF/speech input and timeouts.

type startSessionRequest struct {
	CallID string `json:"call_id"`
	FlowID string `json:"flow_id"`
}

func (h IVRHandlers) StartSession(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" || req.FlowID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id and flow_id required"})
		return
	}
	step, err := h.Engine.StartSession(c.Request.Context(), workspaceID, req.CallID, req.FlowID)
	if err != nil {
		writeIVRError(c, err)
		return
	}
	if h.Analytics != nil {
		h.Analytics.Track(workspaceID, req.FlowID)
	}
	c.JSON(http.StatusCreated, step)
}

type sessionInputRequest struct {
	Input string `json:"input"`
}

func (h IVRHandlers) SessionInput(c *gin.Context) {
	var req sessionInputRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Input == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "input required"})
		return
	}
	step, err := h.Engine.HandleInput(c.Request.Context(), c.Param("session_id"), req.Input)
	if err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h IVRHandlers) SessionTimeout(c *gin.Context) {
	step, err := h.Engine.HandleTimeout(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h IVRHandlers) AbandonSession(c *gin.Context) {
	if err := h.Engine.Abandon(c.Request.Context(), c.Param("session_id")); err != nil {
		writeIVRError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "abandoned"})
}

func writeIVRError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ivr.ErrFlowNotFound), errors.Is(err, ivr.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ivr.ErrFlowInvalid):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ivr.ErrFlowFrozen):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ivr.ErrSessionFinished), errors.Is(err, ivr.ErrInputNotExpected):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ivr operation failed"})
	}
}
