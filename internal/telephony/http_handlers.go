package telephony

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"callcenter-platform/internal/ivr"
	"callcenter-platform/pkg/logger"
)

// WebhookHandler terminates carrier callbacks. It reads the raw body so the
// signature is computed over exactly what the carrier sent, delegates
// validation and normalization to the manager, and writes back the wire
// response the carrier expects.
//
// No business logic here.
type WebhookHandler struct {
	Manager *Manager

	// PublicBaseURL is the externally visible base of this service; carriers
	// sign the full callback URL.
	PublicBaseURL string

	// WorkspaceIDResolver maps the dialed number of an inbound call to the
	// owning workspace (usually a DB lookup on purchased numbers).
	WorkspaceIDResolver func(c *gin.Context, toNumber string) (string, error)

	// InboundFlowResolver picks the flow that answers an inbound call on a
	// number. Empty means answer without a flow.
	InboundFlowResolver func(c *gin.Context, workspaceID, toNumber string) (string, error)

	// IVR executes flows on inbound call legs.
	IVR *ivr.Engine
}

// signatureHeaders maps carrier name to the header carrying the callback
// signature.
var signatureHeaders = map[string]string{
	"twilio": "X-Twilio-Signature",
	"telnyx": "X-Telnyx-Signature",
}

func (h WebhookHandler) HandleCarrierWebhook(c *gin.Context) {
	log := logger.FromGin(c)
	carrier := c.Param("carrier")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	header, ok := signatureHeaders[carrier]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown carrier"})
		return
	}
	signature := c.GetHeader(header)
	callbackURL := h.PublicBaseURL + c.Request.URL.RequestURI()

	res, err := h.Manager.HandleWebhook(c.Request.Context(), carrier, signature, callbackURL, c.Query("event"), body)
	if err != nil {
		if errors.Is(err, ErrBadWebhookSignature) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signature rejected"})
			return
		}
		log.Error("webhook handling failed", "carrier", carrier, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "webhook rejected"})
		return
	}

	if res.Kind == WebhookInbound {
		if h.WorkspaceIDResolver == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "workspace resolver not configured"})
			return
		}
		workspaceID, err := h.WorkspaceIDResolver(c, res.To)
		if err != nil {
			log.Warn("workspace resolution failed", "to", res.To, "err", err)
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown destination"})
			return
		}
		rec, err := h.Manager.RegisterInbound(c.Request.Context(), workspaceID, carrier, res)
		if err != nil {
			log.Error("inbound call registration failed", "carrier", carrier, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}

		// Answer with a flow when one is configured for the number.
		if h.IVR != nil && h.InboundFlowResolver != nil {
			flowID, err := h.InboundFlowResolver(c, workspaceID, res.To)
			if err != nil {
				log.Warn("inbound flow resolution failed", "to", res.To, "err", err)
			} else if flowID != "" {
				if h.answerWithFlow(c, carrier, workspaceID, rec.CallID, flowID) {
					return
				}
			}
		}
	}

	c.Data(http.StatusOK, res.ResponseContentType, res.ResponseBody)
}

func (h WebhookHandler) answerWithFlow(c *gin.Context, carrier, workspaceID, callID, flowID string) bool {
	log := logger.FromGin(c)
	step, err := h.IVR.StartSession(c.Request.Context(), workspaceID, callID, flowID)
	if err != nil {
		log.Error("flow start failed", "flow_id", flowID, "err", err)
		return false
	}
	adapter, ok := h.Manager.Adapter(carrier)
	if !ok {
		return false
	}
	renderer, ok := adapter.(StepRenderer)
	if !ok {
		return false
	}
	ct, body := renderer.RenderStep(step, h.collectURL(carrier, step.SessionID))
	c.Data(http.StatusOK, ct, body)
	return true
}

func (h WebhookHandler) collectURL(carrier, sessionID string) string {
	return h.PublicBaseURL + "/webhooks/" + carrier + "/ivr/" + sessionID
}

// HandleFlowCollect receives gathered input for a running flow session and
// answers with the next step. An empty gather is a timeout.
func (h WebhookHandler) HandleFlowCollect(c *gin.Context) {
	log := logger.FromGin(c)
	carrier := c.Param("carrier")
	sessionID := c.Param("session_id")

	adapter, ok := h.Manager.Adapter(carrier)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown carrier"})
		return
	}
	renderer, ok := adapter.(StepRenderer)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "carrier cannot run flows"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	header, ok := signatureHeaders[carrier]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown carrier"})
		return
	}
	callbackURL := h.PublicBaseURL + c.Request.URL.RequestURI()
	if !adapter.ValidateWebhookSignature(c.GetHeader(header), callbackURL, body) {
		log.Error("flow collect signature rejected", "carrier", carrier)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signature rejected"})
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}

	var step ivr.Step
	if digits := form.Get("Digits"); digits != "" {
		step, err = h.IVR.HandleInput(c.Request.Context(), sessionID, digits)
	} else {
		step, err = h.IVR.HandleTimeout(c.Request.Context(), sessionID)
	}
	if err != nil {
		log.Warn("flow step failed", "session_id", sessionID, "err", err)
		switch {
		case errors.Is(err, ivr.ErrSessionNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		default:
			// The session is unusable; end the call leg cleanly.
			ct, body := renderer.RenderStep(ivr.Step{Terminal: true}, "")
			c.Data(http.StatusOK, ct, body)
		}
		return
	}

	ct, body := renderer.RenderStep(step, h.collectURL(carrier, sessionID))
	c.Data(http.StatusOK, ct, body)
}
