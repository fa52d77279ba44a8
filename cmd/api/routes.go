package main

import (
	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/rbac"
	"callcenter-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, ih httpapi.IVRHandlers, wh telephony.WebhookHandler) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Carrier webhooks (public). Signature validation happens inside the
	// manager before anything is applied.
	r.POST("/webhooks/:carrier", wh.HandleCarrierWebhook)
	r.POST("/webhooks/:carrier/ivr/:session_id", wh.HandleFlowCollect)

	// Token issuance is public by nature.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			wid, _ := auth.WorkspaceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "workspace_id": wid, "role": role})
		})

		// CALLS routes
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireWorkspace())
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupervisor, rbac.RoleAgent, rbac.RoleSuperAdmin))
		{
			callsGroup.POST("", h.MakeCall)
			callsGroup.GET("", h.ListActiveCalls)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.POST("/:call_id/end", h.EndCall)
			callsGroup.POST("/:call_id/transfer", h.TransferCall)
			callsGroup.POST("/:call_id/hold", h.HoldCall)
			callsGroup.POST("/:call_id/mute", h.MuteCall)
			callsGroup.POST("/:call_id/voice-session", h.StartVoiceSession)
			callsGroup.GET("/:call_id/voice-session", h.GetVoiceSession)
			callsGroup.POST("/:call_id/voice-session/stop", h.StopVoiceSession)
		}

		// PROVIDER routes: health snapshots and routing decisions.
		providers := v1.Group("/providers")
		providers.Use(rbac.RequireWorkspace())
		providers.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupervisor, rbac.RoleAnalyst, rbac.RoleSuperAdmin))
		{
			providers.GET("/health", h.ProviderHealth)
			providers.GET("/selection", h.SelectProvider)
		}

		// IVR routes. Authoring is restricted; execution is driven by the
		// call leg and needs agent access.
		ivrGroup := v1.Group("/ivr")
		ivrGroup.Use(rbac.RequireWorkspace())
		{
			flows := ivrGroup.Group("/flows")
			flows.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupervisor, rbac.RoleSuperAdmin))
			{
				flows.POST("", ih.SaveFlow)
				flows.POST("/:flow_id/publish", ih.PublishFlow)
				flows.GET("/:flow_id", ih.GetFlow)
			}

			analytics := ivrGroup.Group("/flows/:flow_id/analytics")
			analytics.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupervisor, rbac.RoleAnalyst, rbac.RoleSuperAdmin))
			{
				analytics.GET("", ih.FlowAnalytics)
			}

			sessions := ivrGroup.Group("/sessions")
			sessions.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupervisor, rbac.RoleAgent, rbac.RoleSuperAdmin))
			{
				sessions.POST("", ih.StartSession)
				sessions.POST("/:session_id/input", ih.SessionInput)
				sessions.POST("/:session_id/timeout", ih.SessionTimeout)
				sessions.POST("/:session_id/abandon", ih.AbandonSession)
			}
		}

		// ADMIN routes
		// Only admin/super_admin can access admin endpoints by default.
		// Hidden platform_operator is intentionally NOT included unless explicitly desired.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireWorkspace())
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSuperAdmin))
		{
			admin.GET("/breakers", h.BreakerSnapshots)
			admin.POST("/breakers/:provider_id/force-open", h.ForceOpenBreaker)
			admin.POST("/breakers/:provider_id/reset", h.ResetBreaker)
		}
	}
}
