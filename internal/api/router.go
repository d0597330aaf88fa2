package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"vacuum-rental-backend/config"
	"vacuum-rental-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.ServerConfig) *gin.Engine {
	r := gin.Default()

	// Customer traffic is limited per user when the proxy identifies one.
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, mw.ByHeader(HeaderUserID))
	responses := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(responses.FlushOnWrite())
	{
		public := api.Group("")
		public.Use(rateLimiter)
		public.GET("/machines/:code/availability", responses.Handler(), h.GetAvailability)
		public.POST("/sessions", h.CreateSession)
		public.GET("/sessions/:id", h.GetSession)
		public.POST("/sessions/:id/stop", h.StopSession)

		// Gateway and controller callbacks are not subject to the customer rate limit.
		api.POST("/payments/callback", h.PaymentCallback)
		api.POST("/devices/heartbeat", h.PostHeartbeat)
		api.POST("/devices/sessions/:id/complete", h.PostUsageReport)

		admin := api.Group("/admin", requireAdmin)
		admin.GET("/machines/:id", h.GetMachine)
		admin.PUT("/machines/:id/override", h.PutOverride)
		admin.POST("/machines/:id/reset", h.PostReset)
		admin.PUT("/machines/:id/status", h.PutStatus)
		admin.GET("/machines/:id/maintenance-logs", h.GetMaintenanceLogs)
		admin.POST("/machines/:id/maintenance-logs", h.PostMaintenanceLog)
		admin.POST("/sessions/:id/terminate", h.ForceStopSession)

		// Push subscriptions belong to operators.
		api.GET("/subscriptions", requireAdmin, h.GetSubscription)
		api.PUT("/subscriptions", requireAdmin, h.PutSubscription)
		api.DELETE("/subscriptions", requireAdmin, h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
