package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/cmd/engine/handlers"
	"github.com/waypointhq/waypoint/common/middleware"
)

// RegisterRunRoutes registers run lifecycle routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c)

	limit := int64(c.Components.Config.Webhook.RateLimitPerMinute)
	throttled := middleware.RateLimit(c.Limiter, "api", limit)

	e.POST("/run/:flowId", h.StartRun, throttled)
	e.GET("/status/:runId", h.Status)
	e.POST("/callback/:runId/:nodeId", h.Callback)
	e.POST("/complete/:runId/:nodeId", h.Complete, throttled)
	e.POST("/retry/:runId/:nodeId", h.Retry, throttled)
	e.POST("/runs/:id/cancel", h.Cancel, throttled)
}
