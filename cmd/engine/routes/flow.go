package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/cmd/engine/handlers"
)

// RegisterFlowRoutes registers flow and version routes
func RegisterFlowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFlowHandler(c)

	flows := e.Group("/flows")
	{
		flows.POST("", h.CreateFlow)
		flows.GET("/:id", h.GetFlow)
		flows.POST("/:id/versions", h.CreateVersion)
		flows.GET("/:id/versions", h.ListVersions)
		flows.PUT("/:id/webhook", h.SaveWebhook)
	}
}
