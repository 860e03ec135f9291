package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/cmd/engine/handlers"
)

// RegisterWebhookRoutes registers the ingestion route. Rate limiting happens
// inside the pipeline so refusals land in the event log.
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c)

	e.POST("/webhooks/:slug", h.Receive)
}
