package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/webhook"
)

// maxWebhookBody caps delivery payloads at 1 MB.
const maxWebhookBody = 1 << 20

// WebhookHandler handles inbound webhook deliveries
type WebhookHandler struct {
	c *container.Container
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(c *container.Container) *WebhookHandler {
	return &WebhookHandler{c: c}
}

// Receive ingests one delivery.
// POST /webhooks/:slug
func (h *WebhookHandler) Receive(c echo.Context) error {
	slug := c.Param("slug")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return badRequest(c, "failed to read body")
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge,
			map[string]interface{}{"error": "payload too large"})
	}

	headers := make(map[string]string)
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}

	result, err := h.c.Ingress.Receive(c.Request().Context(), slug, body, headers, c.RealIP())
	if err != nil {
		return h.writeRefusal(c, result, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"outcome":  result.Outcome,
		"entityId": result.EntityID,
		"runId":    result.RunID,
	})
}

// writeRefusal maps pipeline refusals onto HTTP statuses. Replays get 200:
// the delivery was already handled, so the sender should not retry.
func (h *WebhookHandler) writeRefusal(c echo.Context, result *webhook.Result, err error) error {
	if result == nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
	}

	var rateErr *webhook.RateLimitError
	if errors.As(err, &rateErr) {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", rateErr.RetryAfterSeconds))
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{"outcome": result.Outcome})
	}

	switch {
	case errors.Is(err, webhook.ErrUnknownEndpoint), errors.Is(err, webhook.ErrInactiveEndpoint):
		return c.JSON(http.StatusNotFound, map[string]interface{}{"outcome": result.Outcome})
	case errors.Is(err, webhook.ErrReplay):
		return c.JSON(http.StatusOK, map[string]interface{}{"outcome": result.Outcome})
	}

	// Signature and freshness failures are delivery defects, not auth: 400.
	var sigErr *webhook.SignatureError
	var tsErr *webhook.TimestampError
	if errors.As(err, &sigErr) || errors.As(err, &tsErr) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"outcome": result.Outcome})
	}

	if result.Outcome == models.WebhookBadPayload {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"outcome": result.Outcome})
	}
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{"outcome": result.Outcome})
}
