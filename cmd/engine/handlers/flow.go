package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/webhook"
)

// FlowHandler handles flow and version requests
type FlowHandler struct {
	c *container.Container
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(c *container.Container) *FlowHandler {
	return &FlowHandler{c: c}
}

type createFlowRequest struct {
	Name        string             `json:"name"`
	VisualGraph *graph.VisualGraph `json:"visualGraph,omitempty"`
}

// CreateFlow creates a flow, optionally with an initial version.
// POST /flows
func (h *FlowHandler) CreateFlow(c echo.Context) error {
	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	ctx := c.Request().Context()
	flow := &models.Flow{
		ID:        uuid.New(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.c.Components.Store.CreateFlow(ctx, flow); err != nil {
		return writeError(c, err)
	}

	resp := map[string]interface{}{"id": flow.ID, "name": flow.Name}
	if req.VisualGraph != nil {
		version, err := h.c.Versions.CreateVersion(ctx, flow.ID, req.VisualGraph, "initial")
		if err != nil {
			return writeError(c, err)
		}
		resp["currentVersionId"] = version.ID
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetFlow retrieves a flow.
// GET /flows/:id
func (h *FlowHandler) GetFlow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid flow id")
	}

	flow, err := h.c.Components.Store.GetFlow(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, flow)
}

type createVersionRequest struct {
	VisualGraph   *graph.VisualGraph `json:"visualGraph"`
	CommitMessage string             `json:"commitMessage,omitempty"`
}

// CreateVersion compiles and saves a new version, advancing the flow's
// current pointer.
// POST /flows/:id/versions
func (h *FlowHandler) CreateVersion(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid flow id")
	}

	var req createVersionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.VisualGraph == nil {
		return badRequest(c, "visualGraph is required")
	}

	version, err := h.c.Versions.CreateVersion(c.Request().Context(), id, req.VisualGraph, req.CommitMessage)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":            version.ID,
		"flowId":        version.FlowID,
		"commitMessage": version.CommitMessage,
		"createdAt":     version.CreatedAt,
	})
}

// ListVersions lists version history, newest first.
// GET /flows/:id/versions?limit=50
func (h *FlowHandler) ListVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid flow id")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return badRequest(c, "invalid limit")
		}
		limit = parsed
	}

	versions, err := h.c.Versions.ListVersions(c.Request().Context(), id, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"versions": versions})
}

type saveWebhookRequest struct {
	Slug             string `json:"slug"`
	Secret           string `json:"secret,omitempty"`
	Source           string `json:"source,omitempty"`
	RequireSignature bool   `json:"requireSignature"`
	Active           bool   `json:"active"`
}

// SaveWebhook creates or updates the webhook endpoint for a flow.
// PUT /flows/:id/webhook
func (h *FlowHandler) SaveWebhook(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid flow id")
	}

	var req saveWebhookRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Slug == "" {
		return badRequest(c, "slug is required")
	}
	if req.Source == "" {
		req.Source = webhook.SourceGeneric
	}

	ctx := c.Request().Context()
	if _, err := h.c.Components.Store.GetFlow(ctx, id); err != nil {
		return writeError(c, err)
	}

	cfg := &models.WebhookConfig{
		Slug:             req.Slug,
		FlowID:           id,
		Secret:           req.Secret,
		Source:           req.Source,
		RequireSignature: req.RequireSignature,
		Active:           req.Active,
	}
	if err := h.c.Components.Store.SaveWebhookConfig(ctx, cfg); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"slug":   cfg.Slug,
		"flowId": cfg.FlowID,
		"active": cfg.Active,
	})
}
