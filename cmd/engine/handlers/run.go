package handlers

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
)

// RunHandler handles run lifecycle requests
type RunHandler struct {
	c *container.Container
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{c: c}
}

type startRunRequest struct {
	VisualGraph   *graph.VisualGraph     `json:"visualGraph,omitempty"`
	InitialInputs map[string]interface{} `json:"initialInputs,omitempty"`
	EntityID      *uuid.UUID             `json:"entityId,omitempty"`
}

// StartRun starts a run for a flow. A supplied visual graph is auto-versioned
// first; otherwise the flow's current version executes.
// POST /run/:flowId
func (h *RunHandler) StartRun(c echo.Context) error {
	flowID, err := uuid.Parse(c.Param("flowId"))
	if err != nil {
		return badRequest(c, "invalid flow id")
	}

	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	vg := req.VisualGraph
	if vg != nil && !h.c.Components.Config.Engine.AutoVersionOnRun {
		return badRequest(c, "auto-versioning on run is disabled; save a version first")
	}

	version, err := h.c.Versions.ResolveForRun(ctx, flowID, vg)
	if err != nil {
		return writeError(c, err)
	}

	run, err := h.c.Engine.StartRun(ctx, version, flowID, req.InitialInputs, req.EntityID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"runId":     run.ID,
		"versionId": version.ID,
		"statusUrl": fmt.Sprintf("%s/status/%s", h.c.Components.Config.Service.BaseURL, run.ID),
	})
}

// Status reports per-node state and the outputs of completed terminal nodes.
// GET /status/:runId
func (h *RunHandler) Status(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badRequest(c, "invalid run id")
	}

	ctx := c.Request().Context()
	run, err := h.c.Components.Store.GetRun(ctx, runID)
	if err != nil {
		return writeError(c, err)
	}
	version, err := h.c.Components.Store.GetVersion(ctx, run.VersionID)
	if err != nil {
		return writeError(c, err)
	}

	nodes := make(map[string]interface{}, len(run.NodeStates))
	for id, state := range run.NodeStates {
		node := map[string]interface{}{"status": state.Status}
		if state.Output != nil {
			node["output"] = state.Output
		}
		if state.Error != "" {
			node["error"] = state.Error
		}
		nodes[id] = node
	}

	finalOutputs := make(map[string]interface{})
	for _, terminal := range version.ExecutionGraph.TerminalNodes {
		if state, ok := run.NodeStates[terminal]; ok && state.Status == models.NodeCompleted {
			finalOutputs[terminal] = state.Output
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"runId":        run.ID,
		"status":       run.Status,
		"nodes":        nodes,
		"finalOutputs": finalOutputs,
	})
}

type callbackRequest struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Callback receives an async worker result and resumes the walk.
// POST /callback/:runId/:nodeId
func (h *RunHandler) Callback(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badRequest(c, "invalid run id")
	}
	nodeID := c.Param("nodeId")

	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Status != string(models.NodeCompleted) && req.Status != string(models.NodeFailed) {
		return badRequest(c, "status must be completed or failed")
	}

	if err := h.c.Dispatcher.HandleCallback(c.Request().Context(), runID, nodeID, req.Status, req.Output, req.Error); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"accepted": true})
}

type completeRequest struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

// Complete finishes a waiting user task.
// POST /complete/:runId/:nodeId
func (h *RunHandler) Complete(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badRequest(c, "invalid run id")
	}
	nodeID := c.Param("nodeId")

	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.c.Engine.CompleteUserTask(c.Request().Context(), runID, nodeID, req.Output); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"completed": true})
}

// Retry resets a failed node and fires it again.
// POST /retry/:runId/:nodeId
func (h *RunHandler) Retry(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badRequest(c, "invalid run id")
	}

	if err := h.c.Engine.Retry(c.Request().Context(), runID, c.Param("nodeId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"retried": true})
}

// Cancel stops a run. In-flight work is absorbed when it lands.
// POST /runs/:id/cancel
func (h *RunHandler) Cancel(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid run id")
	}

	if err := h.c.Engine.Cancel(c.Request().Context(), runID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": true})
}
