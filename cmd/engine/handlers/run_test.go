package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/common/bootstrap"
	"github.com/waypointhq/waypoint/common/compiler"
	"github.com/waypointhq/waypoint/common/config"
	"github.com/waypointhq/waypoint/common/engine"
	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/logger"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/store"
	"github.com/waypointhq/waypoint/common/worker"
)

// callbackHarness runs the engine behind a real HTTP server so async workers
// report back through the actual /callback route instead of a stub.
type callbackHarness struct {
	store  *store.Memory
	engine *engine.Engine
	flowID uuid.UUID
}

func newCallbackHarness(t *testing.T) *callbackHarness {
	t.Helper()
	log := logger.New("error", "text")
	st := store.NewMemory()

	registry := worker.NewRegistry()
	require.NoError(t, registry.Register(worker.NewHTTP(5*time.Second, true, log)))

	e := echo.New()
	api := httptest.NewServer(e)
	t.Cleanup(api.Close)

	dispatcher := engine.NewDispatcher(registry, api.URL, 5*time.Second, nil, log)
	eng := engine.New(st, registry, dispatcher, nil, log)

	cfg := &config.Config{}
	cfg.Service.BaseURL = api.URL
	c := &container.Container{
		Components: &bootstrap.Components{Config: cfg, Logger: log, Store: st},
		Registry:   registry,
		Dispatcher: dispatcher,
		Engine:     eng,
	}
	e.POST("/callback/:runId/:nodeId", NewRunHandler(c).Callback)

	flowID := uuid.New()
	require.NoError(t, st.CreateFlow(context.Background(), &models.Flow{
		ID: flowID, Name: "callback-flow", CreatedAt: time.Now().UTC(),
	}))

	return &callbackHarness{store: st, engine: eng, flowID: flowID}
}

// startHTTPNodeRun starts a run whose single node calls targetURL.
func (h *callbackHarness) startHTTPNodeRun(t *testing.T, targetURL string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	vg := &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "W", Type: "Worker", Data: graph.NodeData{
				WorkerKind: "http",
				Config:     map[string]interface{}{"url": targetURL},
			}},
		},
	}
	exec, err := compiler.Compile(vg, compiler.KindSet{"http": true})
	require.NoError(t, err)

	v := &models.Version{
		ID:             uuid.New(),
		FlowID:         h.flowID,
		VisualGraph:    *vg,
		ExecutionGraph: *exec,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.store.InsertVersion(ctx, v))

	run, err := h.engine.StartRun(ctx, v, h.flowID, nil, nil)
	require.NoError(t, err)
	return run.ID
}

func (h *callbackHarness) waitForNodeStatus(t *testing.T, runID uuid.UUID, nodeID string, want models.NodeStatus) *models.NodeState {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := h.store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		state := run.NodeStates[nodeID]
		return state != nil && state.Status == want
	}, 3*time.Second, 20*time.Millisecond, "node %s never reached %s", nodeID, want)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run.NodeStates[nodeID]
}

func TestHTTPWorkerCompletesThroughCallbackRoute(t *testing.T) {
	h := newCallbackHarness(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer remote.Close()

	runID := h.startHTTPNodeRun(t, remote.URL)

	state := h.waitForNodeStatus(t, runID, "W", models.NodeCompleted)
	out, ok := state.Output.(map[string]interface{})
	require.True(t, ok, "output should be the merged response object, got %T", state.Output)
	assert.Equal(t, true, out["ok"])

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestHTTPWorkerReportsRemoteFailureThroughCallbackRoute(t *testing.T) {
	h := newCallbackHarness(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer remote.Close()

	runID := h.startHTTPNodeRun(t, remote.URL)

	state := h.waitForNodeStatus(t, runID, "W", models.NodeFailed)
	assert.Contains(t, state.Error, "endpoint returned 500")

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
}
