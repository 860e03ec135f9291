package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
)

func fanoutGraph(splitterConfig map[string]interface{}, collectorConfig map[string]interface{}) *graph.VisualGraph {
	return &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "S", Type: "Splitter", Data: graph.NodeData{Config: splitterConfig}},
			{ID: "W1", Type: "Worker", Data: graph.NodeData{WorkerKind: "suffix"}},
			{ID: "W2", Type: "Worker", Data: graph.NodeData{WorkerKind: "suffix"}},
			{ID: "W3", Type: "Worker", Data: graph.NodeData{WorkerKind: "suffix"}},
			{ID: "C", Type: "Collector", Data: graph.NodeData{Config: collectorConfig}},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "S", Target: "W1"},
			{ID: "e2", Source: "S", Target: "W2"},
			{ID: "e3", Source: "S", Target: "W3"},
			{ID: "e4", Source: "W1", Target: "C"},
			{ID: "e5", Source: "W2", Target: "C"},
			{ID: "e6", Source: "W3", Target: "C"},
			{ID: "e7", Source: "C", Target: "T"},
		},
	}
}

func TestSplitterCollectorFanOut(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branches": []interface{}{"a", "b", "c"}}, nil))

	run := h.mustRun(t, v, nil)

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)

	// Each worker saw its own branch.
	for i, id := range []string{"W1", "W2", "W3"} {
		in := state.NodeStates[id].Input
		assert.Equal(t, []interface{}{"a", "b", "c"}[i], in["branch"], "node %s", id)
	}

	// Fired once, aggregated in upstream-id lexicographic order.
	tracking := state.NodeStates["C"].Collector
	require.NotNil(t, tracking)
	assert.Equal(t, 3, tracking.Expected)
	assert.Len(t, tracking.Arrived, 3)
	assert.Equal(t, []interface{}{"a-done", "b-done", "c-done"}, state.NodeStates["C"].Output)
}

func TestCollectorMapAggregation(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branches": []interface{}{"x", "y", "z"}},
		map[string]interface{}{"aggregate": "map"}))

	run := h.mustRun(t, v, nil)

	state := h.runState(t, run.ID)
	require.Equal(t, models.RunCompleted, state.Status)
	out := state.NodeStates["C"].Output.(map[string]interface{})
	assert.Equal(t, "x-done", out["W1"])
	assert.Equal(t, "y-done", out["W2"])
	assert.Equal(t, "z-done", out["W3"])
}

func TestSplitterBranchesFromInputField(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branchesField": "items"}, nil))

	run := h.mustRun(t, v, map[string]interface{}{
		"items": []interface{}{"p", "q", "r"},
	})

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)
	assert.Equal(t, []interface{}{"p-done", "q-done", "r-done"}, state.NodeStates["C"].Output)
}

func TestSplitterBranchesFromExpression(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branchesExpr": `["e-" + input.tag, "f-" + input.tag, "g-" + input.tag]`}, nil))

	run := h.mustRun(t, v, map[string]interface{}{"tag": "1"})

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)
	assert.Equal(t, []interface{}{"e-1-done", "f-1-done", "g-1-done"}, state.NodeStates["C"].Output)
}

func TestSplitterBranchCountMismatchFailsNode(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branches": []interface{}{"only-one"}}, nil))

	run := h.mustRun(t, v, nil)

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunFailed, state.Status)
	assert.Equal(t, models.NodeFailed, state.NodeStates["S"].Status)
	assert.Contains(t, state.NodeStates["S"].Error, "1 branches for 3 outgoing edges")
}

// Concurrent arrivals must neither lose updates nor fire the collector
// twice.
func TestConcurrentCollectorArrivals(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for iter := 0; iter < 20; iter++ {
		v := h.compileVersion(t, fanoutGraph(
			map[string]interface{}{"branchesExpr": `["a", "b", "c"]`}, nil))

		run, err := h.engine.StartRun(ctx, v, h.flowID, nil, nil)
		require.NoError(t, err)

		state := h.runState(t, run.ID)
		require.Equal(t, models.RunCompleted, state.Status)

		tracking := state.NodeStates["C"].Collector
		require.Len(t, tracking.Received, 3)
		assert.Equal(t, []interface{}{"a-done", "b-done", "c-done"}, state.NodeStates["C"].Output)
	}
}

// Arrivals racing through the store primitive directly: exactly one caller
// observes completion, and no payload is lost.
func TestAppendCollectorArrivalRace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v := h.compileVersion(t, fanoutGraph(
		map[string]interface{}{"branches": []interface{}{"a", "b", "c"}}, nil))

	// Create the run without firing anything.
	run := &models.Run{
		ID:        uuid.New(),
		FlowID:    h.flowID,
		VersionID: v.ID,
		Status:    models.RunRunning,
		NodeStates: map[string]*models.NodeState{
			"C": {Status: models.NodePending},
		},
	}
	require.NoError(t, h.store.CreateRun(ctx, run))

	upstreams := []string{"W1", "W2", "W3"}
	completions := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, up := range upstreams {
		wg.Add(1)
		go func(up string) {
			defer wg.Done()
			tracking, err := h.store.AppendCollectorArrival(ctx, run.ID, "C", up, up+"-payload", 3)
			require.NoError(t, err)
			if tracking.Complete() {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(up)
	}
	wg.Wait()

	state := h.runState(t, run.ID)
	tracking := state.NodeStates["C"].Collector
	require.NotNil(t, tracking)
	assert.Equal(t, 3, tracking.Expected)
	assert.Len(t, tracking.Received, 3)
	assert.Len(t, tracking.Arrived, 3)
	// At least the final arrival observes completion; the pending->running
	// CAS keeps multiple observers from double-firing.
	assert.GreaterOrEqual(t, completions, 1)
}
