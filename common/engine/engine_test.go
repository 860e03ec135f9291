package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/common/compiler"
	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/store"
	"github.com/waypointhq/waypoint/common/worker"
)

type testLogger struct{}

func (testLogger) Info(msg string, kv ...interface{})  {}
func (testLogger) Error(msg string, kv ...interface{}) {}
func (testLogger) Warn(msg string, kv ...interface{})  {}
func (testLogger) Debug(msg string, kv ...interface{}) {}

// suffixWorker turns a branch seed into "<branch>-done".
type suffixWorker struct{}

func (suffixWorker) Kind() string { return "suffix" }
func (suffixWorker) Mode() worker.Mode {
	return worker.ModeSync
}
func (suffixWorker) Execute(ctx context.Context, req *worker.Request) (interface{}, error) {
	branch, _ := req.Input["branch"].(string)
	return branch + "-done", nil
}

// flakyWorker fails while fail is set.
type flakyWorker struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyWorker) Kind() string      { return "flaky" }
func (f *flakyWorker) Mode() worker.Mode { return worker.ModeSync }
func (f *flakyWorker) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}
func (f *flakyWorker) Execute(ctx context.Context, req *worker.Request) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("simulated worker failure")
	}
	branch, _ := req.Input["branch"].(string)
	return branch + "-done", nil
}

// parkWorker is async and never reports back on its own; tests drive the
// callback explicitly.
type parkWorker struct {
	mu         sync.Mutex
	dispatches []worker.Request
}

func (p *parkWorker) Kind() string      { return "park" }
func (p *parkWorker) Mode() worker.Mode { return worker.ModeAsync }
func (p *parkWorker) Dispatch(ctx context.Context, req *worker.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatches = append(p.dispatches, *req)
	return nil
}
func (p *parkWorker) dispatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatches)
}

type harness struct {
	store      *store.Memory
	registry   *worker.Registry
	dispatcher *Dispatcher
	engine     *Engine
	flaky      *flakyWorker
	park       *parkWorker
	flowID     uuid.UUID
}

func newHarness(t *testing.T, kindTimeouts map[string]time.Duration) *harness {
	t.Helper()
	st := store.NewMemory()
	registry := worker.NewRegistry()
	flaky := &flakyWorker{}
	park := &parkWorker{}
	require.NoError(t, registry.Register(worker.NewEcho()))
	require.NoError(t, registry.Register(suffixWorker{}))
	require.NoError(t, registry.Register(flaky))
	require.NoError(t, registry.Register(park))

	dispatcher := NewDispatcher(registry, "http://localhost:8080", 5*time.Second, kindTimeouts, testLogger{})
	eng := New(st, registry, dispatcher, nil, testLogger{})

	flowID := uuid.New()
	require.NoError(t, st.CreateFlow(context.Background(), &models.Flow{
		ID: flowID, Name: "test-flow", CreatedAt: time.Now().UTC(),
	}))

	return &harness{
		store: st, registry: registry, dispatcher: dispatcher,
		engine: eng, flaky: flaky, park: park, flowID: flowID,
	}
}

// compileVersion compiles vg against the harness registry and persists the
// version.
func (h *harness) compileVersion(t *testing.T, vg *graph.VisualGraph) *models.Version {
	t.Helper()
	exec, err := compiler.Compile(vg, h.registry)
	require.NoError(t, err)
	v := &models.Version{
		ID:             uuid.New(),
		FlowID:         h.flowID,
		VisualGraph:    *vg,
		ExecutionGraph: *exec,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.store.InsertVersion(context.Background(), v))
	return v
}

func (h *harness) mustRun(t *testing.T, v *models.Version, inputs map[string]interface{}) *models.Run {
	t.Helper()
	run, err := h.engine.StartRun(context.Background(), v, h.flowID, inputs, nil)
	require.NoError(t, err)
	return run
}

func (h *harness) runState(t *testing.T, runID uuid.UUID) *models.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func TestLinearChain(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "U", Type: "Section"},
			{ID: "W", Type: "Worker", Data: graph.NodeData{
				WorkerKind: "echo",
				Inputs:     []graph.InputDecl{{Name: "prompt", Required: true}},
			}},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "U", Target: "W", Data: &graph.EdgeData{Mapping: map[string]string{"prompt": "topic"}}},
			{ID: "e2", Source: "W", Target: "T"},
		},
	})

	run := h.mustRun(t, v, map[string]interface{}{"topic": "hello"})

	final := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, final.Status)
	for id, state := range final.NodeStates {
		assert.Equal(t, models.NodeCompleted, state.Status, "node %s", id)
	}

	terminal := final.NodeStates["T"].Output.(map[string]interface{})
	assert.Equal(t, "hello", terminal["prompt"])
	assert.Equal(t, "hello", terminal["echoed"])
}

func TestFailureIsolationAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.flaky.setFail(true)

	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "S", Type: "Splitter", Data: graph.NodeData{
				Config: map[string]interface{}{"branches": []interface{}{"a", "b"}},
			}},
			{ID: "W1", Type: "Worker", Data: graph.NodeData{WorkerKind: "flaky"}},
			{ID: "W2", Type: "Worker", Data: graph.NodeData{WorkerKind: "suffix"}},
			{ID: "C", Type: "Collector"},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "S", Target: "W1"},
			{ID: "e2", Source: "S", Target: "W2"},
			{ID: "e3", Source: "W1", Target: "C"},
			{ID: "e4", Source: "W2", Target: "C"},
			{ID: "e5", Source: "C", Target: "T"},
		},
	})

	run := h.mustRun(t, v, nil)

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunFailed, state.Status)
	assert.Equal(t, models.NodeFailed, state.NodeStates["W1"].Status)
	assert.Contains(t, state.NodeStates["W1"].Error, "simulated worker failure")
	assert.Equal(t, models.NodeCompleted, state.NodeStates["W2"].Status)
	assert.Equal(t, models.NodePending, state.NodeStates["C"].Status)
	assert.Equal(t, models.NodePending, state.NodeStates["T"].Status)

	// One of two arrivals landed; the collector held.
	require.NotNil(t, state.NodeStates["C"].Collector)
	assert.Equal(t, 2, state.NodeStates["C"].Collector.Expected)
	assert.Len(t, state.NodeStates["C"].Collector.Arrived, 1)

	// Retry after the fault clears.
	h.flaky.setFail(false)
	require.NoError(t, h.engine.Retry(context.Background(), run.ID, "W1"))

	state = h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)
	assert.Equal(t, models.NodeCompleted, state.NodeStates["W1"].Status)
	assert.Equal(t, "", state.NodeStates["W1"].Error)
	assert.Equal(t, models.NodeCompleted, state.NodeStates["C"].Status)
	assert.Equal(t, models.NodeCompleted, state.NodeStates["T"].Status)

	collected := state.NodeStates["C"].Output.([]interface{})
	assert.Equal(t, []interface{}{"a-done", "b-done"}, collected)
}

func TestIdempotentCallback(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "U", Type: "Section"},
			{ID: "W", Type: "Worker", Data: graph.NodeData{WorkerKind: "park"}},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "U", Target: "W"},
			{ID: "e2", Source: "W", Target: "T"},
		},
	})

	run := h.mustRun(t, v, map[string]interface{}{"seed": float64(7)})
	assert.Equal(t, 1, h.park.dispatchCount())

	state := h.runState(t, run.ID)
	assert.Equal(t, models.NodeRunning, state.NodeStates["W"].Status)

	ctx := context.Background()
	payload := map[string]interface{}{"x": float64(1)}
	require.NoError(t, h.dispatcher.HandleCallback(ctx, run.ID, "W", "completed", payload, ""))
	first := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, first.Status)
	firstOut := first.NodeStates["T"].Output

	// Duplicate delivery: absorbed, nothing re-fires, output stable.
	require.NoError(t, h.dispatcher.HandleCallback(ctx, run.ID, "W", "completed", payload, ""))
	second := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, second.Status)
	assert.Equal(t, firstOut, second.NodeStates["T"].Output)
	assert.Equal(t, 1, h.park.dispatchCount())
}

func TestAsyncTimeoutFailsNode(t *testing.T) {
	h := newHarness(t, map[string]time.Duration{"park": 30 * time.Millisecond})
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "W", Type: "Worker", Data: graph.NodeData{WorkerKind: "park"}},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "W", Target: "T"},
		},
	})

	run := h.mustRun(t, v, nil)

	require.Eventually(t, func() bool {
		return h.runState(t, run.ID).Status == models.RunFailed
	}, 2*time.Second, 10*time.Millisecond)

	state := h.runState(t, run.ID)
	assert.Equal(t, models.NodeFailed, state.NodeStates["W"].Status)
	assert.Contains(t, state.NodeStates["W"].Error, "timed out")

	// A late callback after the timeout is absorbed.
	require.NoError(t, h.dispatcher.HandleCallback(context.Background(), run.ID, "W", "completed",
		map[string]interface{}{"x": float64(1)}, ""))
	state = h.runState(t, run.ID)
	assert.Equal(t, models.NodeFailed, state.NodeStates["W"].Status)
}

func TestUserTaskSuspendAndComplete(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "U", Type: "Section"},
			{ID: "X", Type: "UX"},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "U", Target: "X"},
			{ID: "e2", Source: "X", Target: "T"},
		},
	})

	run := h.mustRun(t, v, map[string]interface{}{"question": "approve?"})

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunRunning, state.Status)
	assert.Equal(t, models.NodeWaitingForUser, state.NodeStates["X"].Status)

	err := h.engine.CompleteUserTask(context.Background(), run.ID, "X",
		map[string]interface{}{"approved": true})
	require.NoError(t, err)

	state = h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)
	out := state.NodeStates["X"].Output.(map[string]interface{})
	assert.Equal(t, true, out["approved"])
	assert.Equal(t, "approve?", out["question"])
}

func TestCompleteUserTaskRejectsWrongState(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "U", Type: "Section"},
		},
	})
	run := h.mustRun(t, v, nil)

	err := h.engine.CompleteUserTask(context.Background(), run.ID, "U", nil)
	var terr *models.StatusTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestCancelAbsorbsFutureWork(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "U", Type: "Section"},
			{ID: "X", Type: "UX"},
			{ID: "T", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "U", Target: "X"},
			{ID: "e2", Source: "X", Target: "T"},
		},
	})

	run := h.mustRun(t, v, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Cancel(ctx, run.ID))

	// Cancel is idempotent; late completion does not resume the walk.
	require.NoError(t, h.engine.Cancel(ctx, run.ID))
	_ = h.engine.CompleteUserTask(ctx, run.ID, "X", map[string]interface{}{"approved": true})

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunCancelled, state.Status)
	assert.Equal(t, models.NodePending, state.NodeStates["T"].Status)
}

func TestRetryRequiresFailedNode(t *testing.T) {
	h := newHarness(t, nil)
	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{{ID: "U", Type: "Section"}},
	})
	run := h.mustRun(t, v, nil)

	err := h.engine.Retry(context.Background(), run.ID, "U")
	var rerr *RunNotActiveError
	require.ErrorAs(t, err, &rerr)
}

func TestEntityMovementOnSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	entityID := uuid.New()
	require.NoError(t, h.store.UpsertEntity(ctx, &models.Entity{
		ID:     entityID,
		FlowID: h.flowID,
		Email:  "lead@example.com",
		Type:   "lead",
	}))

	v := h.compileVersion(t, &graph.VisualGraph{
		Nodes: []graph.VisualNode{
			{ID: "W", Type: "Worker", Data: graph.NodeData{
				WorkerKind: "echo",
				EntityMovement: &graph.EntityMovement{
					OnSuccess: &graph.MovementRule{
						TargetSectionID: "won",
						CompleteAs:      "success",
						SetEntityType:   "customer",
					},
				},
			}},
			{ID: "won", Type: "Section"},
		},
		Edges: []graph.VisualEdge{
			{ID: "e1", Source: "W", Target: "won"},
		},
	})

	run, err := h.engine.StartRun(ctx, v, h.flowID, map[string]interface{}{"hi": "there"}, &entityID)
	require.NoError(t, err)

	state := h.runState(t, run.ID)
	assert.Equal(t, models.RunCompleted, state.Status)

	entity, err := h.store.GetEntity(ctx, entityID)
	require.NoError(t, err)
	require.NotNil(t, entity.CurrentNodeID)
	assert.Equal(t, "won", *entity.CurrentNodeID)
	assert.Equal(t, "customer", entity.Type)
	assert.Equal(t, "success", entity.Attributes["lastCompletedAs"])
}
