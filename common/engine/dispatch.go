package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/worker"
)

// Dispatcher invokes workers for Worker nodes. Sync workers execute inline
// under a timeout context; async workers get a callback URL and a timeout
// supervisor that fails the node if no callback lands in time. All result
// races (late callback vs timeout, duplicate callbacks) are settled by the
// store's CAS, never by the dispatcher.
type Dispatcher struct {
	registry       *worker.Registry
	baseURL        string
	defaultTimeout time.Duration
	kindTimeouts   map[string]time.Duration
	logger         Logger

	engine *Engine

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDispatcher creates a dispatcher. kindTimeouts overrides the default
// per worker kind.
func NewDispatcher(registry *worker.Registry, baseURL string, defaultTimeout time.Duration, kindTimeouts map[string]time.Duration, logger Logger) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		baseURL:        baseURL,
		defaultTimeout: defaultTimeout,
		kindTimeouts:   kindTimeouts,
		logger:         logger,
		timers:         make(map[string]*time.Timer),
	}
}

// bind wires the engine back-reference; completion flows re-enter the
// engine's walk.
func (d *Dispatcher) bind(e *Engine) { d.engine = e }

func (d *Dispatcher) timeoutFor(kind string) time.Duration {
	if t, ok := d.kindTimeouts[kind]; ok && t > 0 {
		return t
	}
	return d.defaultTimeout
}

// Dispatch invokes the worker behind a Worker node.
func (d *Dispatcher) Dispatch(ctx context.Context, runID uuid.UUID, node *graph.ExecNode, input map[string]interface{}) error {
	w, ok := d.registry.Get(node.WorkerKind)
	if !ok {
		derr := &WorkerDispatchError{Kind: node.WorkerKind, Err: fmt.Errorf("worker kind not registered")}
		return d.engine.OnNodeFailed(ctx, runID, node.ID, derr.Error())
	}

	req := &worker.Request{
		RunID:       runID,
		NodeID:      node.ID,
		Input:       input,
		Config:      node.Config,
		CallbackURL: fmt.Sprintf("%s/callback/%s/%s", d.baseURL, runID, node.ID),
	}

	switch w.Mode() {
	case worker.ModeSync:
		return d.executeSync(ctx, runID, node, w.(worker.SyncWorker), req)
	case worker.ModeAsync:
		return d.dispatchAsync(ctx, runID, node, w.(worker.AsyncWorker), req)
	default:
		derr := &WorkerDispatchError{Kind: node.WorkerKind, Err: fmt.Errorf("unknown mode %q", w.Mode())}
		return d.engine.OnNodeFailed(ctx, runID, node.ID, derr.Error())
	}
}

func (d *Dispatcher) executeSync(ctx context.Context, runID uuid.UUID, node *graph.ExecNode, w worker.SyncWorker, req *worker.Request) error {
	execCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(node.WorkerKind))
	defer cancel()

	output, err := w.Execute(execCtx, req)
	if err != nil {
		if execCtx.Err() != nil {
			terr := &WorkerTimeoutError{Kind: node.WorkerKind, Timeout: d.timeoutFor(node.WorkerKind).String()}
			return d.engine.OnNodeFailed(ctx, runID, node.ID, terr.Error())
		}
		derr := &WorkerDispatchError{Kind: node.WorkerKind, Err: err}
		return d.engine.OnNodeFailed(ctx, runID, node.ID, derr.Error())
	}

	return d.engine.OnNodeCompleted(ctx, runID, node.ID, output)
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, runID uuid.UUID, node *graph.ExecNode, w worker.AsyncWorker, req *worker.Request) error {
	timeout := d.timeoutFor(node.WorkerKind)
	key := timerKey(runID, node.ID)

	d.mu.Lock()
	d.timers[key] = time.AfterFunc(timeout, func() {
		d.clearTimer(key)
		terr := &WorkerTimeoutError{Kind: node.WorkerKind, Timeout: timeout.String()}
		// A callback that raced the timer and won left the node completed;
		// the CAS inside OnNodeFailed makes this a no-op then.
		if err := d.engine.OnNodeFailed(context.Background(), runID, node.ID, terr.Error()); err != nil {
			d.logger.Error("timeout handling failed",
				"run_id", runID.String(), "node_id", node.ID, "error", err)
		}
	})
	d.mu.Unlock()

	if err := w.Dispatch(ctx, req); err != nil {
		d.cancelTimer(key)
		derr := &WorkerDispatchError{Kind: node.WorkerKind, Err: err}
		return d.engine.OnNodeFailed(ctx, runID, node.ID, derr.Error())
	}
	return nil
}

// HandleCallback applies an async worker's result. Duplicate or late
// callbacks are absorbed by the completion CAS.
func (d *Dispatcher) HandleCallback(ctx context.Context, runID uuid.UUID, nodeID string, status string, output interface{}, errMsg string) error {
	d.cancelTimer(timerKey(runID, nodeID))

	if status == "failed" {
		if errMsg == "" {
			errMsg = "worker reported failure"
		}
		return d.engine.OnNodeFailed(ctx, runID, nodeID, errMsg)
	}

	run, err := d.engine.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	state := run.NodeStates[nodeID]
	var input map[string]interface{}
	if state != nil {
		input = state.Input
	}

	merged := MergeNodeOutput(input, output)
	return d.engine.OnNodeCompleted(ctx, runID, nodeID, merged)
}

func timerKey(runID uuid.UUID, nodeID string) string {
	return runID.String() + "/" + nodeID
}

func (d *Dispatcher) cancelTimer(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

func (d *Dispatcher) clearTimer(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timers, key)
}
