package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/store"
	"github.com/waypointhq/waypoint/common/worker"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// EventPublisher fans run lifecycle events out to subscribers. The Redis
// client satisfies this; a nil publisher disables events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}

// Engine walks runs edge by edge. It holds no per-run state: every
// operation loads the run and its version snapshot from the Store, and all
// node-state mutations go through the Store's atomic primitives, so any
// number of engine processes can drive the same run.
type Engine struct {
	store      store.Store
	workers    *worker.Registry
	eval       *Evaluator
	dispatcher *Dispatcher
	events     EventPublisher
	logger     Logger
}

// New creates an engine.
func New(st store.Store, workers *worker.Registry, dispatcher *Dispatcher, events EventPublisher, logger Logger) *Engine {
	e := &Engine{
		store:      st,
		workers:    workers,
		eval:       NewEvaluator(),
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
	dispatcher.bind(e)
	return e
}

// loadRunGraph fetches the run and the execution graph of its pinned
// version.
func (e *Engine) loadRunGraph(ctx context.Context, runID uuid.UUID) (*models.Run, *graph.ExecutionGraph, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	v, err := e.store.GetVersion(ctx, run.VersionID)
	if err != nil {
		return nil, nil, err
	}
	return run, &v.ExecutionGraph, nil
}

// FireNode transitions a node pending -> running and dispatches it by type.
// A rejected transition (already running or completed) returns nil: firing
// is idempotent. Firing against a terminal run is a no-op.
func (e *Engine) FireNode(ctx context.Context, runID uuid.UUID, nodeID string) error {
	run, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() && run.Status != models.RunFailed {
		// Cancelled and completed runs absorb late firing. Failed runs keep
		// accepting fires so retry can resume the walk.
		return nil
	}

	node := g.Node(nodeID)
	if node == nil {
		return store.ErrNodeNotFound
	}

	input := computeReadyInput(g, run, nodeID)

	applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID,
		[]models.NodeStatus{models.NodePending}, models.NodeRunning,
		models.NodeStateUpdate{SetInput: true, Input: input})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("fire skipped, node not pending",
			"run_id", runID.String(), "node_id", nodeID, "status", string(current.Status))
		return nil
	}

	log := e.logger
	log.Info("node fired", "run_id", runID.String(), "node_id", nodeID, "type", node.Type)

	switch node.Type {
	case graph.NodeTypeWorker:
		return e.dispatcher.Dispatch(ctx, runID, node, input)

	case graph.NodeTypeUX:
		_, _, err := e.store.UpdateNodeState(ctx, runID, nodeID,
			[]models.NodeStatus{models.NodeRunning}, models.NodeWaitingForUser,
			models.NodeStateUpdate{})
		return err

	case graph.NodeTypeSplitter:
		return e.fireSplitter(ctx, runID, g, node, input)

	case graph.NodeTypeCollector:
		return e.fireCollector(ctx, runID, node)

	case graph.NodeTypeSection:
		// Sections are waypoints: they complete immediately, exposing their
		// input as output so downstream mappings can address it.
		return e.OnNodeCompleted(ctx, runID, nodeID, input)

	default:
		return fmt.Errorf("unknown node type %q for node %s", node.Type, nodeID)
	}
}

// OnNodeCompleted records a node's output and walks its outbound edges.
// Duplicate completions are absorbed by the CAS and walk nothing.
func (e *Engine) OnNodeCompleted(ctx context.Context, runID uuid.UUID, nodeID string, output interface{}) error {
	applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID,
		[]models.NodeStatus{models.NodeRunning, models.NodeWaitingForUser}, models.NodeCompleted,
		models.NodeStateUpdate{SetOutput: true, Output: output})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("completion ignored, node not running",
			"run_id", runID.String(), "node_id", nodeID, "status", string(current.Status))
		return nil
	}

	e.logger.Info("node completed", "run_id", runID.String(), "node_id", nodeID)

	run, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}

	if node := g.Node(nodeID); node != nil && node.EntityMovement != nil {
		e.applyEntityMovement(ctx, run, node, node.EntityMovement.OnSuccess, output)
	}

	if err := e.walk(ctx, runID, g, nodeID, output); err != nil {
		return err
	}
	return e.finalizeIfTerminal(ctx, runID)
}

// walk propagates output along the completed node's outbound edges and
// fires whatever became ready.
func (e *Engine) walk(ctx context.Context, runID uuid.UUID, g *graph.ExecutionGraph, nodeID string, output interface{}) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunCancelled {
		return nil
	}

	for _, edge := range g.OutboundEdges[nodeID] {
		target := g.Node(edge.Target)
		if target == nil {
			continue
		}

		if edge.Type == graph.EdgeTypeSystem {
			// System edges trigger their target once; they never gate or
			// satisfy journey readiness.
			partial := ResolveEdgeInput(edge.Mapping, output)
			if len(partial) > 0 {
				if err := e.store.MergeNodeInput(ctx, runID, edge.Target, partial); err != nil {
					return err
				}
			}
			if err := e.FireNode(ctx, runID, edge.Target); err != nil {
				return err
			}
			continue
		}

		if target.Type == graph.NodeTypeCollector {
			if err := e.deliverToCollector(ctx, runID, g, nodeID, edge, output); err != nil {
				return err
			}
			continue
		}

		partial := ResolveEdgeInput(edge.Mapping, output)
		if len(partial) > 0 {
			if err := e.store.MergeNodeInput(ctx, runID, edge.Target, partial); err != nil {
				return err
			}
		}

		ready, err := e.isReady(ctx, runID, g, edge.Target)
		if err != nil {
			return err
		}
		if ready {
			if err := e.FireNode(ctx, runID, edge.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

// isReady reports whether every journey upstream of nodeID is completed.
// Each caller completed (and persisted) its own node before walking, so the
// last upstream to finish always observes a fully completed set.
func (e *Engine) isReady(ctx context.Context, runID uuid.UUID, g *graph.ExecutionGraph, nodeID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, upstream := range g.InboundEdges[nodeID] {
		state := run.NodeStates[upstream]
		if state == nil || state.Status != models.NodeCompleted {
			return false, nil
		}
	}
	return true, nil
}

// OnNodeFailed marks a node failed and recomputes the run status. Sibling
// branches keep walking; only this node's downstream is blocked.
func (e *Engine) OnNodeFailed(ctx context.Context, runID uuid.UUID, nodeID string, errMsg string) error {
	applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID,
		[]models.NodeStatus{models.NodeRunning}, models.NodeFailed,
		models.NodeStateUpdate{Error: errMsg})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("failure ignored, node not running",
			"run_id", runID.String(), "node_id", nodeID, "status", string(current.Status))
		return nil
	}

	e.logger.Warn("node failed", "run_id", runID.String(), "node_id", nodeID, "node_error", errMsg)

	run, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}
	if node := g.Node(nodeID); node != nil && node.EntityMovement != nil {
		state := run.NodeStates[nodeID]
		var output interface{}
		if state != nil {
			output = state.Output
		}
		e.applyEntityMovement(ctx, run, node, node.EntityMovement.OnFailure, output)
	}

	return e.finalizeIfTerminal(ctx, runID)
}

// Retry moves a failed node back to pending and re-fires it when its
// upstreams are still satisfied. A failed run resumes running.
func (e *Engine) Retry(ctx context.Context, runID uuid.UUID, nodeID string) error {
	run, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunCancelled || run.Status == models.RunCompleted {
		return &RunNotActiveError{RunID: runID.String(), Status: string(run.Status)}
	}

	applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID,
		[]models.NodeStatus{models.NodeFailed}, models.NodePending,
		models.NodeStateUpdate{})
	if err != nil {
		return err
	}
	if !applied {
		return &models.StatusTransitionError{NodeID: nodeID, From: current.Status, To: models.NodePending}
	}

	if run.Status == models.RunFailed {
		if err := e.store.SetRunTerminalStatus(ctx, runID, models.RunRunning); err != nil {
			return err
		}
	}

	e.logger.Info("node retry", "run_id", runID.String(), "node_id", nodeID)

	ready, err := e.isReady(ctx, runID, g, nodeID)
	if err != nil {
		return err
	}
	if !ready {
		// Upstreams were invalidated since the failure; the node fires when
		// they complete again.
		return nil
	}
	return e.FireNode(ctx, runID, nodeID)
}

// CompleteUserTask finishes a UX node with user-supplied output.
func (e *Engine) CompleteUserTask(ctx context.Context, runID uuid.UUID, nodeID string, payload map[string]interface{}) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	state := run.NodeStates[nodeID]
	if state == nil {
		return store.ErrNodeNotFound
	}
	if state.Status != models.NodeWaitingForUser && state.Status != models.NodeRunning {
		return &models.StatusTransitionError{NodeID: nodeID, From: state.Status, To: models.NodeCompleted}
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	output := MergeNodeOutput(state.Input, payload)
	applied, current, err := e.store.UpdateNodeState(ctx, runID, nodeID,
		[]models.NodeStatus{models.NodeWaitingForUser, models.NodeRunning}, models.NodeCompleted,
		models.NodeStateUpdate{SetOutput: true, Output: output})
	if err != nil {
		return err
	}
	if !applied {
		return &models.StatusTransitionError{NodeID: nodeID, From: current.Status, To: models.NodeCompleted}
	}

	e.logger.Info("user task completed", "run_id", runID.String(), "node_id", nodeID)

	_, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}
	if err := e.walk(ctx, runID, g, nodeID, output); err != nil {
		return err
	}
	return e.finalizeIfTerminal(ctx, runID)
}

// Cancel marks a run cancelled. Subsequent fires no-op; in-flight callbacks
// are absorbed idempotently.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunCompleted || run.Status == models.RunFailed {
		return &RunNotActiveError{RunID: runID.String(), Status: string(run.Status)}
	}
	if run.Status == models.RunCancelled {
		return nil
	}
	if err := e.store.SetRunTerminalStatus(ctx, runID, models.RunCancelled); err != nil {
		return err
	}
	e.logger.Info("run cancelled", "run_id", runID.String())
	e.publish(ctx, runID, "run_cancelled")
	return nil
}

// applyEntityMovement moves the run's entity per a movement rule. Movement
// errors are logged, never propagated: entity journeys are advisory and
// must not fail execution.
func (e *Engine) applyEntityMovement(ctx context.Context, run *models.Run, node *graph.ExecNode, rule *graph.MovementRule, output interface{}) {
	if rule == nil || run.EntityID == nil {
		return
	}

	if rule.Guard != "" {
		state := run.NodeStates[node.ID]
		var input map[string]interface{}
		if state != nil {
			input = state.Input
		}
		ok, err := e.eval.EvaluateBool(rule.Guard, input, output)
		if err != nil {
			e.logger.Warn("entity movement guard failed",
				"run_id", run.ID.String(), "node_id", node.ID, "error", err)
			return
		}
		if !ok {
			return
		}
	}

	entity, err := e.store.GetEntity(ctx, *run.EntityID)
	if err != nil {
		e.logger.Warn("entity movement: load entity",
			"run_id", run.ID.String(), "entity_id", run.EntityID.String(), "error", err)
		return
	}

	entity.PlaceAtNode(rule.TargetSectionID)
	if rule.SetEntityType != "" {
		entity.Type = rule.SetEntityType
	}
	if rule.CompleteAs != "" {
		if entity.Attributes == nil {
			entity.Attributes = map[string]interface{}{}
		}
		entity.Attributes["lastCompletedAs"] = rule.CompleteAs
	}

	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		e.logger.Warn("entity movement: save entity",
			"run_id", run.ID.String(), "entity_id", entity.ID.String(), "error", err)
		return
	}
	e.logger.Debug("entity moved",
		"run_id", run.ID.String(), "entity_id", entity.ID.String(), "section", rule.TargetSectionID)
}
