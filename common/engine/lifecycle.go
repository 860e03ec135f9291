package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/models"
)

// RunEventChannel is the Redis pub/sub channel for run lifecycle events.
const RunEventChannel = "waypoint:run_events"

// StartRun creates a run against an immutable version snapshot and fires
// its entry nodes concurrently. Seeding every node to pending here is the
// only bulk write a run's node states ever receive.
func (e *Engine) StartRun(ctx context.Context, version *models.Version, flowID uuid.UUID, initialInputs map[string]interface{}, entityID *uuid.UUID) (*models.Run, error) {
	if version.FlowID != flowID {
		return nil, fmt.Errorf("version %s does not belong to flow %s", version.ID, flowID)
	}

	g := &version.ExecutionGraph
	now := time.Now().UTC()
	run := &models.Run{
		ID:         uuid.New(),
		FlowID:     flowID,
		VersionID:  version.ID,
		EntityID:   entityID,
		Status:     models.RunRunning,
		NodeStates: make(map[string]*models.NodeState, len(g.Nodes)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for id := range g.Nodes {
		run.NodeStates[id] = &models.NodeState{Status: models.NodePending}
	}

	// Entry inputs are keyed by entry node id; a flat map addresses the
	// sole entry node directly.
	for _, entry := range g.EntryNodes {
		seed := entrySeed(initialInputs, entry, len(g.EntryNodes))
		if len(seed) > 0 {
			run.NodeStates[entry].Input = seed
		}
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.Info("run started",
		"run_id", run.ID.String(), "flow_id", flowID.String(),
		"version_id", version.ID.String(), "entries", len(g.EntryNodes))

	var wg sync.WaitGroup
	errs := make([]error, len(g.EntryNodes))
	for i, entry := range g.EntryNodes {
		wg.Add(1)
		go func(i int, entry string) {
			defer wg.Done()
			errs[i] = e.FireNode(ctx, run.ID, entry)
		}(i, entry)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return run, err
		}
	}
	return run, nil
}

// entrySeed picks the initial input slice for one entry node.
func entrySeed(initialInputs map[string]interface{}, entry string, entryCount int) map[string]interface{} {
	if len(initialInputs) == 0 {
		return nil
	}
	if keyed, ok := initialInputs[entry].(map[string]interface{}); ok {
		return keyed
	}
	if entryCount == 1 {
		return initialInputs
	}
	return nil
}

// finalizeIfTerminal recomputes the run's terminal status. A run completes
// when every terminal node completed; it fails when a failed node blocks a
// terminal from ever completing and nothing is still in flight. Otherwise
// it stays running.
func (e *Engine) finalizeIfTerminal(ctx context.Context, runID uuid.UUID) error {
	run, g, err := e.loadRunGraph(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunRunning {
		return nil
	}

	allTerminalsDone := true
	for _, terminal := range g.TerminalNodes {
		state := run.NodeStates[terminal]
		if state == nil || state.Status != models.NodeCompleted {
			allTerminalsDone = false
			break
		}
	}
	if allTerminalsDone {
		if err := e.store.SetRunTerminalStatus(ctx, runID, models.RunCompleted); err != nil {
			return err
		}
		e.logger.Info("run completed", "run_id", runID.String())
		e.publish(ctx, runID, "run_completed")
		return nil
	}

	inFlight := false
	anyFailed := false
	for _, state := range run.NodeStates {
		switch state.Status {
		case models.NodeRunning, models.NodeWaitingForUser:
			inFlight = true
		case models.NodeFailed:
			anyFailed = true
		}
	}
	if !anyFailed || inFlight {
		return nil
	}

	// No node is in flight and something failed: the run is stuck iff some
	// terminal sits behind a failed upstream.
	canComplete := completionReachability(run, g.InboundEdges)
	for _, terminal := range g.TerminalNodes {
		if !canComplete[terminal] {
			if err := e.store.SetRunTerminalStatus(ctx, runID, models.RunFailed); err != nil {
				return err
			}
			e.logger.Warn("run failed", "run_id", runID.String())
			e.publish(ctx, runID, "run_failed")
			return nil
		}
	}
	return nil
}

// completionReachability computes, per node, whether it can still reach
// completed given current statuses: failed blocks, pending needs all
// journey upstreams to be completable.
func completionReachability(run *models.Run, inbound map[string][]string) map[string]bool {
	memo := make(map[string]bool, len(run.NodeStates))

	var visit func(id string) bool
	visit = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		state := run.NodeStates[id]
		if state == nil {
			memo[id] = false
			return false
		}
		switch state.Status {
		case models.NodeCompleted, models.NodeRunning, models.NodeWaitingForUser:
			memo[id] = true
			return true
		case models.NodeFailed:
			memo[id] = false
			return false
		}
		// The journey subgraph is acyclic, so marking before recursing is
		// unnecessary; pending nodes resolve from their upstreams.
		ok := true
		for _, up := range inbound[id] {
			if !visit(up) {
				ok = false
				break
			}
		}
		memo[id] = ok
		return ok
	}

	for id := range run.NodeStates {
		visit(id)
	}
	return memo
}

type runEvent struct {
	RunID  string `json:"runId"`
	FlowID string `json:"flowId"`
	Event  string `json:"event"`
	At     string `json:"at"`
}

// publish emits a run lifecycle event. Event delivery is best effort; a
// broker outage must never affect execution state.
func (e *Engine) publish(ctx context.Context, runID uuid.UUID, event string) {
	if e.events == nil {
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(runEvent{
		RunID:  runID.String(),
		FlowID: run.FlowID.String(),
		Event:  event,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := e.events.PublishEvent(ctx, RunEventChannel, string(payload)); err != nil {
		e.logger.Warn("run event publish failed", "run_id", runID.String(), "error", err)
	}
}
