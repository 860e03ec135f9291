package engine

import (
	"fmt"
	"sort"

	"context"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
)

// enumerateBranches resolves a splitter's branch list: a static config
// list, a named input field, or a CEL expression over the input.
func (e *Engine) enumerateBranches(node *graph.ExecNode, input map[string]interface{}) ([]interface{}, error) {
	if raw, ok := node.Config["branches"]; ok {
		branches, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("splitter %s: config.branches is not a list", node.ID)
		}
		return branches, nil
	}

	if field, ok := node.Config["branchesField"].(string); ok && field != "" {
		raw, ok := graph.Lookup(input, field)
		if !ok {
			return nil, fmt.Errorf("splitter %s: input field %q not present", node.ID, field)
		}
		branches, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("splitter %s: input field %q is not a list", node.ID, field)
		}
		return branches, nil
	}

	if expr, ok := node.Config["branchesExpr"].(string); ok && expr != "" {
		branches, err := e.eval.EvaluateList(expr, input, nil)
		if err != nil {
			return nil, fmt.Errorf("splitter %s: %w", node.ID, err)
		}
		return branches, nil
	}

	return nil, fmt.Errorf("splitter %s: no branch source configured", node.ID)
}

// fireSplitter enumerates branches, seeds one branch per outbound journey
// edge and completes. Branch payloads travel as seeds, not as pass-through
// output, so downstream inputs stay scoped to their own branch.
func (e *Engine) fireSplitter(ctx context.Context, runID uuid.UUID, g *graph.ExecutionGraph, node *graph.ExecNode, input map[string]interface{}) error {
	branches, err := e.enumerateBranches(node, input)
	if err != nil {
		return e.OnNodeFailed(ctx, runID, node.ID, err.Error())
	}

	var journeyEdges []graph.OutboundEdge
	for _, edge := range g.OutboundEdges[node.ID] {
		if edge.Type == graph.EdgeTypeJourney {
			journeyEdges = append(journeyEdges, edge)
		}
	}
	if len(branches) != len(journeyEdges) {
		return e.OnNodeFailed(ctx, runID, node.ID,
			fmt.Sprintf("splitter %s: %d branches for %d outgoing edges", node.ID, len(branches), len(journeyEdges)))
	}

	for i, edge := range journeyEdges {
		seed := map[string]interface{}{
			"branch":      branches[i],
			"branchIndex": i,
		}
		if err := e.store.MergeNodeInput(ctx, runID, edge.Target, seed); err != nil {
			return err
		}
	}

	applied, _, err := e.store.UpdateNodeState(ctx, runID, node.ID,
		[]models.NodeStatus{models.NodeRunning}, models.NodeCompleted,
		models.NodeStateUpdate{SetOutput: true, Output: branches})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	e.logger.Info("splitter fanned out",
		"run_id", runID.String(), "node_id", node.ID, "branches", len(branches))

	for _, edge := range journeyEdges {
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
	return e.finalizeIfTerminal(ctx, runID)
}

// deliverToCollector records one upstream arrival and fires the collector
// when the last expected branch lands. The atomic append serializes
// concurrent arrivals, so exactly one caller observes the tracking record
// become complete with the collector still pending.
func (e *Engine) deliverToCollector(ctx context.Context, runID uuid.UUID, g *graph.ExecutionGraph, sourceID string, edge graph.OutboundEdge, output interface{}) error {
	var payload interface{}
	if len(edge.Mapping) > 0 {
		payload = map[string]interface{}(ResolveEdgeInput(edge.Mapping, output))
	} else {
		payload = output
	}

	expected := len(g.InboundEdges[edge.Target])
	tracking, err := e.store.AppendCollectorArrival(ctx, runID, edge.Target, sourceID, payload, expected)
	if err != nil {
		return err
	}

	e.logger.Debug("collector arrival",
		"run_id", runID.String(), "node_id", edge.Target,
		"upstream", sourceID, "arrived", len(tracking.Arrived), "expected", tracking.Expected)

	if !tracking.Complete() {
		return nil
	}
	return e.FireNode(ctx, runID, edge.Target)
}

// fireCollector aggregates the received branch payloads and completes. The
// pending -> running CAS in FireNode already guaranteed single execution.
func (e *Engine) fireCollector(ctx context.Context, runID uuid.UUID, node *graph.ExecNode) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	state := run.NodeStates[node.ID]
	if state == nil || state.Collector == nil {
		return e.OnNodeFailed(ctx, runID, node.ID,
			fmt.Sprintf("collector %s fired without tracking record", node.ID))
	}

	aggregate := aggregateArrivals(state.Collector, node.Config)
	return e.OnNodeCompleted(ctx, runID, node.ID, aggregate)
}

// aggregateArrivals folds the tracking record into the collector output.
// Policy "list" (default) orders payloads by upstream node id
// lexicographically; "map" keys payloads by upstream node id.
func aggregateArrivals(tracking *models.CollectorTracking, config map[string]interface{}) interface{} {
	received := make([]models.CollectorArrival, len(tracking.Received))
	copy(received, tracking.Received)
	sort.Slice(received, func(i, j int) bool {
		return received[i].UpstreamNodeID < received[j].UpstreamNodeID
	})

	if policy, _ := config["aggregate"].(string); policy == "map" {
		out := make(map[string]interface{}, len(received))
		for _, arrival := range received {
			out[arrival.UpstreamNodeID] = arrival.Payload
		}
		return out
	}

	out := make([]interface{}, 0, len(received))
	for _, arrival := range received {
		out = append(out, arrival.Payload)
	}
	return out
}
