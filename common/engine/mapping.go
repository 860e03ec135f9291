package engine

import (
	"sort"

	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
)

// ResolveEdgeInput computes the partial input an edge contributes to its
// target from the upstream output. With a mapping, each entry resolves as a
// dotted path into the output, falling back to the literal value when the
// path does not resolve. Without a mapping the whole output passes through;
// a primitive output is wrapped under "input" rather than spread.
func ResolveEdgeInput(mapping map[string]string, output interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		if m, ok := output.(map[string]interface{}); ok {
			partial := make(map[string]interface{}, len(m))
			for k, v := range m {
				partial[k] = v
			}
			return partial
		}
		if output == nil {
			return map[string]interface{}{}
		}
		return map[string]interface{}{"input": output}
	}

	partial := make(map[string]interface{}, len(mapping))
	for targetKey, sourcePath := range mapping {
		if v, ok := graph.Lookup(output, sourcePath); ok {
			partial[targetKey] = v
		} else {
			partial[targetKey] = sourcePath
		}
	}
	return partial
}

// MergeNodeOutput folds a worker's output into the node's stored input to
// produce the recorded output. Map-into-map shallow-merges with the output
// winning on key conflicts. A primitive output with no stored input stays
// raw; a primitive meeting a non-empty input becomes {input, output} so a
// primitive never spreads into an object.
func MergeNodeOutput(input map[string]interface{}, output interface{}) interface{} {
	outMap, outIsMap := output.(map[string]interface{})

	if outIsMap {
		merged := make(map[string]interface{}, len(input)+len(outMap))
		for k, v := range input {
			merged[k] = v
		}
		for k, v := range outMap {
			merged[k] = v
		}
		return merged
	}

	if len(input) == 0 {
		return output
	}
	return map[string]interface{}{
		"input":  input,
		"output": output,
	}
}

// inboundRef orders one inbound edge for deterministic input recomputation.
type inboundRef struct {
	upstreamID string
	edgeID     string
	mapping    map[string]string
}

// computeReadyInput rebuilds a node's full input from every completed
// upstream, in (upstream node-id, edge-id) order, defaults first. Because
// the last completer recomputes from a snapshot where all upstreams are
// completed, the result is the same no matter which upstream finished last.
func computeReadyInput(g *graph.ExecutionGraph, run *models.Run, nodeID string) map[string]interface{} {
	input := make(map[string]interface{})

	node := g.Node(nodeID)
	if node != nil {
		for _, decl := range node.Inputs {
			if decl.HasDefault() {
				input[decl.Name] = *decl.Default
			}
		}
	}

	var refs []inboundRef
	for _, upstream := range g.InboundEdges[nodeID] {
		for _, edge := range g.OutboundEdges[upstream] {
			if edge.Target != nodeID || edge.Type != graph.EdgeTypeJourney {
				continue
			}
			refs = append(refs, inboundRef{
				upstreamID: upstream,
				edgeID:     edge.EdgeID,
				mapping:    edge.Mapping,
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].upstreamID != refs[j].upstreamID {
			return refs[i].upstreamID < refs[j].upstreamID
		}
		return refs[i].edgeID < refs[j].edgeID
	})

	// Seeds written before firing (splitter branches, entry inputs) survive
	// under keys no upstream overwrites.
	if state := run.NodeStates[nodeID]; state != nil {
		for k, v := range state.Input {
			input[k] = v
		}
	}

	for _, ref := range refs {
		upState := run.NodeStates[ref.upstreamID]
		if upState == nil || upState.Status != models.NodeCompleted {
			continue
		}
		if up := g.Node(ref.upstreamID); up != nil && up.Type == graph.NodeTypeSplitter && len(ref.mapping) == 0 {
			// Splitter outputs are the whole branch list; each target sees
			// only its seeded branch unless a mapping asks for more.
			continue
		}
		for k, v := range ResolveEdgeInput(ref.mapping, upState.Output) {
			input[k] = v
		}
	}

	return input
}
