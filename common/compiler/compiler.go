package compiler

import (
	"fmt"

	"github.com/waypointhq/waypoint/common/graph"
)

// WorkerKinds answers whether a worker kind is registered. The worker
// registry satisfies this; tests pass a KindSet.
type WorkerKinds interface {
	Has(kind string) bool
}

// KindSet is a WorkerKinds backed by a map.
type KindSet map[string]bool

// Has reports whether kind is in the set.
func (s KindSet) Has(kind string) bool { return s[kind] }

// Compile validates a Visual Graph and emits the Optimized Execution Graph.
// All validation passes run and their errors are collected; on any error a
// *ValidationFailure is returned and no OEG is produced. Compilation is pure
// and deterministic: identical input yields structurally equal output, and
// node ids are preserved byte-for-byte.
func Compile(vg *graph.VisualGraph, kinds WorkerKinds) (*graph.ExecutionGraph, error) {
	c := &compilation{vg: vg, kinds: kinds}

	c.indexNodes()
	c.indexEdges()

	c.detectCycles()
	c.checkRequiredInputs()
	c.checkWorkerKinds()
	c.checkMappings()
	c.checkSplitterCollectorPairs()
	c.checkEntityMovement()

	if len(c.errors) > 0 {
		return nil, &ValidationFailure{Errors: c.errors}
	}

	return c.build(), nil
}

// compilation holds the working state of one compile call.
type compilation struct {
	vg    *graph.VisualGraph
	kinds WorkerKinds

	errors []ValidationError

	// nodes indexes normalized nodes by id, in input order via nodeOrder.
	nodes     map[string]*graph.ExecNode
	nodeOrder []string

	// journeyAdj / journeyIn are journey-edge views used by validation.
	journeyAdj map[string][]string
	journeyIn  map[string][]string

	// inboundMappings maps target node id -> mappings of its inbound
	// journey edges, for required-input satisfiability.
	inboundMappings map[string][]map[string]string
}

func (c *compilation) addError(e ValidationError) {
	c.errors = append(c.errors, e)
}

// indexNodes normalizes node types and builds the id index. Ids are never
// renamed or sanitized.
func (c *compilation) indexNodes() {
	c.nodes = make(map[string]*graph.ExecNode, len(c.vg.Nodes))
	for _, vn := range c.vg.Nodes {
		if vn.ID == "" {
			c.addError(ValidationError{Kind: ErrInvalidNode, Message: "node with empty id"})
			continue
		}
		if _, dup := c.nodes[vn.ID]; dup {
			c.addError(ValidationError{Kind: ErrInvalidNode, NodeID: vn.ID,
				Message: fmt.Sprintf("duplicate node id %q", vn.ID)})
			continue
		}
		nodeType, ok := graph.NormalizeNodeType(vn.Type)
		if !ok {
			c.addError(ValidationError{Kind: ErrInvalidNode, NodeID: vn.ID, Field: "type",
				Message: fmt.Sprintf("unknown node type %q", vn.Type)})
			continue
		}
		c.nodes[vn.ID] = &graph.ExecNode{
			ID:             vn.ID,
			Type:           nodeType,
			WorkerKind:     vn.Data.WorkerKind,
			Config:         vn.Data.Config,
			Inputs:         vn.Data.Inputs,
			Outputs:        vn.Data.Outputs,
			EntityMovement: vn.Data.EntityMovement,
		}
		c.nodeOrder = append(c.nodeOrder, vn.ID)
	}
}

// indexEdges builds the journey-edge views. Edges with missing endpoints are
// reported here and excluded from the views so later passes see a closed
// graph.
func (c *compilation) indexEdges() {
	c.journeyAdj = make(map[string][]string)
	c.journeyIn = make(map[string][]string)
	c.inboundMappings = make(map[string][]map[string]string)

	for _, e := range c.vg.Edges {
		_, srcOK := c.nodes[e.Source]
		_, tgtOK := c.nodes[e.Target]
		if !srcOK || !tgtOK {
			c.addError(ValidationError{Kind: ErrInvalidMapping, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %s references missing node (%s -> %s)", e.ID, e.Source, e.Target)})
			continue
		}
		if e.EdgeKind() != graph.EdgeTypeJourney {
			continue
		}
		c.journeyAdj[e.Source] = append(c.journeyAdj[e.Source], e.Target)
		c.journeyIn[e.Target] = append(c.journeyIn[e.Target], e.Source)
		if e.Data != nil && len(e.Data.Mapping) > 0 {
			c.inboundMappings[e.Target] = append(c.inboundMappings[e.Target], e.Data.Mapping)
		}
	}
}

// dfs colors for cycle detection.
const (
	white = 0 // unvisited
	gray  = 1 // on the current path
	black = 2 // fully explored
)

// detectCycles runs a three-color DFS over the journey subgraph and reports
// each back edge as an ordered node-id cycle.
func (c *compilation) detectCycles() {
	color := make(map[string]int, len(c.nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range c.journeyAdj[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: slice the current path from next to id.
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), next)
				c.addError(ValidationError{Kind: ErrCycle, NodeID: next,
					Message: fmt.Sprintf("journey edges form a cycle: %v", cycle)})
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range c.nodeOrder {
		if color[id] == white {
			visit(id)
		}
	}
}

// checkRequiredInputs enforces that every required input has a default or an
// inbound journey mapping naming it. Implicit satisfaction via an unmapped
// edge is rejected: the runtime cannot guess which upstream field supplies
// which input.
func (c *compilation) checkRequiredInputs() {
	for _, id := range c.nodeOrder {
		node := c.nodes[id]
		for _, in := range node.Inputs {
			if !in.Required || in.HasDefault() {
				continue
			}
			if len(c.journeyIn[id]) == 0 {
				// Entry nodes take their inputs from the run seed.
				continue
			}
			satisfied := false
			for _, m := range c.inboundMappings[id] {
				if _, ok := m[in.Name]; ok {
					satisfied = true
					break
				}
			}
			if !satisfied {
				c.addError(ValidationError{Kind: ErrMissingInput, NodeID: id, Field: in.Name,
					Message: fmt.Sprintf("required input %q of node %s has no default and no inbound mapping", in.Name, id)})
			}
		}
	}
}

// checkWorkerKinds requires every Worker node's kind to be registered.
func (c *compilation) checkWorkerKinds() {
	for _, id := range c.nodeOrder {
		node := c.nodes[id]
		if node.Type != graph.NodeTypeWorker {
			continue
		}
		if node.WorkerKind == "" {
			c.addError(ValidationError{Kind: ErrInvalidWorker, NodeID: id, Field: "workerKind",
				Message: fmt.Sprintf("worker node %s declares no worker kind", id)})
			continue
		}
		if c.kinds != nil && !c.kinds.Has(node.WorkerKind) {
			c.addError(ValidationError{Kind: ErrInvalidWorker, NodeID: id, Field: "workerKind",
				Message: fmt.Sprintf("worker kind %q is not registered", node.WorkerKind)})
		}
	}
}

// checkMappings validates every edge mapping: target keys must be declared
// inputs of the target, and source paths must be non-empty and parseable.
func (c *compilation) checkMappings() {
	for _, e := range c.vg.Edges {
		if e.Data == nil || len(e.Data.Mapping) == 0 {
			continue
		}
		target, ok := c.nodes[e.Target]
		if !ok {
			continue // missing endpoint already reported
		}
		declared := make(map[string]bool, len(target.Inputs))
		for _, in := range target.Inputs {
			declared[in.Name] = true
		}
		for key, path := range e.Data.Mapping {
			if !declared[key] {
				c.addError(ValidationError{Kind: ErrInvalidMapping, EdgeID: e.ID, Field: key,
					Message: fmt.Sprintf("mapping target %q is not a declared input of node %s", key, e.Target)})
			}
			if _, err := graph.ParsePath(path); err != nil {
				c.addError(ValidationError{Kind: ErrInvalidMapping, EdgeID: e.ID, Field: key,
					Message: fmt.Sprintf("mapping source path for %q: %v", key, err)})
			}
		}
	}
}

// checkSplitterCollectorPairs validates fan-out/fan-in shape: splitters need
// at least two outgoing journey edges and must reach a collector; collectors
// need at least two inbound journey edges and a reachable splitter upstream.
// Errors are collected, not fatal individually.
func (c *compilation) checkSplitterCollectorPairs() {
	splitters := []string{}
	collectors := []string{}
	for _, id := range c.nodeOrder {
		switch c.nodes[id].Type {
		case graph.NodeTypeSplitter:
			splitters = append(splitters, id)
		case graph.NodeTypeCollector:
			collectors = append(collectors, id)
		}
	}

	for _, id := range splitters {
		if len(c.journeyAdj[id]) < 2 {
			c.addError(ValidationError{Kind: ErrSplitterCollectorMismatch, NodeID: id,
				Message: fmt.Sprintf("splitter %s needs at least 2 outgoing journey edges, has %d", id, len(c.journeyAdj[id]))})
		}
		if !c.reaches(id, graph.NodeTypeCollector, c.journeyAdj) {
			c.addError(ValidationError{Kind: ErrSplitterCollectorMismatch, NodeID: id,
				Message: fmt.Sprintf("splitter %s does not reach any collector", id)})
		}
	}
	for _, id := range collectors {
		if len(c.journeyIn[id]) < 2 {
			c.addError(ValidationError{Kind: ErrSplitterCollectorMismatch, NodeID: id,
				Message: fmt.Sprintf("collector %s needs at least 2 inbound journey edges, has %d", id, len(c.journeyIn[id]))})
		}
		if !c.reaches(id, graph.NodeTypeSplitter, c.journeyIn) {
			c.addError(ValidationError{Kind: ErrSplitterCollectorMismatch, NodeID: id,
				Message: fmt.Sprintf("collector %s is not reachable from any splitter", id)})
		}
	}
}

// reaches walks edges from start looking for a node of wantType.
func (c *compilation) reaches(start, wantType string, edges map[string][]string) bool {
	seen := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range edges[id] {
			if seen[next] {
				continue
			}
			if c.nodes[next] != nil && c.nodes[next].Type == wantType {
				return true
			}
			seen[next] = true
			frontier = append(frontier, next)
		}
	}
	return false
}

// checkEntityMovement validates onSuccess/onFailure rules on Worker nodes.
func (c *compilation) checkEntityMovement() {
	for _, id := range c.nodeOrder {
		node := c.nodes[id]
		if node.EntityMovement == nil {
			continue
		}
		if node.Type != graph.NodeTypeWorker {
			c.addError(ValidationError{Kind: ErrInvalidEntityMovement, NodeID: id,
				Message: fmt.Sprintf("entity movement is only valid on Worker nodes, found on %s node %s", node.Type, id)})
			continue
		}
		c.checkMovementRule(id, "onSuccess", node.EntityMovement.OnSuccess)
		c.checkMovementRule(id, "onFailure", node.EntityMovement.OnFailure)
	}
}

func (c *compilation) checkMovementRule(nodeID, field string, rule *graph.MovementRule) {
	if rule == nil {
		return
	}
	if _, ok := c.nodes[rule.TargetSectionID]; !ok {
		c.addError(ValidationError{Kind: ErrInvalidEntityMovement, NodeID: nodeID, Field: field,
			Message: fmt.Sprintf("targetSectionId %q does not exist", rule.TargetSectionID)})
	}
	switch rule.CompleteAs {
	case "", graph.CompleteAsSuccess, graph.CompleteAsFailure, graph.CompleteAsNeutral:
	default:
		c.addError(ValidationError{Kind: ErrInvalidEntityMovement, NodeID: nodeID, Field: field,
			Message: fmt.Sprintf("completeAs %q is not one of success|failure|neutral", rule.CompleteAs)})
	}
	switch rule.SetEntityType {
	case "", graph.EntityTypeCustomer, graph.EntityTypeLead, graph.EntityTypeChurned:
	default:
		c.addError(ValidationError{Kind: ErrInvalidEntityMovement, NodeID: nodeID, Field: field,
			Message: fmt.Sprintf("setEntityType %q is not one of customer|lead|churned", rule.SetEntityType)})
	}
}

// build emits the OEG. Slice fields preserve input order so compilation is
// deterministic; re-compiling an already-valid graph is structurally equal.
func (c *compilation) build() *graph.ExecutionGraph {
	oeg := &graph.ExecutionGraph{
		Nodes:         c.nodes,
		Adjacency:     make(map[string][]string),
		OutboundEdges: make(map[string][]graph.OutboundEdge),
		InboundEdges:  make(map[string][]string),
		EdgeData:      make(map[string]map[string]string),
	}

	for _, e := range c.vg.Edges {
		kind := e.EdgeKind()
		var mapping map[string]string
		if e.Data != nil && len(e.Data.Mapping) > 0 {
			mapping = e.Data.Mapping
		}
		oeg.OutboundEdges[e.Source] = append(oeg.OutboundEdges[e.Source], graph.OutboundEdge{
			EdgeID:  e.ID,
			Target:  e.Target,
			Type:    kind,
			Mapping: mapping,
		})
		if kind != graph.EdgeTypeJourney {
			continue
		}
		oeg.Adjacency[e.Source] = append(oeg.Adjacency[e.Source], e.Target)
		oeg.InboundEdges[e.Target] = append(oeg.InboundEdges[e.Target], e.Source)
		if mapping != nil {
			key := graph.EdgeKey(e.Source, e.Target)
			merged := oeg.EdgeData[key]
			if merged == nil {
				merged = make(map[string]string, len(mapping))
				oeg.EdgeData[key] = merged
			}
			for k, v := range mapping {
				merged[k] = v
			}
		}
	}

	for _, id := range c.nodeOrder {
		if len(oeg.InboundEdges[id]) == 0 {
			oeg.EntryNodes = append(oeg.EntryNodes, id)
		}
		if len(oeg.Adjacency[id]) == 0 {
			oeg.TerminalNodes = append(oeg.TerminalNodes, id)
		}
	}

	return oeg
}
