package graph

import "strings"

// Node type constants (canonical casing, normalized at the Visual Graph boundary)
const (
	NodeTypeWorker    = "Worker"
	NodeTypeUX        = "UX"
	NodeTypeSplitter  = "Splitter"
	NodeTypeCollector = "Collector"
	NodeTypeSection   = "Section"
)

// Edge type constants
const (
	EdgeTypeJourney = "journey"
	EdgeTypeSystem  = "system"
)

// Entity movement constants
const (
	CompleteAsSuccess = "success"
	CompleteAsFailure = "failure"
	CompleteAsNeutral = "neutral"

	EntityTypeCustomer = "customer"
	EntityTypeLead     = "lead"
	EntityTypeChurned  = "churned"
)

// canonicalNodeTypes maps lowercased type identifiers to their canonical form.
// Editors historically emitted both casings; everything downstream sees one.
var canonicalNodeTypes = map[string]string{
	"worker":    NodeTypeWorker,
	"ux":        NodeTypeUX,
	"splitter":  NodeTypeSplitter,
	"collector": NodeTypeCollector,
	"section":   NodeTypeSection,
}

// NormalizeNodeType returns the canonical node type for s, or false if s is
// not a known node type.
func NormalizeNodeType(s string) (string, bool) {
	t, ok := canonicalNodeTypes[strings.ToLower(s)]
	return t, ok
}

// VisualGraph is the editor-facing graph: ordered nodes and edges with UI
// metadata. It is the input to the compiler and is stored verbatim on a
// version so the editor can round-trip it.
type VisualGraph struct {
	Nodes []VisualNode `json:"nodes"`
	Edges []VisualEdge `json:"edges"`
}

// VisualNode is a node as the editor produced it.
type VisualNode struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData carries the node's declared contract and configuration.
type NodeData struct {
	Label          string                 `json:"label,omitempty"`
	WorkerKind     string                 `json:"workerKind,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
	Inputs         []InputDecl            `json:"inputs,omitempty"`
	Outputs        []string               `json:"outputs,omitempty"`
	EntityMovement *EntityMovement        `json:"entityMovement,omitempty"`
}

// InputDecl declares a named input of a node. Default is a pointer so the
// compiler can distinguish "no default" from "default null".
type InputDecl struct {
	Name     string       `json:"name"`
	Required bool         `json:"required,omitempty"`
	Default  *interface{} `json:"default,omitempty"`
}

// HasDefault reports whether the declaration carries a default value.
func (d InputDecl) HasDefault() bool {
	return d.Default != nil
}

// VisualEdge is an edge as the editor produced it. Type defaults to journey.
type VisualEdge struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	Type   string    `json:"type,omitempty"`
	Data   *EdgeData `json:"data,omitempty"`
}

// EdgeData holds the optional input mapping: target-input-name -> source
// path into the upstream node's output (or a literal when unresolvable).
type EdgeData struct {
	Mapping map[string]string `json:"mapping,omitempty"`
}

// EdgeKind returns the edge type, defaulting to journey.
func (e VisualEdge) EdgeKind() string {
	if e.Type == EdgeTypeSystem {
		return EdgeTypeSystem
	}
	return EdgeTypeJourney
}

// EntityMovement describes how an entity hops sections when a Worker node
// completes or fails.
type EntityMovement struct {
	OnSuccess *MovementRule `json:"onSuccess,omitempty"`
	OnFailure *MovementRule `json:"onFailure,omitempty"`
}

// MovementRule routes an entity to a section. Guard is an optional CEL
// expression over the node output; the rule applies only when it holds.
type MovementRule struct {
	TargetSectionID string `json:"targetSectionId"`
	CompleteAs      string `json:"completeAs,omitempty"`
	SetEntityType   string `json:"setEntityType,omitempty"`
	Guard           string `json:"guard,omitempty"`
}

// ExecutionGraph is the compiled, stripped, indexed runtime representation.
// It is a pure value: once attached to a version it is never mutated.
type ExecutionGraph struct {
	// Nodes maps node id to its runtime record. Ids are preserved
	// byte-for-byte from the Visual Graph.
	Nodes map[string]*ExecNode `json:"nodes"`

	// Adjacency maps node id to downstream node ids, journey edges only.
	// This is the dependency graph used for readiness.
	Adjacency map[string][]string `json:"adjacency"`

	// OutboundEdges maps node id to all outgoing edges, system included.
	OutboundEdges map[string][]OutboundEdge `json:"outboundEdges"`

	// InboundEdges maps node id to upstream node ids, journey edges only.
	InboundEdges map[string][]string `json:"inboundEdges"`

	// EdgeData indexes mappings by "source->target" for fast lookup during
	// propagation.
	EdgeData map[string]map[string]string `json:"edgeData"`

	EntryNodes    []string `json:"entryNodes"`
	TerminalNodes []string `json:"terminalNodes"`
}

// ExecNode is the runtime view of a node: no layout, no UI properties.
type ExecNode struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	WorkerKind     string                 `json:"workerKind,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
	Inputs         []InputDecl            `json:"inputs,omitempty"`
	Outputs        []string               `json:"outputs,omitempty"`
	EntityMovement *EntityMovement        `json:"entityMovement,omitempty"`
}

// OutboundEdge is one outgoing edge of a node in the OEG.
type OutboundEdge struct {
	EdgeID  string            `json:"edgeId"`
	Target  string            `json:"target"`
	Type    string            `json:"type"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// EdgeKey builds the canonical "source->target" key used by EdgeData.
func EdgeKey(source, target string) string {
	return source + "->" + target
}

// Mapping returns the edge mapping for (source, target), or nil.
func (g *ExecutionGraph) Mapping(source, target string) map[string]string {
	return g.EdgeData[EdgeKey(source, target)]
}

// Node returns the node record for id, or nil.
func (g *ExecutionGraph) Node(id string) *ExecNode {
	return g.Nodes[id]
}
