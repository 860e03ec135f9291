package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the per-node execution status within a run.
type NodeStatus string

const (
	NodePending        NodeStatus = "pending"
	NodeRunning        NodeStatus = "running"
	NodeWaitingForUser NodeStatus = "waiting_for_user"
	NodeCompleted      NodeStatus = "completed"
	NodeFailed         NodeStatus = "failed"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// allowedTransitions encodes the node status state machine. from == to is
// always admitted to tolerate at-least-once delivery.
var allowedTransitions = map[NodeStatus][]NodeStatus{
	NodePending:        {NodeRunning},
	NodeRunning:        {NodeCompleted, NodeFailed, NodeWaitingForUser},
	NodeWaitingForUser: {NodeCompleted},
	NodeFailed:         {NodePending},
}

// ValidStatus reports whether s is a known node status.
func ValidStatus(s NodeStatus) bool {
	switch s {
	case NodePending, NodeRunning, NodeWaitingForUser, NodeCompleted, NodeFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a permitted transition.
func CanTransition(from, to NodeStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalNodeStatus reports whether a node status admits no further work.
func IsTerminalNodeStatus(s NodeStatus) bool {
	return s == NodeCompleted || s == NodeFailed
}

// StatusTransitionError reports an attempted transition outside the FSM.
type StatusTransitionError struct {
	NodeID string
	From   NodeStatus
	To     NodeStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("node %s: invalid status transition %s -> %s", e.NodeID, e.From, e.To)
}

// CollectorArrival records one upstream branch landing at a collector.
type CollectorArrival struct {
	UpstreamNodeID string      `json:"upstreamNodeId"`
	Payload        interface{} `json:"payload"`
}

// CollectorTracking is the fan-in sub-record held inside a collector's node
// state. Expected is frozen at first arrival; Arrived guards idempotency.
type CollectorTracking struct {
	Expected int                `json:"expected"`
	Received []CollectorArrival `json:"received"`
	Arrived  map[string]bool    `json:"arrived"`
}

// Complete reports whether every expected branch has arrived.
func (t *CollectorTracking) Complete() bool {
	return t != nil && t.Expected > 0 && len(t.Arrived) == t.Expected
}

// NodeState is the per-node record within a run.
type NodeState struct {
	Status    NodeStatus             `json:"status"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Collector *CollectorTracking     `json:"collector,omitempty"`
}

// Run is one execution of a flow against an immutable version snapshot.
type Run struct {
	ID         uuid.UUID             `json:"id"`
	FlowID     uuid.UUID             `json:"flowId"`
	VersionID  uuid.UUID             `json:"versionId"`
	EntityID   *uuid.UUID            `json:"entityId,omitempty"`
	Status     RunStatus             `json:"status"`
	NodeStates map[string]*NodeState `json:"nodeStates"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed || r.Status == RunCancelled
}

// NodeStateUpdate carries the optional fields of an atomic node state write.
// Output is applied only when SetOutput is true so callers can store nil
// outputs deliberately.
type NodeStateUpdate struct {
	SetOutput bool
	Output    interface{}
	Error     string
	SetInput  bool
	Input     map[string]interface{}
}
