package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/graph"
)

// Flow is a named workflow. It carries a pointer to its current version;
// the pointer may be advanced but version records never mutate.
type Flow struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	CurrentVersionID *uuid.UUID `json:"currentVersionId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Version is an immutable snapshot of a flow: the visual graph as the
// editor produced it plus the compiled execution graph.
type Version struct {
	ID             uuid.UUID            `json:"id"`
	FlowID         uuid.UUID            `json:"flowId"`
	VisualGraph    graph.VisualGraph    `json:"visualGraph"`
	ExecutionGraph graph.ExecutionGraph `json:"executionGraph"`
	CommitMessage  string               `json:"commitMessage,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// VersionMeta is the listing view of a version. Graphs are excluded on
// purpose: history listings should not move megabytes of graph JSON.
type VersionMeta struct {
	ID            uuid.UUID `json:"id"`
	FlowID        uuid.UUID `json:"flowId"`
	CommitMessage string    `json:"commitMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
