package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a business subject (e.g. a lead) traveling a flow. Its journey
// position is either a node or an edge-in-progress, never both. Entities
// are orthogonal to the execution status FSM.
type Entity struct {
	ID         uuid.UUID              `json:"id"`
	FlowID     uuid.UUID              `json:"flowId"`
	Email      string                 `json:"email,omitempty"`
	Type       string                 `json:"type,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	CurrentNodeID     *string  `json:"currentNodeId,omitempty"`
	CurrentEdgeID     *string  `json:"currentEdgeId,omitempty"`
	EdgeProgress      *float64 `json:"edgeProgress,omitempty"`
	DestinationNodeID *string  `json:"destinationNodeId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlaceAtNode positions the entity on a node and clears any edge position.
func (e *Entity) PlaceAtNode(nodeID string) {
	e.CurrentNodeID = &nodeID
	e.CurrentEdgeID = nil
	e.EdgeProgress = nil
	e.DestinationNodeID = nil
}
