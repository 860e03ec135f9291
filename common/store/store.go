package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/models"
)

// Lookup errors shared by all implementations.
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrVersionNotFound = errors.New("version not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrWebhookNotFound = errors.New("webhook config not found")
	ErrNodeNotFound    = errors.New("node not found in run")
)

// Store is the single coordination point of the engine. Engines are
// stateless; several engine processes may drive the same run as long as all
// node-state mutations go through the atomic primitives below. Bulk writes
// to a run's node states are forbidden after creation: CreateRun performs
// the only full-map write, before the run is visible to workers.
type Store interface {
	// Flows
	CreateFlow(ctx context.Context, flow *models.Flow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error)
	UpdateFlowCurrentVersion(ctx context.Context, flowID, versionID uuid.UUID) error

	// Versions (append-only; records never mutate)
	InsertVersion(ctx context.Context, v *models.Version) error
	GetVersion(ctx context.Context, id uuid.UUID) (*models.Version, error)
	ListVersionMetadata(ctx context.Context, flowID uuid.UUID, limit int) ([]models.VersionMeta, error)

	// Runs
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	SetRunTerminalStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error

	// UpdateNodeState is an atomic compare-and-swap against one node's
	// sub-record. applied=false means the node was in none of expectedFrom
	// at the moment of the write; current is the state observed then.
	UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string,
		expectedFrom []models.NodeStatus, to models.NodeStatus,
		update models.NodeStateUpdate) (applied bool, current *models.NodeState, err error)

	// MergeNodeInput atomically merges partial into the node's stored
	// input, key by key. Used by output propagation; never touches status.
	MergeNodeInput(ctx context.Context, runID uuid.UUID, nodeID string,
		partial map[string]interface{}) error

	// AppendCollectorArrival atomically records one upstream arrival in the
	// collector's tracking sub-record and returns the updated record.
	// Re-recording the same upstream is a no-op. expected freezes the
	// branch count at first arrival.
	AppendCollectorArrival(ctx context.Context, runID uuid.UUID, nodeID, upstreamID string,
		payload interface{}, expected int) (*models.CollectorTracking, error)

	// Entities, scoped by flow
	UpsertEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	FindEntityByEmail(ctx context.Context, flowID uuid.UUID, email string) (*models.Entity, error)

	// Webhooks
	GetWebhookConfig(ctx context.Context, slug string) (*models.WebhookConfig, error)
	SaveWebhookConfig(ctx context.Context, cfg *models.WebhookConfig) error
	AppendWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
}
