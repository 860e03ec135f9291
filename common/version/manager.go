package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/compiler"
	"github.com/waypointhq/waypoint/common/graph"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Manager owns the flow version history. Versions are immutable: every save
// compiles and appends a new record, then advances the flow's current
// pointer. Nothing here ever rewrites an existing version row.
type Manager struct {
	store  store.Store
	kinds  compiler.WorkerKinds
	logger Logger

	// maxVersions > 0 caps history growth per flow; 0 means unlimited.
	maxVersions int
}

// NewManager creates a version manager.
func NewManager(st store.Store, kinds compiler.WorkerKinds, maxVersions int, logger Logger) *Manager {
	return &Manager{
		store:       st,
		kinds:       kinds,
		logger:      logger,
		maxVersions: maxVersions,
	}
}

// CreateVersion compiles vg, appends it as a new version of the flow and
// advances the current-version pointer. Compilation failure leaves the flow
// untouched and returns the full set of validation errors.
func (m *Manager) CreateVersion(ctx context.Context, flowID uuid.UUID, vg *graph.VisualGraph, commitMessage string) (*models.Version, error) {
	if _, err := m.store.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}

	exec, err := compiler.Compile(vg, m.kinds)
	if err != nil {
		return nil, err
	}

	if m.maxVersions > 0 {
		metas, err := m.store.ListVersionMetadata(ctx, flowID, 0)
		if err != nil {
			return nil, err
		}
		if len(metas) >= m.maxVersions {
			return nil, fmt.Errorf("flow %s has reached the version limit (%d)", flowID, m.maxVersions)
		}
	}

	v := &models.Version{
		ID:             uuid.New(),
		FlowID:         flowID,
		VisualGraph:    *vg,
		ExecutionGraph: *exec,
		CommitMessage:  commitMessage,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.store.InsertVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := m.store.UpdateFlowCurrentVersion(ctx, flowID, v.ID); err != nil {
		return nil, err
	}

	m.logger.Info("version created",
		"flow_id", flowID.String(),
		"version_id", v.ID.String(),
		"nodes", len(exec.Nodes))
	return v, nil
}

// GetVersion fetches one immutable version record.
func (m *Manager) GetVersion(ctx context.Context, id uuid.UUID) (*models.Version, error) {
	return m.store.GetVersion(ctx, id)
}

// ListVersions lists version metadata, newest first.
func (m *Manager) ListVersions(ctx context.Context, flowID uuid.UUID, limit int) ([]models.VersionMeta, error) {
	return m.store.ListVersionMetadata(ctx, flowID, limit)
}

// ResolveForRun returns the version a new run should execute. When vg is
// non-nil and differs from the flow's current visual graph, a fresh version
// is cut first so the run snapshots exactly what the caller sees. Equal
// graphs reuse the current version, so repeated runs do not grow history.
func (m *Manager) ResolveForRun(ctx context.Context, flowID uuid.UUID, vg *graph.VisualGraph) (*models.Version, error) {
	flow, err := m.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.CurrentVersionID == nil {
		if vg == nil {
			return nil, store.ErrVersionNotFound
		}
		return m.CreateVersion(ctx, flowID, vg, "initial, auto-created on run")
	}

	current, err := m.store.GetVersion(ctx, *flow.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	if vg == nil {
		return current, nil
	}

	same, err := graphsEqual(&current.VisualGraph, vg)
	if err != nil {
		return nil, err
	}
	if same {
		return current, nil
	}
	return m.CreateVersion(ctx, flowID, vg, "auto-versioned on run")
}

// graphsEqual compares two visual graphs as JSON documents, so key order and
// struct-versus-map representation differences never force a new version.
func graphsEqual(a, b *graph.VisualGraph) (bool, error) {
	aj, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshal graph: %w", err)
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("marshal graph: %w", err)
	}
	return jsonpatch.Equal(aj, bj), nil
}
