package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/models"
)

// Memory is an in-process Store used by unit tests and development mode.
// It implements the same CAS semantics as the Postgres store under a single
// mutex; reads and writes pass through a JSON round-trip so callers can
// never alias internal state (versions stay immutable).
type Memory struct {
	mu sync.Mutex

	flows    map[uuid.UUID]*models.Flow
	versions map[uuid.UUID]*models.Version
	runs     map[uuid.UUID]*models.Run
	entities map[uuid.UUID]*models.Entity
	webhooks map[string]*models.WebhookConfig
	events   []*models.WebhookEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		flows:    make(map[uuid.UUID]*models.Flow),
		versions: make(map[uuid.UUID]*models.Version),
		runs:     make(map[uuid.UUID]*models.Run),
		entities: make(map[uuid.UUID]*models.Entity),
		webhooks: make(map[string]*models.WebhookConfig),
	}
}

// clone deep-copies src into dst through JSON.
func clone(src, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("clone marshal: %w", err)
	}
	return json.Unmarshal(data, dst)
}

func (m *Memory) CreateFlow(ctx context.Context, flow *models.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.Flow{}
	if err := clone(flow, stored); err != nil {
		return err
	}
	m.flows[flow.ID] = stored
	return nil
}

func (m *Memory) GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	out := &models.Flow{}
	return out, clone(flow, out)
}

func (m *Memory) UpdateFlowCurrentVersion(ctx context.Context, flowID, versionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[flowID]
	if !ok {
		return ErrFlowNotFound
	}
	flow.CurrentVersionID = &versionID
	return nil
}

func (m *Memory) InsertVersion(ctx context.Context, v *models.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.Version{}
	if err := clone(v, stored); err != nil {
		return err
	}
	m.versions[v.ID] = stored
	return nil
}

func (m *Memory) GetVersion(ctx context.Context, id uuid.UUID) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	out := &models.Version{}
	return out, clone(v, out)
}

func (m *Memory) ListVersionMetadata(ctx context.Context, flowID uuid.UUID, limit int) ([]models.VersionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var metas []models.VersionMeta
	for _, v := range m.versions {
		if v.FlowID != flowID {
			continue
		}
		metas = append(metas, models.VersionMeta{
			ID:            v.ID,
			FlowID:        v.FlowID,
			CommitMessage: v.CommitMessage,
			CreatedAt:     v.CreatedAt,
		})
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].ID.String() > metas[j].ID.String()
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (m *Memory) CreateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.Run{}
	if err := clone(run, stored); err != nil {
		return err
	}
	m.runs[run.ID] = stored
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := &models.Run{}
	return out, clone(run, out)
}

func (m *Memory) SetRunTerminalStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string,
	expectedFrom []models.NodeStatus, to models.NodeStatus,
	update models.NodeStateUpdate) (bool, *models.NodeState, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, nil, ErrRunNotFound
	}
	state, ok := run.NodeStates[nodeID]
	if !ok {
		return false, nil, ErrNodeNotFound
	}

	matched := false
	for _, from := range expectedFrom {
		if state.Status == from {
			matched = true
			break
		}
	}
	current := &models.NodeState{}
	if !matched {
		return false, current, clone(state, current)
	}

	// A matching expectation still has to be a legal transition.
	if !models.CanTransition(state.Status, to) {
		if err := clone(state, current); err != nil {
			return false, nil, err
		}
		return false, current, &models.StatusTransitionError{
			NodeID: nodeID, From: state.Status, To: to,
		}
	}

	state.Status = to
	if update.SetOutput {
		state.Output = update.Output
	}
	if update.Error != "" {
		state.Error = update.Error
	} else if to != models.NodeFailed {
		state.Error = ""
	}
	if update.SetInput {
		if state.Input == nil {
			state.Input = make(map[string]interface{}, len(update.Input))
		}
		for k, v := range update.Input {
			state.Input[k] = v
		}
	}
	run.UpdatedAt = time.Now().UTC()
	return true, current, clone(state, current)
}

func (m *Memory) MergeNodeInput(ctx context.Context, runID uuid.UUID, nodeID string,
	partial map[string]interface{}) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	state, ok := run.NodeStates[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	cloned := map[string]interface{}{}
	if err := clone(partial, &cloned); err != nil {
		return err
	}
	if state.Input == nil {
		state.Input = make(map[string]interface{}, len(cloned))
	}
	for k, v := range cloned {
		state.Input[k] = v
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendCollectorArrival(ctx context.Context, runID uuid.UUID, nodeID, upstreamID string,
	payload interface{}, expected int) (*models.CollectorTracking, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	state, ok := run.NodeStates[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	if state.Collector == nil {
		state.Collector = &models.CollectorTracking{
			Expected: expected,
			Arrived:  make(map[string]bool),
		}
	}
	if !state.Collector.Arrived[upstreamID] {
		cloned := new(interface{})
		if err := clone(&payload, cloned); err != nil {
			return nil, err
		}
		state.Collector.Arrived[upstreamID] = true
		state.Collector.Received = append(state.Collector.Received, models.CollectorArrival{
			UpstreamNodeID: upstreamID,
			Payload:        *cloned,
		})
		run.UpdatedAt = time.Now().UTC()
	}

	out := &models.CollectorTracking{}
	return out, clone(state.Collector, out)
}

func (m *Memory) UpsertEntity(ctx context.Context, e *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.Entity{}
	if err := clone(e, stored); err != nil {
		return err
	}
	m.entities[e.ID] = stored
	return nil
}

func (m *Memory) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	out := &models.Entity{}
	return out, clone(e, out)
}

func (m *Memory) FindEntityByEmail(ctx context.Context, flowID uuid.UUID, email string) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.FlowID == flowID && e.Email == email {
			out := &models.Entity{}
			return out, clone(e, out)
		}
	}
	return nil, ErrEntityNotFound
}

func (m *Memory) GetWebhookConfig(ctx context.Context, slug string) (*models.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.webhooks[slug]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	out := &models.WebhookConfig{}
	return out, clone(cfg, out)
}

func (m *Memory) SaveWebhookConfig(ctx context.Context, cfg *models.WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.WebhookConfig{}
	if err := clone(cfg, stored); err != nil {
		return err
	}
	m.webhooks[cfg.Slug] = stored
	return nil
}

func (m *Memory) AppendWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := &models.WebhookEvent{}
	if err := clone(ev, stored); err != nil {
		return err
	}
	m.events = append(m.events, stored)
	return nil
}

// WebhookEvents returns a snapshot of the event log, oldest first. Test aid.
func (m *Memory) WebhookEvents() []models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, *ev)
	}
	return out
}
