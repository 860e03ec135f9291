package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waypointhq/waypoint/common/db"
	"github.com/waypointhq/waypoint/common/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Store. Node-state mutations are single-statement
// conditional jsonb updates, so row-level atomicity gives us the CAS and
// append primitives without explicit locking.
type Postgres struct {
	db *db.DB
}

// NewPostgres creates a Postgres store on an existing pool.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

// EnsureSchema applies the embedded schema. Idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) CreateFlow(ctx context.Context, flow *models.Flow) error {
	query := `
		INSERT INTO flows (id, name, current_version_id, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.Exec(ctx, query, flow.ID, flow.Name, flow.CurrentVersionID, flow.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

func (s *Postgres) GetFlow(ctx context.Context, id uuid.UUID) (*models.Flow, error) {
	query := `
		SELECT id, name, current_version_id, created_at
		FROM flows
		WHERE id = $1
	`
	flow := &models.Flow{}
	err := s.db.QueryRow(ctx, query, id).Scan(
		&flow.ID, &flow.Name, &flow.CurrentVersionID, &flow.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

func (s *Postgres) UpdateFlowCurrentVersion(ctx context.Context, flowID, versionID uuid.UUID) error {
	query := `
		UPDATE flows
		SET current_version_id = $2
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, flowID, versionID)
	if err != nil {
		return fmt.Errorf("failed to update current version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *Postgres) InsertVersion(ctx context.Context, v *models.Version) error {
	visual, err := json.Marshal(v.VisualGraph)
	if err != nil {
		return fmt.Errorf("marshal visual graph: %w", err)
	}
	exec, err := json.Marshal(v.ExecutionGraph)
	if err != nil {
		return fmt.Errorf("marshal execution graph: %w", err)
	}

	query := `
		INSERT INTO flow_versions (id, flow_id, visual_graph, execution_graph, commit_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Exec(ctx, query, v.ID, v.FlowID, visual, exec, v.CommitMessage, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *Postgres) GetVersion(ctx context.Context, id uuid.UUID) (*models.Version, error) {
	query := `
		SELECT id, flow_id, visual_graph, execution_graph, commit_message, created_at
		FROM flow_versions
		WHERE id = $1
	`
	v := &models.Version{}
	var visual, exec []byte
	var commit *string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&v.ID, &v.FlowID, &visual, &exec, &commit, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	if commit != nil {
		v.CommitMessage = *commit
	}
	if err := json.Unmarshal(visual, &v.VisualGraph); err != nil {
		return nil, fmt.Errorf("unmarshal visual graph: %w", err)
	}
	if err := json.Unmarshal(exec, &v.ExecutionGraph); err != nil {
		return nil, fmt.Errorf("unmarshal execution graph: %w", err)
	}
	return v, nil
}

func (s *Postgres) ListVersionMetadata(ctx context.Context, flowID uuid.UUID, limit int) ([]models.VersionMeta, error) {
	query := `
		SELECT id, flow_id, commit_message, created_at
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []interface{}{flowID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var metas []models.VersionMeta
	for rows.Next() {
		meta := models.VersionMeta{}
		var commit *string
		if err := rows.Scan(&meta.ID, &meta.FlowID, &commit, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if commit != nil {
			meta.CommitMessage = *commit
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return metas, nil
}

func (s *Postgres) CreateRun(ctx context.Context, run *models.Run) error {
	states, err := json.Marshal(run.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}
	query := `
		INSERT INTO runs (id, flow_id, version_id, entity_id, node_states, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.Exec(ctx, query,
		run.ID, run.FlowID, run.VersionID, run.EntityID, states, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `
		SELECT id, flow_id, version_id, entity_id, node_states, status, created_at, updated_at
		FROM runs
		WHERE id = $1
	`
	run := &models.Run{}
	var states []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.FlowID, &run.VersionID, &run.EntityID,
		&states, &run.Status, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := json.Unmarshal(states, &run.NodeStates); err != nil {
		return nil, fmt.Errorf("unmarshal node states: %w", err)
	}
	return run, nil
}

func (s *Postgres) SetRunTerminalStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error {
	query := `
		UPDATE runs
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// UpdateNodeState performs the CAS as one conditional UPDATE: the WHERE
// clause checks the node's current status against expectedFrom, and the
// jsonb patch is applied only when it matches. Zero rows affected means the
// swap lost; the follow-up SELECT reports what won.
func (s *Postgres) UpdateNodeState(ctx context.Context, runID uuid.UUID, nodeID string,
	expectedFrom []models.NodeStatus, to models.NodeStatus,
	update models.NodeStateUpdate) (bool, *models.NodeState, error) {

	patch := map[string]interface{}{
		"status": to,
		"error":  update.Error,
	}
	if update.SetOutput {
		patch["output"] = update.Output
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return false, nil, fmt.Errorf("marshal patch: %w", err)
	}

	var inputJSON []byte
	if update.SetInput {
		if inputJSON, err = json.Marshal(update.Input); err != nil {
			return false, nil, fmt.Errorf("marshal input: %w", err)
		}
	}

	// Expectations outside the transition table never match, so an illegal
	// swap cannot be applied; when the current status sits on one of those
	// expectations the refusal carries a StatusTransitionError.
	expected := make([]string, 0, len(expectedFrom))
	for _, from := range expectedFrom {
		if models.CanTransition(from, to) {
			expected = append(expected, string(from))
		}
	}
	if len(expected) == 0 {
		return s.refuseTransition(ctx, runID, nodeID, expectedFrom, to)
	}

	query := `
		UPDATE runs
		SET node_states = jsonb_set(
			node_states,
			ARRAY[$2],
			(COALESCE(node_states->$2, '{}'::jsonb) || $4::jsonb)
			|| CASE
				WHEN $5::jsonb IS NULL THEN '{}'::jsonb
				ELSE jsonb_build_object('input', COALESCE(node_states->$2->'input', '{}'::jsonb) || $5::jsonb)
			END
		), updated_at = now()
		WHERE id = $1
		  AND node_states ? $2
		  AND node_states->$2->>'status' = ANY($3::text[])
		RETURNING node_states->$2
	`

	var stateJSON []byte
	err = s.db.QueryRow(ctx, query, runID, nodeID, expected, patchJSON, inputJSON).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.refuseTransition(ctx, runID, nodeID, expectedFrom, to)
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to update node state: %w", err)
	}

	current := &models.NodeState{}
	if err := json.Unmarshal(stateJSON, current); err != nil {
		return false, nil, fmt.Errorf("unmarshal node state: %w", err)
	}
	return true, current, nil
}

// refuseTransition reports a lost swap: the current state comes back, plus a
// StatusTransitionError when the current status matched an expectation whose
// transition to the target is outside the table.
func (s *Postgres) refuseTransition(ctx context.Context, runID uuid.UUID, nodeID string,
	expectedFrom []models.NodeStatus, to models.NodeStatus) (bool, *models.NodeState, error) {

	current, err := s.getNodeState(ctx, runID, nodeID)
	if err != nil {
		return false, nil, err
	}
	for _, from := range expectedFrom {
		if current.Status == from && !models.CanTransition(from, to) {
			return false, current, &models.StatusTransitionError{NodeID: nodeID, From: from, To: to}
		}
	}
	return false, current, nil
}

func (s *Postgres) getNodeState(ctx context.Context, runID uuid.UUID, nodeID string) (*models.NodeState, error) {
	query := `
		SELECT node_states->$2
		FROM runs
		WHERE id = $1
	`
	var stateJSON []byte
	err := s.db.QueryRow(ctx, query, runID, nodeID).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node state: %w", err)
	}
	if stateJSON == nil {
		return nil, ErrNodeNotFound
	}
	state := &models.NodeState{}
	if err := json.Unmarshal(stateJSON, state); err != nil {
		return nil, fmt.Errorf("unmarshal node state: %w", err)
	}
	return state, nil
}

func (s *Postgres) MergeNodeInput(ctx context.Context, runID uuid.UUID, nodeID string,
	partial map[string]interface{}) error {

	partialJSON, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("marshal partial input: %w", err)
	}
	query := `
		UPDATE runs
		SET node_states = jsonb_set(
			node_states,
			ARRAY[$2, 'input'],
			COALESCE(node_states->$2->'input', '{}'::jsonb) || $3::jsonb
		), updated_at = now()
		WHERE id = $1 AND node_states ? $2
	`
	tag, err := s.db.Exec(ctx, query, runID, nodeID, partialJSON)
	if err != nil {
		return fmt.Errorf("failed to merge node input: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// AppendCollectorArrival folds one arrival into the tracking sub-record in a
// single UPDATE. The CASE keeps the record untouched when the upstream was
// already recorded, and COALESCE freezes expected at first arrival.
func (s *Postgres) AppendCollectorArrival(ctx context.Context, runID uuid.UUID, nodeID, upstreamID string,
	payload interface{}, expected int) (*models.CollectorTracking, error) {

	arrival, err := json.Marshal([]models.CollectorArrival{{UpstreamNodeID: upstreamID, Payload: payload}})
	if err != nil {
		return nil, fmt.Errorf("marshal arrival: %w", err)
	}

	query := `
		UPDATE runs
		SET node_states = jsonb_set(
			node_states,
			ARRAY[$2, 'collector'],
			CASE
				WHEN COALESCE(node_states->$2->'collector'->'arrived', '{}'::jsonb) ? $3
					THEN node_states->$2->'collector'
				ELSE jsonb_build_object(
					'expected', COALESCE((node_states->$2->'collector'->>'expected')::int, $5::int),
					'received', COALESCE(node_states->$2->'collector'->'received', '[]'::jsonb) || $4::jsonb,
					'arrived', COALESCE(node_states->$2->'collector'->'arrived', '{}'::jsonb)
						|| jsonb_build_object($3::text, true)
				)
			END
		), updated_at = now()
		WHERE id = $1 AND node_states ? $2
		RETURNING node_states->$2->'collector'
	`

	var trackingJSON []byte
	err = s.db.QueryRow(ctx, query, runID, nodeID, upstreamID, arrival, expected).Scan(&trackingJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append collector arrival: %w", err)
	}

	tracking := &models.CollectorTracking{}
	if err := json.Unmarshal(trackingJSON, tracking); err != nil {
		return nil, fmt.Errorf("unmarshal collector tracking: %w", err)
	}
	return tracking, nil
}

func (s *Postgres) UpsertEntity(ctx context.Context, e *models.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO entities (id, flow_id, email, entity_type, attributes,
			current_node_id, current_edge_id, edge_progress, destination_node_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			entity_type = EXCLUDED.entity_type,
			attributes = EXCLUDED.attributes,
			current_node_id = EXCLUDED.current_node_id,
			current_edge_id = EXCLUDED.current_edge_id,
			edge_progress = EXCLUDED.edge_progress,
			destination_node_id = EXCLUDED.destination_node_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.Exec(ctx, query,
		e.ID, e.FlowID, e.Email, e.Type, attrs,
		e.CurrentNodeID, e.CurrentEdgeID, e.EdgeProgress, e.DestinationNodeID,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (s *Postgres) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	return s.scanEntity(ctx, `
		SELECT id, flow_id, email, entity_type, attributes,
			current_node_id, current_edge_id, edge_progress, destination_node_id,
			created_at, updated_at
		FROM entities
		WHERE id = $1
	`, id)
}

func (s *Postgres) FindEntityByEmail(ctx context.Context, flowID uuid.UUID, email string) (*models.Entity, error) {
	return s.scanEntity(ctx, `
		SELECT id, flow_id, email, entity_type, attributes,
			current_node_id, current_edge_id, edge_progress, destination_node_id,
			created_at, updated_at
		FROM entities
		WHERE flow_id = $1 AND email = $2
		ORDER BY created_at
		LIMIT 1
	`, flowID, email)
}

func (s *Postgres) scanEntity(ctx context.Context, query string, args ...interface{}) (*models.Entity, error) {
	e := &models.Entity{}
	var email, entityType *string
	var attrs []byte
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&e.ID, &e.FlowID, &email, &entityType, &attrs,
		&e.CurrentNodeID, &e.CurrentEdgeID, &e.EdgeProgress, &e.DestinationNodeID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if email != nil {
		e.Email = *email
	}
	if entityType != nil {
		e.Type = *entityType
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return e, nil
}

func (s *Postgres) GetWebhookConfig(ctx context.Context, slug string) (*models.WebhookConfig, error) {
	query := `
		SELECT slug, flow_id, secret, source, require_signature, active
		FROM webhook_configs
		WHERE slug = $1
	`
	cfg := &models.WebhookConfig{}
	var secret *string
	err := s.db.QueryRow(ctx, query, slug).Scan(
		&cfg.Slug, &cfg.FlowID, &secret, &cfg.Source, &cfg.RequireSignature, &cfg.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook config: %w", err)
	}
	if secret != nil {
		cfg.Secret = *secret
	}
	return cfg, nil
}

func (s *Postgres) SaveWebhookConfig(ctx context.Context, cfg *models.WebhookConfig) error {
	query := `
		INSERT INTO webhook_configs (slug, flow_id, secret, source, require_signature, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			secret = EXCLUDED.secret,
			source = EXCLUDED.source,
			require_signature = EXCLUDED.require_signature,
			active = EXCLUDED.active
	`
	_, err := s.db.Exec(ctx, query,
		cfg.Slug, cfg.FlowID, cfg.Secret, cfg.Source, cfg.RequireSignature, cfg.Active)
	if err != nil {
		return fmt.Errorf("failed to save webhook config: %w", err)
	}
	return nil
}

func (s *Postgres) AppendWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (id, slug, received_at, outcome, entity_id, run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query,
		ev.ID, ev.Slug, ev.ReceivedAt, ev.Outcome, ev.EntityID, ev.RunID)
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	return nil
}
