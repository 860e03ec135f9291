package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/ratelimit"
	"github.com/waypointhq/waypoint/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RunStarter creates and fires a run against a version snapshot. The
// engine satisfies this.
type RunStarter interface {
	StartRun(ctx context.Context, version *models.Version, flowID uuid.UUID, initialInputs map[string]interface{}, entityID *uuid.UUID) (*models.Run, error)
}

// ReplayGuard remembers processed deliveries. Redis SetNX semantics: true
// means first sight. A nil guard disables replay protection.
type ReplayGuard interface {
	SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
}

// Options tune the ingestion pipeline.
type Options struct {
	// Production forces signature checks on every endpoint when
	// RequireSignatureInProduction is set, regardless of per-endpoint
	// opt-out.
	Production                   bool
	RequireSignatureInProduction bool
	RateLimitPerMinute           int64
	ReplayTTL                    time.Duration
}

// Result is the outcome of one delivery.
type Result struct {
	Outcome  string
	EntityID *uuid.UUID
	RunID    *uuid.UUID
}

// Ingress is the webhook ingestion pipeline: rate limit, config lookup,
// signature + freshness, replay guard, entity extraction and upsert,
// version resolution, run creation, event record. Every delivery leaves an
// event record whether it was accepted or not.
type Ingress struct {
	store    store.Store
	verifier *Verifier
	limiter  ratelimit.Limiter
	replay   ReplayGuard
	runner   RunStarter
	opts     Options
	logger   Logger
}

// NewIngress assembles the pipeline.
func NewIngress(st store.Store, verifier *Verifier, limiter ratelimit.Limiter, replay ReplayGuard, runner RunStarter, opts Options, logger Logger) *Ingress {
	return &Ingress{
		store:    st,
		verifier: verifier,
		limiter:  limiter,
		replay:   replay,
		runner:   runner,
		opts:     opts,
		logger:   logger,
	}
}

// Receive processes one delivery. The returned error classifies the
// refusal; the Result always carries the recorded outcome.
func (i *Ingress) Receive(ctx context.Context, slug string, body []byte, headers map[string]string, clientIP string) (*Result, error) {
	log := i.logger

	if i.limiter != nil && i.opts.RateLimitPerMinute > 0 {
		key := "rate_limit:webhook:" + slug + ":" + clientIP
		res, err := i.limiter.Check(ctx, key, i.opts.RateLimitPerMinute, 60)
		if err != nil {
			// Fail open: admission control must not take ingestion down.
			log.Warn("webhook rate limit check failed", "slug", slug, "error", err)
		} else if !res.Allowed {
			return i.refuse(ctx, slug, models.WebhookRateLimited, nil, nil),
				&RateLimitError{RetryAfterSeconds: res.RetryAfterSeconds}
		}
	}

	cfg, err := i.store.GetWebhookConfig(ctx, slug)
	if errors.Is(err, store.ErrWebhookNotFound) {
		return i.refuse(ctx, slug, models.WebhookUnknownEndpoint, nil, nil), ErrUnknownEndpoint
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return i.refuse(ctx, slug, models.WebhookInactive, nil, nil), ErrInactiveEndpoint
	}

	sigHeader := headers[SignatureHeader(cfg.Source)]
	mustVerify := cfg.RequireSignature || (i.opts.Production && i.opts.RequireSignatureInProduction)
	if mustVerify {
		if cfg.Secret == "" {
			log.Error("webhook endpoint requires signature but has no secret", "slug", slug)
			return i.refuse(ctx, slug, models.WebhookBadSignature, nil, nil),
				&SignatureError{Scheme: cfg.Source, Reason: "no secret configured"}
		}
		if err := i.verifier.Verify(cfg.Source, cfg.Secret, sigHeader, body); err != nil {
			var tsErr *TimestampError
			outcome := models.WebhookBadSignature
			if errors.As(err, &tsErr) {
				outcome = models.WebhookReplayRejected
			}
			return i.refuse(ctx, slug, outcome, nil, nil), err
		}
	}

	if i.replay != nil {
		first, err := i.replay.SetNX(ctx, replayKey(slug, body, sigHeader), "1", i.opts.ReplayTTL)
		if err != nil {
			log.Warn("webhook replay guard unavailable", "slug", slug, "error", err)
		} else if !first {
			return i.refuse(ctx, slug, models.WebhookReplayRejected, nil, nil), ErrReplay
		}
	}

	data, err := ExtractEntity(cfg.Source, body)
	if err != nil {
		return i.refuse(ctx, slug, models.WebhookBadPayload, nil, nil), err
	}

	entity, err := i.upsertEntity(ctx, cfg.FlowID, data)
	if err != nil {
		return i.refuse(ctx, slug, models.WebhookRunFailed, nil, nil), err
	}

	run, err := i.startRun(ctx, cfg.FlowID, data, entity)
	if err != nil {
		log.Error("webhook run creation failed", "slug", slug, "error", err)
		return i.refuse(ctx, slug, models.WebhookRunFailed, &entity.ID, nil), err
	}

	i.record(ctx, slug, models.WebhookAccepted, &entity.ID, &run.ID)
	log.Info("webhook accepted",
		"slug", slug, "entity_id", entity.ID.String(), "run_id", run.ID.String())
	return &Result{Outcome: models.WebhookAccepted, EntityID: &entity.ID, RunID: &run.ID}, nil
}

// upsertEntity finds the flow-scoped entity by email or creates one; the
// payload refreshes its attributes either way.
func (i *Ingress) upsertEntity(ctx context.Context, flowID uuid.UUID, data *EntityData) (*models.Entity, error) {
	var entity *models.Entity
	if data.Email != "" {
		found, err := i.store.FindEntityByEmail(ctx, flowID, data.Email)
		if err != nil && !errors.Is(err, store.ErrEntityNotFound) {
			return nil, err
		}
		entity = found
	}
	if entity == nil {
		entity = &models.Entity{
			ID:        uuid.New(),
			FlowID:    flowID,
			Email:     data.Email,
			CreatedAt: time.Now().UTC(),
		}
	}

	if entity.Attributes == nil {
		entity.Attributes = make(map[string]interface{}, len(data.Attributes)+1)
	}
	for k, v := range data.Attributes {
		entity.Attributes[k] = v
	}
	if data.Name != "" {
		entity.Attributes["name"] = data.Name
	}
	entity.UpdatedAt = time.Now().UTC()

	if err := i.store.UpsertEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// startRun resolves the flow's pinned current version and fires a run
// seeded with the entity record. The latest visual graph is never used
// here; webhooks execute exactly what the flow points at.
func (i *Ingress) startRun(ctx context.Context, flowID uuid.UUID, data *EntityData, entity *models.Entity) (*models.Run, error) {
	flow, err := i.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.CurrentVersionID == nil {
		return nil, store.ErrVersionNotFound
	}
	version, err := i.store.GetVersion(ctx, *flow.CurrentVersionID)
	if err != nil {
		return nil, err
	}

	inputs := map[string]interface{}{
		"email":   data.Email,
		"name":    data.Name,
		"payload": data.Attributes,
	}
	return i.runner.StartRun(ctx, version, flowID, inputs, &entity.ID)
}

func (i *Ingress) refuse(ctx context.Context, slug, outcome string, entityID, runID *uuid.UUID) *Result {
	i.record(ctx, slug, outcome, entityID, runID)
	return &Result{Outcome: outcome, EntityID: entityID, RunID: runID}
}

// record appends the event log entry. Best effort: losing an audit row
// must not change the delivery outcome.
func (i *Ingress) record(ctx context.Context, slug, outcome string, entityID, runID *uuid.UUID) {
	ev := &models.WebhookEvent{
		ID:         uuid.New(),
		Slug:       slug,
		ReceivedAt: time.Now().UTC(),
		Outcome:    outcome,
		EntityID:   entityID,
		RunID:      runID,
	}
	if err := i.store.AppendWebhookEvent(ctx, ev); err != nil {
		i.logger.Error("webhook event record failed", "slug", slug, "error", err)
	}
}

// replayKey hashes the delivery identity: same body and signature header
// means same delivery.
func replayKey(slug string, body []byte, sigHeader string) string {
	h := sha256.New()
	h.Write([]byte(slug))
	h.Write([]byte{0})
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(sigHeader))
	return "webhook:replay:" + hex.EncodeToString(h.Sum(nil))
}
