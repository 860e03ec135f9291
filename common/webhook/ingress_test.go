package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/ratelimit"
	"github.com/waypointhq/waypoint/common/store"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// fakeRunner records StartRun calls without executing anything.
type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	inputs map[string]interface{}
	entity *uuid.UUID
	err    error
}

func (f *fakeRunner) StartRun(_ context.Context, version *models.Version, flowID uuid.UUID,
	initialInputs map[string]interface{}, entityID *uuid.UUID) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	f.inputs = initialInputs
	f.entity = entityID
	return &models.Run{
		ID:        uuid.New(),
		FlowID:    flowID,
		VersionID: version.ID,
		Status:    models.RunRunning,
		EntityID:  entityID,
	}, nil
}

// memoryReplay is a SetNX map for tests.
type memoryReplay struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryReplay() *memoryReplay {
	return &memoryReplay{seen: make(map[string]bool)}
}

func (r *memoryReplay) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	return true, nil
}

type ingressHarness struct {
	store   *store.Memory
	runner  *fakeRunner
	ingress *Ingress
	flowID  uuid.UUID
}

func newIngressHarness(t *testing.T, cfg *models.WebhookConfig, opts Options) *ingressHarness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	flowID := cfg.FlowID
	require.NoError(t, st.CreateFlow(ctx, &models.Flow{ID: flowID, Name: "signup"}))
	versionID := uuid.New()
	require.NoError(t, st.InsertVersion(ctx, &models.Version{ID: versionID, FlowID: flowID}))
	require.NoError(t, st.UpdateFlowCurrentVersion(ctx, flowID, versionID))
	require.NoError(t, st.SaveWebhookConfig(ctx, cfg))

	runner := &fakeRunner{}
	ing := NewIngress(st, NewVerifier(5*time.Minute), ratelimit.NewMemoryLimiter(),
		newMemoryReplay(), runner, opts, nopLogger{})
	return &ingressHarness{store: st, runner: runner, ingress: ing, flowID: flowID}
}

func (h *ingressHarness) lastEvent(t *testing.T) models.WebhookEvent {
	t.Helper()
	events := h.store.WebhookEvents()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestReceiveAcceptedGeneric(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:             "signup",
		FlowID:           uuid.New(),
		Secret:           "secret",
		Source:           SourceGeneric,
		RequireSignature: true,
		Active:           true,
	}, Options{RateLimitPerMinute: 100, ReplayTTL: time.Hour})

	body := []byte(`{"email":"ada@example.com","name":"Ada","plan":"pro"}`)
	headers := map[string]string{
		"X-Webhook-Signature": Sign(SourceGeneric, "secret", body, time.Now()),
	}

	res, err := h.ingress.Receive(ctx, "signup", body, headers, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookAccepted, res.Outcome)
	require.NotNil(t, res.EntityID)
	require.NotNil(t, res.RunID)

	entity, err := h.store.GetEntity(ctx, *res.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", entity.Email)
	assert.Equal(t, "Ada", entity.Attributes["name"])
	assert.Equal(t, "pro", entity.Attributes["plan"])

	assert.Equal(t, 1, h.runner.calls)
	assert.Equal(t, "ada@example.com", h.runner.inputs["email"])
	require.NotNil(t, h.runner.entity)
	assert.Equal(t, *res.EntityID, *h.runner.entity)

	ev := h.lastEvent(t)
	assert.Equal(t, models.WebhookAccepted, ev.Outcome)
	require.NotNil(t, ev.RunID)
	assert.Equal(t, *res.RunID, *ev.RunID)
}

func TestReceiveBadSignature(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:             "signup",
		FlowID:           uuid.New(),
		Secret:           "secret",
		Source:           SourceGeneric,
		RequireSignature: true,
		Active:           true,
	}, Options{})

	body := []byte(`{"email":"ada@example.com"}`)
	headers := map[string]string{
		"X-Webhook-Signature": Sign(SourceGeneric, "wrong-secret", body, time.Now()),
	}

	res, err := h.ingress.Receive(ctx, "signup", body, headers, "10.0.0.1")
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, models.WebhookBadSignature, res.Outcome)
	assert.Equal(t, 0, h.runner.calls)
	assert.Equal(t, models.WebhookBadSignature, h.lastEvent(t).Outcome)
}

func TestReceiveStaleTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:             "payments",
		FlowID:           uuid.New(),
		Secret:           "whsec_test",
		Source:           SourceStripe,
		RequireSignature: true,
		Active:           true,
	}, Options{})

	body := []byte(`{"type":"customer.created","data":{"object":{"email":"ada@example.com"}}}`)
	headers := map[string]string{
		"Stripe-Signature": Sign(SourceStripe, "whsec_test", body, time.Now().Add(-10*time.Minute)),
	}

	res, err := h.ingress.Receive(ctx, "payments", body, headers, "10.0.0.1")
	var tsErr *TimestampError
	require.ErrorAs(t, err, &tsErr)
	assert.Equal(t, models.WebhookReplayRejected, res.Outcome)
	assert.Equal(t, 0, h.runner.calls)
}

func TestReceiveReplayRejected(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:             "signup",
		FlowID:           uuid.New(),
		Secret:           "secret",
		Source:           SourceGeneric,
		RequireSignature: true,
		Active:           true,
	}, Options{ReplayTTL: time.Hour})

	body := []byte(`{"email":"ada@example.com"}`)
	headers := map[string]string{
		"X-Webhook-Signature": Sign(SourceGeneric, "secret", body, time.Now()),
	}

	_, err := h.ingress.Receive(ctx, "signup", body, headers, "10.0.0.1")
	require.NoError(t, err)

	res, err := h.ingress.Receive(ctx, "signup", body, headers, "10.0.0.1")
	require.ErrorIs(t, err, ErrReplay)
	assert.Equal(t, models.WebhookReplayRejected, res.Outcome)
	assert.Equal(t, 1, h.runner.calls)
}

func TestReceiveUnknownAndInactiveEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:   "paused",
		FlowID: uuid.New(),
		Source: SourceGeneric,
		Active: false,
	}, Options{})

	res, err := h.ingress.Receive(ctx, "nope", []byte(`{}`), nil, "10.0.0.1")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.Equal(t, models.WebhookUnknownEndpoint, res.Outcome)

	res, err = h.ingress.Receive(ctx, "paused", []byte(`{}`), nil, "10.0.0.1")
	require.ErrorIs(t, err, ErrInactiveEndpoint)
	assert.Equal(t, models.WebhookInactive, res.Outcome)
	assert.Equal(t, 0, h.runner.calls)
}

func TestReceiveRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:   "signup",
		FlowID: uuid.New(),
		Source: SourceGeneric,
		Active: true,
	}, Options{RateLimitPerMinute: 1})

	body := []byte(`{"email":"ada@example.com"}`)
	_, err := h.ingress.Receive(ctx, "signup", body, nil, "10.0.0.1")
	require.NoError(t, err)

	res, err := h.ingress.Receive(ctx, "signup", body, nil, "10.0.0.1")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.GreaterOrEqual(t, rlErr.RetryAfterSeconds, int64(1))
	assert.Equal(t, models.WebhookRateLimited, res.Outcome)
}

func TestReceiveBadPayload(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:   "signup",
		FlowID: uuid.New(),
		Source: SourceGeneric,
		Active: true,
	}, Options{})

	res, err := h.ingress.Receive(ctx, "signup", []byte(`{not json`), nil, "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.WebhookBadPayload, res.Outcome)
	assert.Equal(t, 0, h.runner.calls)
}

func TestReceiveReusesEntityByEmail(t *testing.T) {
	ctx := context.Background()
	h := newIngressHarness(t, &models.WebhookConfig{
		Slug:   "signup",
		FlowID: uuid.New(),
		Source: SourceGeneric,
		Active: true,
	}, Options{})

	first, err := h.ingress.Receive(ctx, "signup",
		[]byte(`{"email":"ada@example.com","plan":"free"}`), nil, "10.0.0.1")
	require.NoError(t, err)

	second, err := h.ingress.Receive(ctx, "signup",
		[]byte(`{"email":"ada@example.com","plan":"pro"}`), nil, "10.0.0.1")
	require.NoError(t, err)

	require.NotNil(t, first.EntityID)
	require.NotNil(t, second.EntityID)
	assert.Equal(t, *first.EntityID, *second.EntityID)

	entity, err := h.store.GetEntity(ctx, *second.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "pro", entity.Attributes["plan"])
}

func TestReceiveNoCurrentVersion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	flowID := uuid.New()
	require.NoError(t, st.CreateFlow(ctx, &models.Flow{ID: flowID, Name: "draft"}))
	require.NoError(t, st.SaveWebhookConfig(ctx, &models.WebhookConfig{
		Slug:   "draft",
		FlowID: flowID,
		Source: SourceGeneric,
		Active: true,
	}))

	runner := &fakeRunner{}
	ing := NewIngress(st, NewVerifier(5*time.Minute), nil, nil, runner, Options{}, nopLogger{})

	res, err := ing.Receive(ctx, "draft", []byte(`{"email":"ada@example.com"}`), nil, "10.0.0.1")
	require.ErrorIs(t, err, store.ErrVersionNotFound)
	assert.Equal(t, models.WebhookRunFailed, res.Outcome)
	assert.Equal(t, 0, runner.calls)
}
