package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/cmd/engine/container"
	"github.com/waypointhq/waypoint/common/bootstrap"
	"github.com/waypointhq/waypoint/common/engine"
	"github.com/waypointhq/waypoint/common/logger"
	"github.com/waypointhq/waypoint/common/models"
	"github.com/waypointhq/waypoint/common/ratelimit"
	"github.com/waypointhq/waypoint/common/store"
	"github.com/waypointhq/waypoint/common/webhook"
	"github.com/waypointhq/waypoint/common/worker"
)

// newWebhookTestServer serves the real /webhooks route over a seeded
// signup endpoint that requires a generic HMAC signature.
func newWebhookTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	log := logger.New("error", "text")
	st := store.NewMemory()

	flowID := uuid.New()
	require.NoError(t, st.CreateFlow(ctx, &models.Flow{ID: flowID, Name: "signup"}))
	versionID := uuid.New()
	require.NoError(t, st.InsertVersion(ctx, &models.Version{ID: versionID, FlowID: flowID}))
	require.NoError(t, st.UpdateFlowCurrentVersion(ctx, flowID, versionID))
	require.NoError(t, st.SaveWebhookConfig(ctx, &models.WebhookConfig{
		Slug:             "signup",
		FlowID:           flowID,
		Secret:           "secret",
		Source:           webhook.SourceGeneric,
		RequireSignature: true,
		Active:           true,
	}))

	registry := worker.NewRegistry()
	dispatcher := engine.NewDispatcher(registry, "http://localhost:8080", time.Second, nil, log)
	eng := engine.New(st, registry, dispatcher, nil, log)

	ing := webhook.NewIngress(st, webhook.NewVerifier(5*time.Minute),
		ratelimit.NewMemoryLimiter(), nil, eng,
		webhook.Options{RateLimitPerMinute: 100, ReplayTTL: time.Hour}, log)

	c := &container.Container{
		Components: &bootstrap.Components{Logger: log, Store: st},
		Ingress:    ing,
	}
	e := echo.New()
	e.POST("/webhooks/:slug", NewWebhookHandler(c).Receive)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func postWebhook(t *testing.T, url string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookDeliveryAccepted(t *testing.T) {
	srv := newWebhookTestServer(t)
	body := []byte(`{"email":"ada@example.com","name":"Ada"}`)

	resp := postWebhook(t, srv.URL+"/webhooks/signup", body,
		webhook.Sign(webhook.SourceGeneric, "secret", body, time.Now()))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookBadSignatureIsBadRequest(t *testing.T) {
	srv := newWebhookTestServer(t)
	body := []byte(`{"email":"ada@example.com"}`)

	resp := postWebhook(t, srv.URL+"/webhooks/signup", body,
		webhook.Sign(webhook.SourceGeneric, "wrong-secret", body, time.Now()))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing signature on an endpoint that requires one is the same defect.
	resp = postWebhook(t, srv.URL+"/webhooks/signup", body, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookUnknownSlugIsNotFound(t *testing.T) {
	srv := newWebhookTestServer(t)
	body := []byte(`{"email":"ada@example.com"}`)

	resp := postWebhook(t, srv.URL+"/webhooks/nope", body,
		webhook.Sign(webhook.SourceGeneric, "secret", body, time.Now()))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
