package models

import (
	"time"

	"github.com/google/uuid"
)

// Webhook event outcomes recorded in the event log.
const (
	WebhookAccepted        = "accepted"
	WebhookBadPayload      = "bad_payload"
	WebhookBadSignature    = "bad_signature"
	WebhookReplayRejected  = "replay_rejected"
	WebhookRateLimited     = "rate_limited"
	WebhookUnknownEndpoint = "unknown_endpoint"
	WebhookInactive        = "inactive_endpoint"
	WebhookRunFailed       = "run_creation_failed"
)

// WebhookConfig is the per-endpoint ingestion configuration.
type WebhookConfig struct {
	Slug             string    `json:"slug"`
	FlowID           uuid.UUID `json:"flowId"`
	Secret           string    `json:"secret,omitempty"`
	Source           string    `json:"source"`
	RequireSignature bool      `json:"requireSignature"`
	Active           bool      `json:"active"`
}

// WebhookEvent records the outcome of one ingestion attempt, success or not.
type WebhookEvent struct {
	ID         uuid.UUID  `json:"id"`
	Slug       string     `json:"slug"`
	ReceivedAt time.Time  `json:"receivedAt"`
	Outcome    string     `json:"outcome"`
	EntityID   *uuid.UUID `json:"entityId,omitempty"`
	RunID      *uuid.UUID `json:"runId,omitempty"`
}
