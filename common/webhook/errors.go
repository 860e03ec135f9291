package webhook

import (
	"errors"
	"fmt"
	"time"
)

// Ingestion errors mapped to HTTP statuses by the handler layer.
var (
	ErrUnknownEndpoint  = errors.New("webhook endpoint not found")
	ErrInactiveEndpoint = errors.New("webhook endpoint is inactive")
	ErrReplay           = errors.New("webhook event already processed")
)

// SignatureError reports a signature that failed verification.
type SignatureError struct {
	Scheme string
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature invalid (scheme=%s): %s", e.Scheme, e.Reason)
}

// TimestampError reports a signed timestamp outside the freshness window.
type TimestampError struct {
	Skew   time.Duration
	Window time.Duration
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("webhook timestamp outside freshness window (skew=%s, window=%s)", e.Skew, e.Window)
}

// RateLimitError reports an over-limit delivery with a retry hint.
type RateLimitError struct {
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("webhook rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}
