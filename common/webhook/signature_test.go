package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedVerifier(window time.Duration, at time.Time) *Verifier {
	v := NewVerifier(window)
	v.now = func() time.Time { return at }
	return v
}

func TestVerifyStripeValid(t *testing.T) {
	now := time.Now()
	v := fixedVerifier(5*time.Minute, now)
	body := []byte(`{"type":"customer.created"}`)

	header := Sign(SourceStripe, "whsec_test", body, now)
	assert.NoError(t, v.Verify(SourceStripe, "whsec_test", header, body))
}

func TestVerifyStaleTimestampRejectedBeforeSignatureCheck(t *testing.T) {
	now := time.Now()
	v := fixedVerifier(5*time.Minute, now)
	body := []byte(`{"type":"customer.created"}`)

	// Signature is valid for the old timestamp, but the window has passed.
	header := Sign(SourceStripe, "whsec_test", body, now.Add(-400*time.Second))
	err := v.Verify(SourceStripe, "whsec_test", header, body)

	var tsErr *TimestampError
	require.ErrorAs(t, err, &tsErr)
	assert.Equal(t, 5*time.Minute, tsErr.Window)

	// A stale timestamp with a garbage signature reports staleness, not a
	// mismatch: freshness is checked before any signature math.
	stale := fmt.Sprintf("t=%d,v1=deadbeef", now.Add(-time.Hour).Unix())
	err = v.Verify(SourceStripe, "whsec_test", stale, body)
	assert.ErrorAs(t, err, &tsErr)
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Now()
	v := fixedVerifier(5*time.Minute, now)

	header := Sign(SourceCalendly, "secret", []byte(`{"amount":100}`), now)
	err := v.Verify(SourceCalendly, "secret", header, []byte(`{"amount":900}`))

	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, SourceCalendly, sigErr.Scheme)
}

func TestVerifyGenericScheme(t *testing.T) {
	v := NewVerifier(5 * time.Minute)
	body := []byte(`{"email":"ada@example.com"}`)
	sig := Sign(SourceGeneric, "secret", body, time.Now())

	assert.NoError(t, v.Verify(SourceGeneric, "secret", sig, body))
	assert.NoError(t, v.Verify(SourceGeneric, "secret", "sha256="+sig, body))

	var sigErr *SignatureError
	assert.ErrorAs(t, v.Verify(SourceGeneric, "other-secret", sig, body), &sigErr)
	assert.ErrorAs(t, v.Verify(SourceGeneric, "secret", "", body), &sigErr)
}

func TestParseTimestampedHeaderTolerance(t *testing.T) {
	ts, sig, err := parseTimestampedHeader("t=1700000000, v1=abcdef, v0=legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)
	assert.Equal(t, "abcdef", sig)

	_, _, err = parseTimestampedHeader("v1=abcdef")
	assert.ErrorContains(t, err, "timestamp")

	_, _, err = parseTimestampedHeader("t=1700000000")
	assert.ErrorContains(t, err, "v1")

	_, _, err = parseTimestampedHeader("t=notanumber,v1=abcdef")
	assert.ErrorContains(t, err, "malformed")
}

func TestSignatureHeaderBySource(t *testing.T) {
	assert.Equal(t, "Stripe-Signature", SignatureHeader(SourceStripe))
	assert.Equal(t, "Calendly-Webhook-Signature", SignatureHeader(SourceCalendly))
	assert.Equal(t, "X-Webhook-Signature", SignatureHeader(SourceGeneric))
	assert.Equal(t, "X-Webhook-Signature", SignatureHeader("something-else"))
}
