// Package ingress brings payout requests into the pipeline: signed
// webhooks, the Razorpay API poller, and the sub-process RPC bridge.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vyapaar/backend/internal/domain"
)

const (
	// Razorpay caps webhook payloads well under 1MiB; anything larger is
	// hostile. Anything under 10 bytes cannot be a JSON envelope.
	MaxWebhookBytes = 1 << 20
	MinWebhookBytes = 10
)

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body against
// the shared webhook secret. Empty signatures or secrets never verify.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CheckWebhookBounds rejects bodies outside the accepted size envelope
// before any parsing happens.
func CheckWebhookBounds(body []byte) error {
	if len(body) > MaxWebhookBytes {
		return fmt.Errorf("webhook body too large: %d bytes", len(body))
	}
	if len(body) < MinWebhookBytes {
		return fmt.Errorf("webhook body too small: %d bytes", len(body))
	}
	return nil
}

// ParseWebhookEvent decodes the Razorpay envelope.
func ParseWebhookEvent(body []byte) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("webhook parse: %w", err)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("webhook parse: missing event type")
	}
	return &event, nil
}

// WebhookEventKey is the idempotency key for one delivered event.
func WebhookEventKey(event *domain.WebhookEvent) string {
	return event.Event + ":" + event.Payload.Payout.Entity.ID
}

// PollEventKey is the idempotency key for a payout discovered by polling,
// kept in its own keyspace so poll cycles dedupe among themselves.
func PollEventKey(payoutID string) string {
	return "poll:payout.queued:" + payoutID
}
