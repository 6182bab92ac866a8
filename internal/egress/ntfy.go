package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vyapaar/backend/internal/observability"
)

// ntfy priorities (1 min .. 5 max).
const (
	NtfyPriorityLow     = 2
	NtfyPriorityDefault = 3
	NtfyPriorityHigh    = 4
	NtfyPriorityUrgent  = 5
)

// NtfyNotifier publishes to an ntfy topic. It is the fallback channel when
// Slack is unconfigured or failing.
type NtfyNotifier struct {
	serverURL string
	topic     string
	authToken string
	http      *http.Client
	metrics   *observability.Metrics
	log       *slog.Logger
}

// NewNtfyNotifier builds the publisher.
func NewNtfyNotifier(serverURL, topic, authToken string, metrics *observability.Metrics) *NtfyNotifier {
	return &NtfyNotifier{
		serverURL: serverURL,
		topic:     topic,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
		metrics:   metrics,
		log:       slog.With("component", "ntfy"),
	}
}

type ntfyMessage struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags,omitempty"`
}

// Publish posts one notification. The topic travels in the JSON body, so the
// POST goes to the server root.
func (n *NtfyNotifier) Publish(ctx context.Context, title, message string, priority int, tags []string) error {
	if priority < 1 || priority > 5 {
		priority = NtfyPriorityDefault
	}
	body, err := json.Marshal(ntfyMessage{
		Topic:    n.topic,
		Title:    title,
		Message:  message,
		Priority: priority,
		Tags:     tags,
	})
	if err != nil {
		return fmt.Errorf("ntfy marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.serverURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.metrics.NtfyNotifications.WithLabelValues("error").Inc()
		return fmt.Errorf("ntfy publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.metrics.NtfyNotifications.WithLabelValues("error").Inc()
		return fmt.Errorf("ntfy publish: status %d", resp.StatusCode)
	}
	n.metrics.NtfyNotifications.WithLabelValues("ok").Inc()
	return nil
}
