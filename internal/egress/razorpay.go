// Package egress executes decisions against the outside world: Razorpay
// payout actions, Slack approvals, and ntfy alerts.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/resilience"
)

const (
	maxAttempts    = 3
	backoffBase    = 1 * time.Second
	backoffCap     = 30 * time.Second
	backoffFactor  = 2
	requestTimeout = 15 * time.Second
)

// apiError carries the upstream status so the retry loop can tell transient
// failures from permanent ones.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("razorpay returned %d: %s", e.Status, e.Body)
}

func (e *apiError) retryable() bool {
	return e.Status >= 500
}

// RazorpayClient executes payout actions with retry and circuit breaking.
type RazorpayClient struct {
	base      string
	keyID     string
	keySecret string
	http      *http.Client
	breaker   *resilience.Breaker
	metrics   *observability.Metrics
	log       *slog.Logger
	sleep     func(time.Duration) // overridable for tests
}

// NewRazorpayClient wires the authenticated client.
func NewRazorpayClient(base, keyID, keySecret string, breaker *resilience.Breaker, metrics *observability.Metrics) *RazorpayClient {
	return &RazorpayClient{
		base:      base,
		keyID:     keyID,
		keySecret: keySecret,
		http:      &http.Client{Timeout: requestTimeout},
		breaker:   breaker,
		metrics:   metrics,
		log:       slog.With("component", "razorpay"),
		sleep:     time.Sleep,
	}
}

// ApprovePayout releases a queued payout.
func (c *RazorpayClient) ApprovePayout(ctx context.Context, payoutID string) error {
	err := c.breaker.Execute(func() error {
		return c.doWithRetry(ctx, http.MethodPost, "/v1/payouts/"+payoutID+"/approve", nil)
	})
	c.record("approve", err)
	return err
}

// CancelPayout cancels a queued payout with an audit-friendly remark.
func (c *RazorpayClient) CancelPayout(ctx context.Context, payoutID, reason string) error {
	body := map[string]string{
		"remarks": fmt.Sprintf("REJECTED by Vyapaar MCP: %s", reason),
	}
	err := c.breaker.Execute(func() error {
		return c.doWithRetry(ctx, http.MethodPost, "/v1/payouts/"+payoutID+"/cancel", body)
	})
	c.record("cancel", err)
	return err
}

func (c *RazorpayClient) record(operation string, err error) {
	outcome := "ok"
	var open *resilience.CircuitOpenError
	switch {
	case err == nil:
	case errors.As(err, &open):
		outcome = "circuit_open"
	default:
		outcome = "error"
	}
	c.metrics.RecordEgress(operation, outcome)
}

// doWithRetry retries 5xx and transport errors with exponential backoff.
// 4xx responses are permanent and fail immediately.
func (c *RazorpayClient) doWithRetry(ctx context.Context, method, path string, body any) error {
	backoff := backoffBase
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.do(ctx, method, path, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var api *apiError
		if errors.As(err, &api) && !api.retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < maxAttempts {
			c.log.Warn("razorpay call failed, retrying",
				"path", path, "attempt", attempt, "backoff", backoff, "error", err)
			c.sleep(backoff)
			backoff *= backoffFactor
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
	return fmt.Errorf("razorpay %s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("razorpay marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("razorpay request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("razorpay transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{Status: resp.StatusCode, Body: string(payload)}
}
