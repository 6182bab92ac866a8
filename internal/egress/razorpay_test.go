package egress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/observability"
	"github.com/vyapaar/backend/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*RazorpayClient, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	breaker := resilience.New(resilience.Config{
		Name:             "razorpay-test",
		FailureThreshold: 100, // keep the breaker out of retry tests
		RecoveryTimeout:  time.Second,
		OnStateChange:    func(string, resilience.State, resilience.State) {},
	})
	c := NewRazorpayClient(srv.URL, "key", "secret", breaker, observability.NewMetrics())

	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

func TestApprovePayoutSuccess(t *testing.T) {
	var gotPath, gotUser string
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	})

	err := c.ApprovePayout(context.Background(), "pout_123")
	require.NoError(t, err)
	assert.Equal(t, "/v1/payouts/pout_123/approve", gotPath)
	assert.Equal(t, "key", gotUser)
	assert.Empty(t, *sleeps)
}

func TestCancelPayoutSendsRemarks(t *testing.T) {
	var remarks string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		remarks = payload["remarks"]
		w.WriteHeader(http.StatusOK)
	})

	err := c.CancelPayout(context.Background(), "pout_123", "Daily budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED by Vyapaar MCP: Daily budget exceeded", remarks)
}

func TestRetrySchedule5xx(t *testing.T) {
	attempts := 0
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.ApprovePayout(context.Background(), "pout_123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *sleeps)
}

func TestRetryRecoversMidway(t *testing.T) {
	attempts := 0
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.ApprovePayout(context.Background(), "pout_123")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *sleeps, 2)
}

func Test4xxFailsImmediately(t *testing.T) {
	attempts := 0
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"description":"payout not cancellable"}}`))
	})

	err := c.CancelPayout(context.Background(), "pout_123", "reason")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, attempts, "client errors are permanent")
	assert.Empty(t, *sleeps)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	// Tight threshold for this test.
	c.breaker = resilience.New(resilience.Config{
		Name:             "razorpay-test",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		OnStateChange:    func(string, resilience.State, resilience.State) {},
	})

	require.Error(t, c.ApprovePayout(context.Background(), "pout_1"))
	require.Error(t, c.ApprovePayout(context.Background(), "pout_2"))

	err := c.ApprovePayout(context.Background(), "pout_3")
	var open *resilience.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "razorpay-test", open.Name)
	assert.Greater(t, open.RetryAfter, time.Duration(0))
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		cancel()
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.ApprovePayout(ctx, "pout_123")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *sleeps)
}
