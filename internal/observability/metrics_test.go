package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/domain"
)

func TestRegistriesAreIsolated(t *testing.T) {
	// Two instances must not collide; each carries a private registry.
	a := NewMetrics()
	b := NewMetrics()
	a.RateLimited.Inc()
	b.RateLimited.Inc()
}

func TestRenderExposesSeries(t *testing.T) {
	m := NewMetrics()
	m.RecordDecision(domain.GovernanceResult{
		Decision:     domain.DecisionRejected,
		ReasonCode:   domain.ReasonLimitExceeded,
		AmountPaise:  50000,
		ProcessingMS: 12,
	})
	m.RecordWebhook("processed")
	m.RecordPollCycle(nil, 3)
	m.RecordPollCycle(errors.New("down"), 0)
	m.RecordBudgetCommit(true)
	m.RecordEgress("approve", "ok")
	m.RecordAnomaly("false")
	m.BreakerState.WithLabelValues("razorpay").Set(1)

	text, err := m.Render()
	require.NoError(t, err)

	for _, series := range []string{
		`vyapaar_decisions_total{decision="REJECTED",reason_code="LIMIT_EXCEEDED"} 1`,
		`vyapaar_decision_amount_paise_total{decision="REJECTED"} 50000`,
		`vyapaar_webhook_events_total{result="processed"} 1`,
		`vyapaar_poll_cycles_total{result="ok"} 1`,
		`vyapaar_poll_cycles_total{result="error"} 1`,
		`vyapaar_poll_payouts_total 3`,
		`vyapaar_budget_commits_total{committed="true"} 1`,
		`vyapaar_egress_calls_total{operation="approve",outcome="ok"} 1`,
		`vyapaar_anomaly_scores_total{flagged="false"} 1`,
		`vyapaar_breaker_state{name="razorpay"} 1`,
		`vyapaar_uptime_seconds`,
		`vyapaar_decision_latency_ms_bucket`,
	} {
		assert.Contains(t, text, series)
	}
}

func TestSnapshotFlattensSeries(t *testing.T) {
	m := NewMetrics()
	m.RecordWebhook("processed")
	m.BreakerState.WithLabelValues("gleif").Set(2)
	m.RecordDecision(domain.GovernanceResult{
		Decision:     domain.DecisionApproved,
		ReasonCode:   domain.ReasonPolicyOK,
		ProcessingMS: 7,
	})

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap[`vyapaar_webhook_events_total{result="processed"}`])
	assert.Equal(t, 2.0, snap[`vyapaar_breaker_state{name="gleif"}`])
	assert.Equal(t, 1.0, snap["vyapaar_decision_latency_ms_count"])
	assert.Equal(t, 7.0, snap["vyapaar_decision_latency_ms_sum"])
	assert.Contains(t, snap, "vyapaar_uptime_seconds")
}

func TestHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordWebhook("skipped")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "vyapaar_webhook_events_total"))
}

func TestUptimeSecondsIsNonNegative(t *testing.T) {
	m := NewMetrics()
	assert.GreaterOrEqual(t, m.UptimeSeconds(), int64(0))
}
