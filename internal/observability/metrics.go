// Package observability exposes the Prometheus metric surface for the
// governance server.
package observability

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/vyapaar/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the governance server.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	// Decision pipeline
	Decisions       *prometheus.CounterVec
	DecisionAmounts *prometheus.CounterVec
	DecisionLatency prometheus.Histogram

	// Ingress
	WebhookEvents *prometheus.CounterVec
	PollCycles    *prometheus.CounterVec
	PollPayouts   prometheus.Counter

	// Budget + rate limiting
	BudgetCommits   *prometheus.CounterVec
	BudgetRollbacks prometheus.Counter
	RateLimited     prometheus.Counter

	// Reputation
	ReputationChecks    *prometheus.CounterVec
	ReputationCacheHits prometheus.Counter
	GLEIFLookups        *prometheus.CounterVec
	AnomalyScores       *prometheus.CounterVec

	// Egress
	EgressCalls        *prometheus.CounterVec
	SlackNotifications *prometheus.CounterVec
	NtfyNotifications  *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_decisions_total",
				Help: "Governance decisions by outcome and reason",
			},
			[]string{"decision", "reason_code"},
		),

		DecisionAmounts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_decision_amount_paise_total",
				Help: "Paise volume evaluated, by decision",
			},
			[]string{"decision"},
		),

		DecisionLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vyapaar_decision_latency_ms",
				Help:    "End-to-end governance evaluation latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_webhook_events_total",
				Help: "Webhook events by handling result",
			},
			[]string{"result"}, // processed, skipped, duplicate, invalid_signature, malformed
		),

		PollCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_poll_cycles_total",
				Help: "Poller cycles by result",
			},
			[]string{"result"}, // ok, error
		),

		PollPayouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vyapaar_poll_payouts_total",
				Help: "Queued payouts discovered by the poller",
			},
		),

		BudgetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_budget_commits_total",
				Help: "Budget commit attempts by outcome",
			},
			[]string{"committed"}, // true, false
		),

		BudgetRollbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vyapaar_budget_rollbacks_total",
				Help: "Budget rollbacks after downstream rejection or failure",
			},
		),

		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vyapaar_rate_limited_total",
				Help: "Payouts rejected by the sliding-window rate limiter",
			},
		),

		ReputationChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_reputation_checks_total",
				Help: "Safe Browsing checks by outcome",
			},
			[]string{"outcome"}, // safe, threat, timeout, api_error, internal_error
		),

		ReputationCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vyapaar_reputation_cache_hits_total",
				Help: "Safe Browsing verdicts served from cache",
			},
		),

		GLEIFLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_gleif_lookups_total",
				Help: "GLEIF entity lookups by outcome",
			},
			[]string{"outcome"}, // verified, unverified, not_found, error, cached
		),

		AnomalyScores: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_anomaly_scores_total",
				Help: "Anomaly scoring runs by flag outcome",
			},
			[]string{"flagged"}, // true, false, untrained
		),

		EgressCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_egress_calls_total",
				Help: "Razorpay egress calls by operation and outcome",
			},
			[]string{"operation", "outcome"}, // approve/cancel x ok/error/circuit_open
		),

		SlackNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_slack_notifications_total",
				Help: "Slack notifications by outcome",
			},
			[]string{"outcome"}, // ok, error
		),

		NtfyNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vyapaar_ntfy_notifications_total",
				Help: "ntfy notifications by outcome",
			},
			[]string{"outcome"}, // ok, error
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vyapaar_breaker_state",
				Help: "Circuit breaker state by dependency (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"}, // razorpay, safe-browsing, gleif
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vyapaar_uptime_seconds",
			Help: "Seconds since server start",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordDecision records one pipeline outcome.
func (m *Metrics) RecordDecision(r domain.GovernanceResult) {
	m.Decisions.WithLabelValues(string(r.Decision), string(r.ReasonCode)).Inc()
	m.DecisionAmounts.WithLabelValues(string(r.Decision)).Add(float64(r.AmountPaise))
	m.DecisionLatency.Observe(float64(r.ProcessingMS))
}

// RecordWebhook records a webhook handling result.
func (m *Metrics) RecordWebhook(result string) {
	m.WebhookEvents.WithLabelValues(result).Inc()
}

// RecordPollCycle records one poller tick.
func (m *Metrics) RecordPollCycle(err error, fetched int) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollCycles.WithLabelValues(result).Inc()
	m.PollPayouts.Add(float64(fetched))
}

// RecordBudgetCommit records a try-spend outcome.
func (m *Metrics) RecordBudgetCommit(committed bool) {
	m.BudgetCommits.WithLabelValues(fmt.Sprintf("%t", committed)).Inc()
}

// RecordEgress records a Razorpay egress call.
func (m *Metrics) RecordEgress(operation, outcome string) {
	m.EgressCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordAnomaly records a scoring run.
func (m *Metrics) RecordAnomaly(flagged string) {
	m.AnomalyScores.WithLabelValues(flagged).Inc()
}

// UptimeSeconds reports time since start for health payloads.
func (m *Metrics) UptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot flattens every series into a name{labels} -> value map for the
// get_metrics tool's JSON body. Histograms contribute their count and sum.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, lp := range labels {
					parts = append(parts, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
				}
				key += "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
				out[key+"_sum"] = metric.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}

// Render returns the text exposition for the get_metrics tool.
func (m *Metrics) Render() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("render metrics: %w", err)
		}
	}
	return buf.String(), nil
}
