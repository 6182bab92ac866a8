package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/observability"
)

const (
	minSamples  = 10
	anomalySeed = 42
)

// historyStore is the slice of the Redis store the scorer needs.
type historyStore interface {
	RecordTxn(ctx context.Context, agentID string, rec domain.TxnRecord) error
	TxnHistory(ctx context.Context, agentID string, limit int) ([]domain.TxnRecord, error)
}

// RiskScore is the outcome of scoring one proposed transaction.
type RiskScore struct {
	AgentID     string  `json:"agent_id"`
	AmountPaise int64   `json:"amount_paise"`
	Score       float64 `json:"score"`
	Flagged     bool    `json:"flagged"`
	Trained     bool    `json:"trained"`
	SampleCount int     `json:"sample_count"`
	Detail      string  `json:"detail"`
}

// RiskProfile summarizes an agent's spending history.
type RiskProfile struct {
	AgentID     string  `json:"agent_id"`
	SampleCount int     `json:"sample_count"`
	Trained     bool    `json:"trained"`
	MeanPaise   float64 `json:"mean_paise"`
	StdDevPaise float64 `json:"stddev_paise"`
	MinPaise    float64 `json:"min_paise"`
	MaxPaise    float64 `json:"max_paise"`
}

// AnomalyScorer runs an isolation forest over an agent's recent amounts.
// Scoring is advisory: it feeds tools and metrics but never blocks a payout
// on its own.
type AnomalyScorer struct {
	store     historyStore
	threshold float64
	metrics   *observability.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// NewAnomalyScorer builds the scorer with the configured flag threshold.
func NewAnomalyScorer(store historyStore, threshold float64, metrics *observability.Metrics) *AnomalyScorer {
	return &AnomalyScorer{
		store:     store,
		threshold: threshold,
		metrics:   metrics,
		log:       slog.With("component", "anomaly"),
		now:       time.Now,
	}
}

// Score evaluates a proposed amount against the agent's history. The history
// is read before the amount is recorded, so the z-score reflects past
// behavior only. Each training row carries the hour and weekday the payment
// was actually observed; the z-score runs over log-amounts.
func (s *AnomalyScorer) Score(ctx context.Context, agentID string, amountPaise int64) (RiskScore, error) {
	history, err := s.store.TxnHistory(ctx, agentID, 0)
	if err != nil {
		return RiskScore{}, fmt.Errorf("anomaly score: %w", err)
	}

	result := RiskScore{
		AgentID:     agentID,
		AmountPaise: amountPaise,
		SampleCount: len(history),
	}

	if len(history) < minSamples {
		result.Score = 0.5
		result.Detail = fmt.Sprintf("Insufficient data (%d/%d samples), neutral score", len(history), minSamples)
		s.metrics.RecordAnomaly("untrained")
		return result, nil
	}

	logs := make([]float64, len(history))
	for i, rec := range history {
		logs[i] = rec.AmountLog
	}
	mean, stddev := meanStdDev(logs)
	zScore := func(amountLog float64) float64 {
		if stddev == 0 {
			return 0
		}
		return (amountLog - mean) / stddev
	}

	training := make([][]float64, len(history))
	for i, rec := range history {
		training[i] = []float64{
			rec.AmountLog,
			float64(rec.Hour),
			float64(rec.Weekday),
			zScore(rec.AmountLog),
		}
	}
	forest := TrainForest(training, anomalySeed)

	at := s.now().UTC()
	candidateLog := amountLog(amountPaise)
	point := []float64{
		candidateLog,
		float64(at.Hour()),
		float64(at.Weekday()),
		zScore(candidateLog),
	}
	decision := forest.DecisionFunction(point)
	risk := math.Min(math.Max(0.5-decision, 0), 1)

	result.Score = risk
	result.Trained = true
	result.Flagged = risk >= s.threshold

	z := point[3]
	switch {
	case result.Flagged && math.Abs(z) > 3:
		result.Detail = fmt.Sprintf("Anomaly detected: unusual amount (z=%.1f)", z)
	case result.Flagged:
		result.Detail = fmt.Sprintf("Anomaly detected: risk=%.2f", risk)
	default:
		result.Detail = "Within normal range"
	}

	if result.Flagged {
		s.metrics.RecordAnomaly("true")
		s.log.Warn("anomalous transaction",
			"agent_id", agentID, "amount_paise", amountPaise, "risk", risk, "z", z)
	} else {
		s.metrics.RecordAnomaly("false")
	}
	return result, nil
}

// Record appends one observed transaction to the agent's history,
// featurized at the moment it happened.
func (s *AnomalyScorer) Record(ctx context.Context, agentID string, amountPaise int64) error {
	at := s.now().UTC()
	return s.store.RecordTxn(ctx, agentID, domain.TxnRecord{
		AmountPaise: amountPaise,
		AmountLog:   amountLog(amountPaise),
		Hour:        at.Hour(),
		Weekday:     int(at.Weekday()),
		RecordedAt:  at.Unix(),
	})
}

// Profile returns descriptive statistics over the agent's history.
func (s *AnomalyScorer) Profile(ctx context.Context, agentID string) (RiskProfile, error) {
	history, err := s.store.TxnHistory(ctx, agentID, 0)
	if err != nil {
		return RiskProfile{}, fmt.Errorf("risk profile: %w", err)
	}

	profile := RiskProfile{
		AgentID:     agentID,
		SampleCount: len(history),
		Trained:     len(history) >= minSamples,
	}
	if len(history) == 0 {
		return profile, nil
	}

	amounts := make([]float64, len(history))
	for i, rec := range history {
		amounts[i] = float64(rec.AmountPaise)
	}
	profile.MeanPaise, profile.StdDevPaise = meanStdDev(amounts)
	profile.MinPaise, profile.MaxPaise = amounts[0], amounts[0]
	for _, amt := range amounts {
		profile.MinPaise = math.Min(profile.MinPaise, amt)
		profile.MaxPaise = math.Max(profile.MaxPaise, amt)
	}
	return profile, nil
}

func amountLog(paise int64) float64 {
	return math.Log10(math.Max(float64(paise), 1))
}

func meanStdDev(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}
