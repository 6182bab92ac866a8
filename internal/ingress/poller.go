package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/observability"
)

const (
	minPollInterval  = 5 * time.Second
	maxPollInterval  = 300 * time.Second
	pollBackoffBase  = 5 * time.Second
	pollBackoffLimit = 120 * time.Second
)

// PayoutFetcher produces queued payouts awaiting a decision.
type PayoutFetcher interface {
	FetchQueuedPayouts(ctx context.Context, accountNumber string) ([]domain.PayoutEntity, error)
}

// PayoutProcessor runs one payout through the full pipeline.
type PayoutProcessor interface {
	ProcessPayout(ctx context.Context, payout domain.PayoutEntity, source string) (*domain.GovernanceResult, error)
}

// claimStore dedupes payouts across poll cycles.
type claimStore interface {
	ClaimIdempotent(ctx context.Context, key string) (bool, error)
}

// PollStats is a snapshot of poller progress.
type PollStats struct {
	Cycles      int64     `json:"cycles"`
	Fetched     int64     `json:"fetched"`
	Processed   int64     `json:"processed"`
	Skipped     int64     `json:"skipped"`
	Errors      int64     `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// Poller periodically sweeps Razorpay for queued payouts that never arrived
// as webhooks. Consecutive failures back off exponentially; a success resets
// the backoff.
type Poller struct {
	fetcher   PayoutFetcher
	processor PayoutProcessor
	claims    claimStore
	metrics   *observability.Metrics
	account   string
	interval  time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	stats    PollStats
	failures int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPoller clamps the interval into [5s, 300s].
func NewPoller(fetcher PayoutFetcher, processor PayoutProcessor, claims claimStore, metrics *observability.Metrics, account string, interval time.Duration) *Poller {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	return &Poller{
		fetcher:   fetcher,
		processor: processor,
		claims:    claims,
		metrics:   metrics,
		account:   account,
		interval:  interval,
		log:       slog.With("component", "poller"),
		stopped:   make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("poller started", "interval", p.interval)
	for {
		delay := p.interval
		if _, err := p.PollOnce(ctx); err != nil {
			delay = p.backoff()
			p.log.Warn("poll cycle failed", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			p.log.Info("poller stopped", "reason", "context cancelled")
			return
		case <-p.stopped:
			p.log.Info("poller stopped", "reason", "stop requested")
			return
		case <-time.After(delay):
		}
	}
}

// Stop requests a cooperative shutdown.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// PollOnce runs a single sweep and returns the governance results for the
// payouts it processed.
func (p *Poller) PollOnce(ctx context.Context) ([]domain.GovernanceResult, error) {
	payouts, err := p.fetcher.FetchQueuedPayouts(ctx, p.account)
	p.metrics.RecordPollCycle(err, len(payouts))
	if err != nil {
		p.recordError(err)
		return nil, err
	}

	var results []domain.GovernanceResult
	var processed, skipped int64
	for _, payout := range payouts {
		fresh, err := p.claims.ClaimIdempotent(ctx, PollEventKey(payout.ID))
		if err != nil {
			p.log.Error("poll claim failed", "payout_id", payout.ID, "error", err)
			continue
		}
		if !fresh {
			skipped++
			continue
		}

		result, err := p.processor.ProcessPayout(ctx, payout, "poll")
		if err != nil {
			p.log.Error("poll processing failed", "payout_id", payout.ID, "error", err)
			continue
		}
		processed++
		results = append(results, *result)
	}

	p.recordSuccess(int64(len(payouts)), processed, skipped)
	return results, nil
}

// Stats returns a copy of the current counters.
func (p *Poller) Stats() PollStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) backoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := pollBackoffBase << (p.failures - 1)
	if delay > pollBackoffLimit || delay <= 0 {
		delay = pollBackoffLimit
	}
	return delay
}

func (p *Poller) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.stats.Cycles++
	p.stats.Errors++
	p.stats.LastError = err.Error()
}

func (p *Poller) recordSuccess(fetched, processed, skipped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.stats.Cycles++
	p.stats.Fetched += fetched
	p.stats.Processed += processed
	p.stats.Skipped += skipped
	p.stats.LastSuccess = time.Now()
}
