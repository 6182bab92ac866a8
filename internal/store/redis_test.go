package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/domain"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client), mr
}

func TestTrySpendCommitsWithinLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	ok, total, err := s.TrySpend(ctx, "agent-1", day, 30000, 100000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30000), total)

	ok, total, err = s.TrySpend(ctx, "agent-1", day, 70000, 100000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100000), total)
}

func TestTrySpendRejectsOverLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Now()

	ok, _, err := s.TrySpend(ctx, "agent-1", day, 90000, 100000)
	require.NoError(t, err)
	require.True(t, ok)

	// 90000 + 10001 > 100000
	ok, total, err := s.TrySpend(ctx, "agent-1", day, 10001, 100000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(90000), total, "rejected spend must not change the counter")

	// Exactly at the limit still fits.
	ok, total, err = s.TrySpend(ctx, "agent-1", day, 10000, 100000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100000), total)
}

func TestTrySpendConcurrentNeverOvercommits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.TrySpend(ctx, "agent-1", day, 10000, 100000)
			if err == nil && ok {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, committed)
	spent, err := s.SpentToday(ctx, "agent-1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), spent)
}

func TestTrySpendKeysAreScopedPerAgentAndDay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC)

	ok, _, err := s.TrySpend(ctx, "agent-1", day1, 100000, 100000)
	require.NoError(t, err)
	require.True(t, ok)

	// A new day starts from zero.
	ok, total, err := s.TrySpend(ctx, "agent-1", day2, 100000, 100000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100000), total)

	// Another agent is unaffected.
	ok, _, err = s.TrySpend(ctx, "agent-2", day1, 100000, 100000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRollbackSpendFloorsAtZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Now()

	_, _, err := s.TrySpend(ctx, "agent-1", day, 50000, 100000)
	require.NoError(t, err)

	require.NoError(t, s.RollbackSpend(ctx, "agent-1", day, 20000))
	spent, err := s.SpentToday(ctx, "agent-1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), spent)

	// Rolling back more than was spent clamps to zero instead of going
	// negative.
	require.NoError(t, s.RollbackSpend(ctx, "agent-1", day, 999999))
	spent, err = s.SpentToday(ctx, "agent-1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(0), spent)

	// Rollback on an empty counter is a no-op.
	require.NoError(t, s.RollbackSpend(ctx, "agent-2", day, 1000))
	spent, err = s.SpentToday(ctx, "agent-2", day)
	require.NoError(t, err)
	assert.Equal(t, int64(0), spent)
}

func TestSpentTodayMissingKeyIsZero(t *testing.T) {
	s, _ := newTestStore(t)
	spent, err := s.SpentToday(context.Background(), "ghost", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), spent)
}

func TestClaimIdempotent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ClaimIdempotent(ctx, "payout.queued:pout_123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimIdempotent(ctx, "payout.queued:pout_123")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	// Claims expire after the retry horizon.
	mr.FastForward(49 * time.Hour)
	ok, err = s.ClaimIdempotent(ctx, "payout.queued:pout_123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateAllowSlidingWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, count, err := s.RateAllow(ctx, "agent-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i+1), count)
	}

	ok, count, err := s.RateAllow(ctx, "agent-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), count)

	// Another agent has its own window.
	ok, _, err = s.RateAllow(ctx, "agent-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONCacheRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type verdict struct {
		Safe bool `json:"safe"`
	}
	hit, err := s.GetJSON(ctx, "missing", &verdict{})
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, s.SetJSON(ctx, "k", verdict{Safe: true}, time.Minute))
	var got verdict
	hit, err = s.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, got.Safe)
}

func TestReputationKeyIsStableAndBounded(t *testing.T) {
	a := ReputationKey("https://vendor.example.com/invoice?id=1")
	b := ReputationKey("https://vendor.example.com/invoice?id=1")
	c := ReputationKey("https://vendor.example.com/invoice?id=2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("rep:")+16)
}

func TestRecordTxnTrimsHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < historyMax+50; i++ {
		rec := domain.TxnRecord{AmountPaise: int64(i), Hour: 14, Weekday: 1}
		require.NoError(t, s.RecordTxn(ctx, "agent-1", rec))
	}

	records, err := s.TxnHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, records, historyMax)
	// Newest first.
	assert.Equal(t, int64(historyMax+49), records[0].AmountPaise)
}

func TestTxnHistoryPreservesFeatures(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := domain.TxnRecord{
		AmountPaise: 5000,
		AmountLog:   3.699,
		Hour:        14,
		Weekday:     1,
		RecordedAt:  1787927400,
	}
	require.NoError(t, s.RecordTxn(ctx, "agent-1", rec))

	records, err := s.TxnHistory(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec, records[0])
}

func TestTxnHistorySkipsCorruptEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTxn(ctx, "agent-1", domain.TxnRecord{AmountPaise: 5000}))
	_, err := mr.Lpush("history:agent-1", "not-json")
	require.NoError(t, err)

	records, err := s.TxnHistory(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5000), records[0].AmountPaise)
}

func TestBudgetKeyFormat(t *testing.T) {
	day := time.Date(2026, 8, 24, 18, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	// 2026-08-24 18:30 IST is 2026-08-24 13:00 UTC, so the UTC day is the 24th.
	assert.Equal(t, fmt.Sprintf("budget:agent-1:%s", "20260824"), budgetKey("agent-1", day))
}
