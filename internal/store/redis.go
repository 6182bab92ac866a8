package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyapaar/backend/internal/domain"
)

// TTLs for the counter keyspace. Budget keys outlive their day by an hour so
// late rollbacks still find them; idempotency claims cover Razorpay's 48h
// webhook retry horizon.
const (
	budgetTTL      = 25 * time.Hour
	idempotencyTTL = 48 * time.Hour
	reputationTTL  = 5 * time.Minute
	historyTTL     = 7 * 24 * time.Hour
	historyMax     = 1000
)

// ============================================================================
// LUA SCRIPTS
// ============================================================================
//
// Every read-modify-write sequence runs server-side so concurrent payouts
// cannot interleave between the check and the commit.

// trySpendScript commits amount against the daily limit only if it fits.
// Returns {committed, total-after}.
var trySpendScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
  return {0, current}
end
local total = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, total}
`)

// rollbackScript decrements the day's spend, floored at zero.
var rollbackScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if current <= 0 then
  return 0
end
if amount > current then
  amount = current
end
return redis.call('DECRBY', KEYS[1], amount)
`)

// rateAllowScript is a sliding-window limiter over a sorted set. Timestamps
// arrive as ARGV so the script itself is deterministic.
// ARGV: cutoff-millis, max, now-millis, member, ttl-seconds.
var rateAllowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// ============================================================================
// REDIS STORE
// ============================================================================

// RedisStore holds the atomic counters behind governance: daily budgets,
// idempotency claims, rate-limit windows, reputation caches, and amount
// history.
type RedisStore struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisStore connects and verifies the connection with a ping.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.PoolSize = 20

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "component", "store")
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		log:    slog.With("component", "redis_store"),
	}
}

func budgetKey(agentID string, day time.Time) string {
	return fmt.Sprintf("budget:%s:%s", agentID, day.UTC().Format("20060102"))
}

// TrySpend atomically commits amount against the agent's daily limit.
// Returns whether the commit happened and the day's total after the call.
func (s *RedisStore) TrySpend(ctx context.Context, agentID string, day time.Time, amountPaise, limitPaise int64) (bool, int64, error) {
	res, err := trySpendScript.Run(ctx, s.client,
		[]string{budgetKey(agentID, day)},
		amountPaise, limitPaise, int(budgetTTL.Seconds()),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("try_spend: %w", err)
	}
	committed, total, err := parsePair(res)
	if err != nil {
		return false, 0, fmt.Errorf("try_spend: %w", err)
	}
	return committed == 1, total, nil
}

// RollbackSpend returns previously committed budget, floored at zero.
func (s *RedisStore) RollbackSpend(ctx context.Context, agentID string, day time.Time, amountPaise int64) error {
	if err := rollbackScript.Run(ctx, s.client,
		[]string{budgetKey(agentID, day)},
		amountPaise,
	).Err(); err != nil {
		return fmt.Errorf("rollback_spend: %w", err)
	}
	s.log.Info("budget rolled back", "agent_id", agentID, "amount_paise", amountPaise)
	return nil
}

// SpentToday reads the committed spend for the given day; a missing key is
// zero.
func (s *RedisStore) SpentToday(ctx context.Context, agentID string, day time.Time) (int64, error) {
	val, err := s.client.Get(ctx, budgetKey(agentID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spent_today: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("spent_today: corrupt counter %q", val)
	}
	return n, nil
}

// ClaimIdempotent claims the key for 48h. False means another request
// already claimed it.
func (s *RedisStore) ClaimIdempotent(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, "idem:"+key, "1", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim_idempotent: %w", err)
	}
	return ok, nil
}

// RateAllow admits the call if fewer than max calls landed inside the
// sliding window. Returns the admitted flag and the window population.
func (s *RedisStore) RateAllow(ctx context.Context, agentID string, max int, window time.Duration) (bool, int64, error) {
	now := time.Now()
	res, err := rateAllowScript.Run(ctx, s.client,
		[]string{"rate:" + agentID},
		now.Add(-window).UnixMilli(),
		max,
		now.UnixMilli(),
		uuid.NewString(),
		int(window.Seconds())+1,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate_allow: %w", err)
	}
	allowed, count, err := parsePair(res)
	if err != nil {
		return false, 0, fmt.Errorf("rate_allow: %w", err)
	}
	return allowed == 1, count, nil
}

// ============================================================================
// JSON CACHES
// ============================================================================

// SetJSON caches v under key with the given TTL.
func (s *RedisStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads key into dest; the bool reports a cache hit.
func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// ReputationKey derives the cache key for a checked URL. Hashing keeps
// hostile URLs out of the keyspace.
func ReputationKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "rep:" + hex.EncodeToString(sum[:])[:16]
}

// CacheReputation stores a threat verdict for five minutes.
func (s *RedisStore) CacheReputation(ctx context.Context, rawURL string, report any) error {
	return s.SetJSON(ctx, ReputationKey(rawURL), report, reputationTTL)
}

// GetCachedReputation loads a cached threat verdict.
func (s *RedisStore) GetCachedReputation(ctx context.Context, rawURL string, dest any) (bool, error) {
	return s.GetJSON(ctx, ReputationKey(rawURL), dest)
}

// ============================================================================
// TRANSACTION HISTORY
// ============================================================================

// RecordTxn prepends one featurized transaction to the agent's history,
// capped at 1000 entries with a 7 day TTL.
func (s *RedisStore) RecordTxn(ctx context.Context, agentID string, rec domain.TxnRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record_txn: %w", err)
	}
	key := "history:" + agentID
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyMax-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record_txn: %w", err)
	}
	return nil
}

// TxnHistory returns up to limit recent records, newest first.
func (s *RedisStore) TxnHistory(ctx context.Context, agentID string, limit int) ([]domain.TxnRecord, error) {
	if limit <= 0 || limit > historyMax {
		limit = historyMax
	}
	vals, err := s.client.LRange(ctx, "history:"+agentID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("txn_history: %w", err)
	}
	records := make([]domain.TxnRecord, 0, len(vals))
	for _, v := range vals {
		var rec domain.TxnRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue // skip corrupt entries rather than poisoning the scorer
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping verifies the connection for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parsePair(res any) (int64, int64, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	a, aok := vals[0].(int64)
	b, bok := vals[1].(int64)
	if !aok || !bok {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	return a, b, nil
}
