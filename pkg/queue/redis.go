package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the per-queue token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix timestamp (seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// QueuePolicy is an operator-configured per-queue rate limit.
type QueuePolicy struct {
	// JobsPerMinute caps dispatch throughput; zero disables limiting.
	JobsPerMinute int
	// Burst is the bucket capacity; defaults to JobsPerMinute.
	Burst int
}

// RedisDispatcher is the durable Dispatcher. Jobs land on a Redis list per
// queue; duplicates are filtered by SET NX on the idempotency key.
type RedisDispatcher struct {
	client   *redis.Client
	dedupTTL time.Duration
	policies map[string]QueuePolicy
}

// NewRedisDispatcher creates a dispatcher. dedupTTL bounds the dedup window
// and must cover at least one full drain cycle; policies may be nil.
func NewRedisDispatcher(client *redis.Client, dedupTTL time.Duration, policies map[string]QueuePolicy) *RedisDispatcher {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &RedisDispatcher{client: client, dedupTTL: dedupTTL, policies: policies}
}

// jobEnvelope is the wire shape pushed onto the queue list.
type jobEnvelope struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Enqueue implements Dispatcher. A key already seen within the dedup window
// is silently dropped; a rate-limited queue returns ErrRateLimited.
func (d *RedisDispatcher) Enqueue(ctx context.Context, queueName string, payload any, idempotencyKey string) error {
	if idempotencyKey == "" {
		return fmt.Errorf("queue: empty idempotency key for %s", queueName)
	}

	if policy, ok := d.policies[queueName]; ok && policy.JobsPerMinute > 0 {
		if err := d.allow(ctx, queueName, policy); err != nil {
			return err
		}
	}

	dedupKey := "truth:dedup:" + queueName + ":" + idempotencyKey
	set, err := d.client.SetNX(ctx, dedupKey, 1, d.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("queue: dedup check for %s: %w", queueName, err)
	}
	if !set {
		// Duplicate dispatch inside the retention window: a no-op by design.
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload for %s: %w", queueName, err)
	}
	envelope, err := json.Marshal(jobEnvelope{
		IdempotencyKey: idempotencyKey,
		Payload:        raw,
		EnqueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue: marshal envelope for %s: %w", queueName, err)
	}

	if err := d.client.LPush(ctx, "truth:queue:"+queueName, envelope).Err(); err != nil {
		return fmt.Errorf("queue: push to %s: %w", queueName, err)
	}
	return nil
}

func (d *RedisDispatcher) allow(ctx context.Context, queueName string, policy QueuePolicy) error {
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = policy.JobsPerMinute
	}
	rate := float64(policy.JobsPerMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, d.client,
		[]string{"truth:limiter:" + queueName}, rate, capacity, now).Result()
	if err != nil {
		return fmt.Errorf("queue: rate limiter for %s: %w", queueName, err)
	}
	if allowed, ok := res.(int64); !ok || allowed != 1 {
		return fmt.Errorf("%w: queue %s", ErrRateLimited, queueName)
	}
	return nil
}

// Ping verifies Redis connectivity; failure at startup is fatal to the
// process.
func (d *RedisDispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
