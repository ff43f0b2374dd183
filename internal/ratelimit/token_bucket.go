package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes one token atomically. The bucket is a
// hash of {tokens, updated_ms}; it returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "updated_ms")
local tokens = tonumber(state[1]) or capacity
local updated_ms = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - updated_ms) * refill_per_ms)

if tokens < 1 then
  redis.call("HSET", KEYS[1], "tokens", tokens, "updated_ms", now_ms)
  redis.call("PEXPIRE", KEYS[1], ttl_ms)
  return {0, 0, math.ceil((1 - tokens) / refill_per_ms)}
end

tokens = tokens - 1
redis.call("HSET", KEYS[1], "tokens", tokens, "updated_ms", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {1, math.floor(tokens), 0}
`)

// RedisTokenBucket shares one bucket per subject across API replicas.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

// NewRedisTokenBucket allows capacity requests per window for each subject,
// refilling continuously.
func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	windowMS := max(window.Milliseconds(), 1)

	return &RedisTokenBucket{
		client:      client,
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(windowMS),
		ttl:         2 * window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	key := l.bucketKey(subject)
	reply, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		l.capacity,
		l.refillPerMS,
		l.now().UnixMilli(),
		l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, reply)
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      l.capacity,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// bucketKey wraps the subject in a hash tag so a cluster keeps each bucket
// on one slot.
func (l *RedisTokenBucket) bucketKey(subject string) string {
	return l.keyPrefix + ":{" + normalizeSubject(subject) + "}"
}
