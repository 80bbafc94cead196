// Package ratelimit implements the fixed-window per-{scope,actor} limiter
// from spec §4.2. Each bucket lives in a Redis hash and is mutated by a
// single Lua script, the same one-round-trip atomic pattern the teacher's
// billing.Signer uses for its nonce counter (seedAndIncrScript).
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// consumeScript reads {window_start, count}, resets the window if it has
// elapsed, and either increments or rejects — all inside one EVAL so
// concurrent callers against the same bucket never race (spec §5: "mutated
// under a per-key mutex or equivalent compare-and-swap primitive").
var consumeScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'window_start', 'count')
local window_start = tonumber(data[1])
local count = tonumber(data[2])
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

if window_start == nil or (now - window_start) >= window_ms then
  window_start = now
  count = 0
end

if count >= limit then
  return {0, window_start}
end

count = count + 1
redis.call('HMSET', KEYS[1], 'window_start', window_start, 'count', count)
redis.call('PEXPIRE', KEYS[1], window_ms * 2)
return {1, window_start}
`)

// Rule is a {limit, windowMs} pair configured per route.
type Rule struct {
	Limit    int
	WindowMs int64
}

// Decision is the {allowed, retryAfterSeconds} result from spec §4.2.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Limiter consumes rate-limit buckets backed by Redis.
type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

func bucketKey(scope, actor string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, scope, actor)
}

// Consume applies one rule against a {scope, actor} bucket.
func (l *Limiter) Consume(ctx context.Context, scope, actor string, rule Rule) (Decision, error) {
	nowMs := l.now().UnixMilli()
	key := bucketKey(scope, actor)

	res, err := consumeScript.Run(ctx, l.rdb, []string{key}, nowMs, rule.WindowMs, rule.Limit).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: consume %s: %w", key, err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed := toInt64(pair[0]) == 1
	windowStart := toInt64(pair[1])

	if allowed {
		return Decision{Allowed: true}, nil
	}

	elapsed := nowMs - windowStart
	remainingMs := rule.WindowMs - elapsed
	retryAfter := int(math.Ceil(float64(remainingMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
