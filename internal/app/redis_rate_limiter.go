package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter. INCR and PEXPIRE run atomically so concurrent
// submissions cannot leave a counter without an expiry. PTTL can report -1
// for a key written before the expiry landed; the script substitutes the
// full window in that case.
var transferRateLimitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// RedisTransferRateLimiter throttles transfer submissions per scope and
// subject across service replicas. It is fail-open: a nil client or a zero
// limit disables limiting entirely.
type RedisTransferRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTransferRateLimiter(client redis.UniversalClient, prefix string) *RedisTransferRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "settlement:rate_limit"
	}
	return &RedisTransferRateLimiter{client: client, prefix: p}
}

// ConsumeRateLimit counts one hit against the (scope, subject) bucket and
// reports the running count plus how long, in whole seconds, the caller
// should wait before the bucket resets. Callers compare count against limit;
// the limiter itself never rejects.
func (r *RedisTransferRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	// Sub-second windows round up so retry-after stays meaningful.
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	bucket := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := transferRateLimitScript.Run(ctx, r.client, []string{bucket}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	hits, ttlMs, err := decodeLimiterReply(raw)
	if err != nil {
		return 0, 0, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), retryAfter, nil
}

func decodeLimiterReply(raw interface{}) (hits, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	if hits, ok = values[0].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	if ttlMs, ok = values[1].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return hits, ttlMs, nil
}
