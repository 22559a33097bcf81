package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redemptionWindowScript counts one attempt in the current window and returns
// the count with the window's remaining milliseconds. The window opens on the
// first attempt, so a burst cannot straddle two windows at a boundary.
var redemptionWindowScript = redis.NewScript(`
local attempts = redis.call("INCR", KEYS[1])
if attempts == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local left = redis.call("PTTL", KEYS[1])
if left < 0 then
  left = tonumber(ARGV[1])
end
return {attempts, left}
`)

const defaultLimiterPrefix = "escrow:rate_limit"

// RedisRateLimiter throttles token traffic across every engine replica with
// one fixed-window counter per subject. The engine uses two scopes:
//
//	jeton_redeem    one counter per supplier id, so a supplier terminal
//	                cannot brute-force PA-XXXX codes
//	jeton_fallback  one counter per token id, so nobody can flood a
//	                beneficiary with SMS fallback codes
//
// Keys read <prefix>:<scope>:<subject>.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultLimiterPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// ConsumeRateLimit records one redemption or fallback request for subject
// and returns the attempts seen in the window plus the seconds until it
// resets. TokenService rejects the call once count exceeds limit. An empty
// scope or subject, or a non-positive limit, is never throttled.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	key, ok := r.key(scope, subject)
	if !ok {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	reply, err := redemptionWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return parseWindowReply(reply, windowMs)
}

func (r *RedisRateLimiter) key(scope, subject string) (string, bool) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return "", false
	}
	return r.prefix + ":" + scope + ":" + subject, true
}

// parseWindowReply decodes the {attempts, milliseconds left} pair returned by
// redemptionWindowScript. Retry-after is rounded up to whole seconds.
func parseWindowReply(reply interface{}, windowMs int64) (int, int, error) {
	pair, ok := reply.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit reply %T", reply)
	}
	attempts, ok := pair[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limit count %T", pair[0])
	}
	leftMs, ok := pair[1].(int64)
	if !ok {
		return int(attempts), 0, fmt.Errorf("unexpected rate limit ttl %T", pair[1])
	}
	if leftMs < 0 {
		leftMs = windowMs
	}
	retryAfter := max(int(math.Ceil(float64(leftMs)/1000)), 1)
	return int(attempts), retryAfter, nil
}
