package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate limit scopes for the engine's write endpoints.
const (
	RateScopeCreatePayment   = "create_payment"
	RateScopeSendCrossLedger = "send_cross_ledger"
)

// RatePolicy allows Limit requests per caller in each Window.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

func (p RatePolicy) enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// RateDecision is the outcome of one limiter check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func unlimited() RateDecision {
	return RateDecision{Allowed: true}
}

// The window counter only moves for admitted requests, so a caller hammering
// a closed window does not keep it closed.
var rateLimitScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  return {0, current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimiter applies per-scope fixed windows shared across replicas.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	prefix   string
	policies map[string]RatePolicy
}

// NewRedisRateLimiter builds a limiter for the given scopes. Scopes without an
// enabled policy are not limited.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policies map[string]RatePolicy) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "proofpay:rate_limit"
	}
	enabled := make(map[string]RatePolicy, len(policies))
	for scope, policy := range policies {
		if policy.enabled() {
			enabled[scope] = policy
		}
	}
	return &RedisRateLimiter{client: client, prefix: prefix, policies: enabled}
}

// Allow admits or rejects one request by subject within scope.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (RateDecision, error) {
	if r == nil || r.client == nil {
		return unlimited(), nil
	}
	policy, ok := r.policies[scope]
	subject = strings.TrimSpace(subject)
	if !ok || subject == "" {
		return unlimited(), nil
	}

	windowMs := policy.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	raw, err := rateLimitScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs, policy.Limit).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	return parseRateLimitReply(raw, policy.Limit, time.Duration(windowMs)*time.Millisecond)
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

// parseRateLimitReply turns the script's {admitted, count, ttl_ms} reply into
// a decision. A missing TTL counts as a full window.
func parseRateLimitReply(raw interface{}, limit int, window time.Duration) (RateDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return RateDecision{}, fmt.Errorf("unexpected rate limit reply shape: %T", raw)
	}
	fields := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return RateDecision{}, fmt.Errorf("unexpected rate limit reply field %d type: %T", i, v)
		}
		fields[i] = n
	}
	admitted, count, ttlMs := fields[0] == 1, int(fields[1]), fields[2]

	retryAfter := time.Duration(ttlMs) * time.Millisecond
	if ttlMs < 0 {
		retryAfter = window
	}
	// Round up to whole seconds for the Retry-After header.
	if rem := retryAfter % time.Second; rem != 0 {
		retryAfter += time.Second - rem
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	decision := RateDecision{Allowed: admitted, Limit: limit, Remaining: remaining}
	if !admitted {
		decision.RetryAfter = retryAfter
	}
	return decision, nil
}
