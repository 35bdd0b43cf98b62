// Package ratelimit implements the Redis-backed token bucket rate limiter
// (spec C5): per-(scope, route_class, id) buckets with continuous refill.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope identifies whether a bucket is keyed by API key or by tenant.
type Scope string

const (
	ScopeKey    Scope = "key"
	ScopeTenant Scope = "tenant"
)

// RouteClass buckets requests by the kind of work they perform, since each
// class carries its own sustained rate and burst capacity.
type RouteClass string

const (
	RouteClassRun      RouteClass = "run"
	RouteClassMutation RouteClass = "mutation"
	RouteClassRead     RouteClass = "read"
	RouteClassOps      RouteClass = "ops"
)

// FailMode controls admission behavior when Redis is unavailable.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ErrUnavailable signals the rate limiter backend could not be reached and
// FailMode is "closed".
var ErrUnavailable = errors.New("rate limiter backend unavailable")

// Limit configures the sustained rate and burst capacity for one bucket.
type Limit struct {
	RPS      float64
	Capacity float64
}

// Limiter evaluates token buckets stored in Redis. Refill is computed from
// elapsed wall-clock time at check time — there is no background ticker, so
// the minimum observable granularity is one token per 1/RPS seconds.
type Limiter struct {
	rdb      *redis.Client
	failMode FailMode
}

// NewLimiter creates a Limiter backed by rdb.
func NewLimiter(rdb *redis.Client, failMode FailMode) *Limiter {
	return &Limiter{rdb: rdb, failMode: failMode}
}

// Result describes the outcome of a bucket check.
type Result struct {
	Allowed      bool
	Degraded     bool // true when admitted only because FailMode is "open"
	RetryAfterMS int64
	Tokens       float64
}

// checkAndTakeScript atomically refills a bucket by elapsed time, then takes
// one token if available. KEYS[1] is the bucket key; ARGV: rps, capacity,
// now (unix nanos), ttl seconds.
var checkAndTakeScript = redis.NewScript(`
local key = KEYS[1]
local rps = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = (now - last) / 1e9
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rps)
  last = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", last)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// Check evaluates and consumes from the bucket identified by
// (scope, routeClass, id). A bucket with no prior state starts full.
func (l *Limiter) Check(ctx context.Context, scope Scope, routeClass RouteClass, id string, limit Limit) (Result, error) {
	key := bucketKey(scope, routeClass, id)
	now := time.Now().UnixNano()
	ttl := ttlSeconds(limit)

	res, err := checkAndTakeScript.Run(ctx, l.rdb, []string{key}, limit.RPS, limit.Capacity, now, ttl).Result()
	if err != nil {
		if l.failMode == FailOpen {
			return Result{Allowed: true, Degraded: true}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	allowed, _ := values[0].(int64)
	var retryAfterMS int64
	if allowed == 0 && limit.RPS > 0 {
		retryAfterMS = int64((1.0 / limit.RPS) * 1000)
	}

	return Result{
		Allowed:      allowed == 1,
		RetryAfterMS: retryAfterMS,
	}, nil
}

func bucketKey(scope Scope, routeClass RouteClass, id string) string {
	return fmt.Sprintf("nexusrag:ratelimit:%s:%s:%s", scope, routeClass, id)
}

// ttlSeconds bounds how long an idle bucket lingers in Redis: long enough to
// preserve burst state across a quiet period, short enough not to leak keys
// forever for one-off callers.
func ttlSeconds(limit Limit) int64 {
	if limit.RPS <= 0 {
		return 3600
	}
	fillTime := int64(limit.Capacity/limit.RPS) + 60
	if fillTime < 60 {
		return 60
	}
	return fillTime
}
