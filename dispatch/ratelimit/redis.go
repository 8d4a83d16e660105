// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindow checks the counter before incrementing so a rejected call
// consumes nothing. Returns {allowed, count, pttl}.
var fixedWindow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
if current >= limit then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], period)
		ttl = period
	end
	return {0, current, ttl}
end
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], period)
	ttl = period
end
return {1, count, ttl}
`)

// RedisLimiter shares quota windows across instances through Redis. It
// fails open when Redis is unreachable.
type RedisLimiter struct {
	client redis.UniversalClient
	limits Limits
	prefix string
	logger *log.Logger
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) {
		r.prefix = prefix
	}
}

// WithRedisLogger sets the diagnostic logger.
func WithRedisLogger(logger *log.Logger) RedisOption {
	return func(r *RedisLimiter) {
		r.logger = logger
	}
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, limits Limits, opts ...RedisOption) *RedisLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	r := &RedisLimiter{
		client: client,
		limits: limits,
		prefix: "taskdispatch:ratelimit:",
		logger: log.New(os.Stdout, "[RATE_LIMIT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow consumes one slot if the caller's window has room.
func (r *RedisLimiter) Allow(ctx context.Context, callerID string, tier Tier) Decision {
	lim := r.limits.For(tier)
	now := time.Now()

	res, err := fixedWindow.Run(ctx, r.client, []string{r.prefix + quotaKey(callerID, tier)},
		lim.Requests, lim.Period.Milliseconds()).Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script reply length %d", len(res))
	}
	if err != nil {
		r.logger.Printf("Warning: Redis rate limit check failed for %s: %v (failing open)", callerID, err)
		return Decision{Allowed: true, Limit: lim.Requests, Remaining: lim.Requests}
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	ttl, _ := res[2].(int64)
	resetAt := now.Add(time.Duration(ttl) * time.Millisecond)

	d := Decision{
		Allowed: allowed == 1,
		Limit:   lim.Requests,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = lim.Requests - int(count)
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	} else {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d
}
