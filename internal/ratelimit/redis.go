package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// INCR and PEXPIRE run as one script so the first increment always sets the
// window expiry.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across processes. When Redis fails it falls
// back to a per-process counter rather than admitting unbounded traffic.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter

	now func() time.Time
}

// NewRedis builds a limiter over client. now defaults to time.Now and is
// used to place the reset time of each decision.
func NewRedis(client redis.Scripter, window time.Duration, now func() time.Time) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:partner:",
		Fallback: NewInMemory(window, now),
		now:      now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	if l.Client == nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		log.Ctx(ctx).Warn().Err(err).Msg("Redis rate limiter unavailable, using in-memory fallback")
		return l.Fallback.Allow(ctx, key, limit)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(count, limit, l.now().UTC().Add(ttl))
}
