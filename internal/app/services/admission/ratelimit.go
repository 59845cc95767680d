package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Limiter gates batch submissions per owner over a trailing window.
type Limiter interface {
	// Allow reports whether the owner may submit now; when it does, the
	// submission is recorded against the window.
	Allow(ctx context.Context, ownerID string) (bool, error)
}

// WindowLimiter is the in-process sliding-window limiter: a bounded history
// of recent submission timestamps per owner.
type WindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter creates a limiter allowing limit submissions per owner
// within the trailing window.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *WindowLimiter) Allow(_ context.Context, ownerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	history := l.events[ownerID]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.events[ownerID] = kept
		return false, nil
	}
	l.events[ownerID] = append(kept, now)
	return true, nil
}

// redisAllowScript counts live entries in the owner's window set and records
// the new submission only when under the limit, atomically.
var redisAllowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= limit then
    return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`)

// RedisLimiter is the sliding-window limiter backed by Redis sorted sets,
// for deployments running more than one admission replica.
type RedisLimiter struct {
	client    goredis.Cmdable
	limit     int
	window    time.Duration
	keyPrefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed limiter with the same semantics as
// WindowLimiter.
func NewRedisLimiter(client goredis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: "videoforge:ratelimit:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, ownerID string) (bool, error) {
	result, err := redisAllowScript.Run(ctx, l.client,
		[]string{l.keyPrefix + ownerID},
		time.Now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return result == 1, nil
}
