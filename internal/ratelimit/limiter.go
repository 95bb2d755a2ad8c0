// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each action (message send, typing indicator,
// notification, connection attempt) is throttled per user or per IP.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillswap/chat-app/internal/metrics"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RetryAfter is the number of whole seconds a rejected caller should wait.
func (r Rule) RetryAfter() int {
	return int(r.Window.Round(time.Second).Seconds())
}

var (
	// RuleMessage allows 30 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: 10 * time.Second}

	// RuleTyping allows 20 typing indicators per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleNotify allows 10 relayed notifications per minute per user.
	RuleNotify = Rule{Key: "rl:notify:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule Rule) (int, error)
}

// RedisLimiter performs rate limiting checks against Redis, so limits hold
// across every server process.
type RedisLimiter struct {
	client *redis.Client
}

// NewLimiter creates a RedisLimiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would persist. Delete it so
			// it doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		metrics.RateLimited.WithLabelValues(rule.Key).Inc()
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *RedisLimiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// MemoryLimiter is the single-process equivalent of RedisLimiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

// Allow never fails; the error is always nil.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[key] = w
		l.gc(now)
	}
	w.count++
	if w.count > rule.Limit {
		metrics.RateLimited.WithLabelValues(rule.Key).Inc()
		return false, nil
	}
	return true, nil
}

// Remaining never fails; the error is always nil.
func (l *MemoryLimiter) Remaining(_ context.Context, identifier string, rule Rule) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[rule.Key+identifier]
	if !ok || !l.now().Before(w.resetAt) {
		return rule.Limit, nil
	}
	return max(rule.Limit-w.count, 0), nil
}

// gc drops expired windows. Must be called with mu held.
func (l *MemoryLimiter) gc(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
