package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		if ok, _ := l.Allow(ctx, "u1", testRule); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "u1", testRule); ok {
		t.Fatal("request over the limit should be rejected")
	}
	if ok, _ := l.Allow(ctx, "u2", testRule); !ok {
		t.Error("limits are per identifier")
	}

	now = now.Add(testRule.Window)
	if ok, _ := l.Allow(ctx, "u1", testRule); !ok {
		t.Error("a new window should reset the count")
	}
}

func TestMemoryLimiterRemaining(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if rem, _ := l.Remaining(ctx, "u1", testRule); rem != testRule.Limit {
		t.Errorf("fresh Remaining = %d, want %d", rem, testRule.Limit)
	}
	l.Allow(ctx, "u1", testRule)
	if rem, _ := l.Remaining(ctx, "u1", testRule); rem != testRule.Limit-1 {
		t.Errorf("Remaining = %d, want %d", rem, testRule.Limit-1)
	}
	for i := 0; i < testRule.Limit+2; i++ {
		l.Allow(ctx, "u1", testRule)
	}
	if rem, _ := l.Remaining(ctx, "u1", testRule); rem != 0 {
		t.Errorf("Remaining over the limit = %d, want 0", rem)
	}

	now = now.Add(testRule.Window)
	if rem, _ := l.Remaining(ctx, "u1", testRule); rem != testRule.Limit {
		t.Errorf("Remaining after window = %d, want %d", rem, testRule.Limit)
	}
}

func TestRetryAfter(t *testing.T) {
	if got := RuleMessage.RetryAfter(); got != 10 {
		t.Errorf("RetryAfter = %d, want 10", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	l := NewLimiter(client)
	for i := 0; i < testRule.Limit; i++ {
		if ok, err := l.Allow(ctx, "u1", testRule); !ok || err != nil {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "u1", testRule); ok {
		t.Error("request over the limit should be rejected")
	}
	if rem, _ := l.Remaining(ctx, "u1", testRule); rem != 0 {
		t.Errorf("Remaining = %d, want 0", rem)
	}
	if rem, _ := l.Remaining(ctx, "fresh", testRule); rem != testRule.Limit {
		t.Errorf("Remaining(fresh) = %d, want %d", rem, testRule.Limit)
	}

	ttl := client.TTL(ctx, testRule.Key+"u1").Val()
	if ttl <= 0 || ttl > testRule.Window {
		t.Errorf("window TTL = %v", ttl)
	}
}
