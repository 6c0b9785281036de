package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance and
// removes leftover test keys. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:within:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "acct", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}

	ok, err := limiter.Allow(ctx, "acct", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected fourth request to be limited")
	}
}

func TestAllow_SetsExpiry(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:ttl:", Limit: 1, Window: 30 * time.Second}

	if _, err := limiter.Allow(ctx, "acct", rule); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	ttl, err := client.TTL(ctx, "rl:test:ttl:acct").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected TTL in (0, 30s], got %v", ttl)
	}
}

func TestRemaining(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:remaining:", Limit: 5, Window: time.Minute}

	n, err := limiter.Remaining(ctx, "acct", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 remaining for a fresh key, got %d", n)
	}

	limiter.Allow(ctx, "acct", rule)
	limiter.Allow(ctx, "acct", rule)

	n, _ = limiter.Remaining(ctx, "acct", rule)
	if n != 3 {
		t.Errorf("expected 3 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	// Nothing listens on this port, so every command errors.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "acct", RuleMessage)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Fatal("expected the limiter to fail open")
	}
}
