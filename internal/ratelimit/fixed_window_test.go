package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	limiter.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC) }
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("second request should pass")
	}
	ok, retry := limiter.Allow(ctx, "user-1")
	if ok {
		t.Fatalf("third request should be blocked")
	}
	if retry != 45*time.Second {
		t.Fatalf("retry after = %v, want 45s", retry)
	}
	if ok, _ := limiter.Allow(ctx, "user-2"); !ok {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if ok, _ := limiter.Allow(context.Background(), "user-1"); ok {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterValidatesConfig(t *testing.T) {
	if l, err := NewRedisFixedWindowLimiter("", "", "p", 1, time.Second); err == nil || l != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 0, time.Second); err == nil {
		t.Fatalf("expected constructor error for zero limit")
	}
}
