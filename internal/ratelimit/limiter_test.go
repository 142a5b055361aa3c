package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestClient returns a client for a local Redis on localhost:6379 and skips
// the test when none is running.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAllow_EnforcesLimit(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	rule := Rule{Key: fmt.Sprintf("rl:test:%d:", time.Now().UnixNano()), Limit: 3, Window: 5 * time.Second}
	l := NewLimiter(client, rule)
	t.Cleanup(func() { client.Del(ctx, rule.Key+"user") })

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "user")
		if err != nil || !ok {
			t.Fatalf("request %d: Allow() = %v, %v; want true", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "user"); ok {
		t.Error("expected request over the limit to be rejected")
	}

	remaining, err := l.remaining(ctx, "user")
	if err != nil {
		t.Fatalf("remaining() error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining() = %d, want 0", remaining)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, RuleMessage)

	ok, err := l.Allow(context.Background(), "user")
	if !ok {
		t.Error("expected fail-open when redis is unreachable")
	}
	if err == nil {
		t.Error("expected the redis error to be reported")
	}
}
