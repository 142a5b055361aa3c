package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client, "test-server")
}

func TestTrackGetForget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := fmt.Sprintf("test_%d", time.Now().UnixNano())
	userID := time.Now().UnixNano() % 1_000_000_000

	if err := s.Track(ctx, sid, userID, 42); err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	got, err := s.get(ctx, sid)
	if err != nil {
		t.Fatalf("get() error: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.UserID != userID || got.ChatID != 42 || got.Server != "test-server" {
		t.Errorf("unexpected session: %+v", got)
	}

	n, err := s.CountForUser(ctx, userID)
	if err != nil || n != 1 {
		t.Errorf("CountForUser() = %d, %v; want 1", n, err)
	}

	if err := s.Touch(ctx, sid); err != nil {
		t.Errorf("Touch() error: %v", err)
	}

	if err := s.Forget(ctx, sid, userID); err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	got, err = s.get(ctx, sid)
	if err != nil || got != nil {
		t.Errorf("expected nil session after Forget, got %+v (err=%v)", got, err)
	}
	if n, _ := s.CountForUser(ctx, userID); n != 0 {
		t.Errorf("CountForUser() after Forget = %d, want 0", n)
	}
}
