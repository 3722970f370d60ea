package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// needs a live server; set REDIS_TEST_ADDR to run
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: addr, DB: 15}))
	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShareKey(t *testing.T) {
	if got := shareKey("abc"); got != "share:abc" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestShareRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	token := "test-" + time.Now().Format("150405.000000000")

	if b, err := s.GetShare(ctx, token); err != nil || b != nil {
		t.Fatalf("expected miss, got %q, %v", b, err)
	}
	if err := s.SetShare(ctx, token, []byte(`{"token":"x"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	b, err := s.GetShare(ctx, token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(b) != `{"token":"x"}` {
		t.Fatalf("unexpected payload: %q", b)
	}
	if err := s.DeleteShare(ctx, token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if b, _ := s.GetShare(ctx, token); b != nil {
		t.Fatalf("expected miss after delete, got %q", b)
	}
}
