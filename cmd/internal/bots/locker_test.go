package bots

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func lockerChecks(t *testing.T, l Locker, key string) {
	t.Helper()
	ctx := context.Background()

	first, ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.TryLock(ctx, key, time.Minute); err != nil || ok {
		t.Fatalf("second lock should be refused: ok=%v err=%v", ok, err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("relock: ok=%v err=%v", ok, err)
	}

	// A stale lease must not free the current holder.
	if err := first.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, ok, _ := l.TryLock(ctx, key, time.Minute); ok {
		t.Fatalf("stale release freed the current lease")
	}
	_ = again.Release(ctx)
}

func TestLocalLocker(t *testing.T) {
	lockerChecks(t, NewLocalLocker(), "room:a")
}

func TestLocalLocker_Expiry(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if _, ok, _ := l.TryLock(context.Background(), "k", time.Second); !ok {
		t.Fatalf("lock refused")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := l.TryLock(context.Background(), "k", time.Second); !ok {
		t.Fatalf("expired lease still held")
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("HUDDLE_REDIS_URL")
	if url == "" {
		t.Skip("HUDDLE_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	prefix := "huddle:test:" + uuid.NewString() + ":"
	lockerChecks(t, NewRedisLocker(client, prefix), "room:a")

	lease, ok, err := NewRedisLocker(client, prefix).TryLock(ctx, "room:ttl", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok, _ := NewRedisLocker(client, prefix).TryLock(ctx, "room:ttl", time.Second); !ok {
		t.Fatalf("expired redis lease still held")
	}
	_ = lease.Release(ctx)
}
