package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLockAcquireRelease(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "scheduler:lock", 55*time.Second)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if !mr.Exists("scheduler:lock") {
		t.Error("expected lock key to exist with no added prefix")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if mr.Exists("scheduler:lock") {
		t.Error("expected lock key to be deleted after release")
	}
}

func TestRedisLockContention(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "broadcast:user-lock:42", 10*time.Minute)
	second := NewRedisLock(client, "broadcast:user-lock:42", 10*time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first holder to win: ok=%v err=%v", ok, err)
	}

	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("contending acquire errored: %v", err)
	}
	if ok {
		t.Error("expected contending acquire to lose while lock is held")
	}

	// A losing contender must not be able to release the holder's lock
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release by non-owner errored: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-acquire errored: %v", err)
	}
	if ok {
		t.Error("expected lock to still be held after non-owner release")
	}
}

func TestRedisLockExpiry(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "scheduler:lock", 55*time.Second)
	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("expected acquire to succeed")
	}

	// TTL expiry hands the lock to the next contender
	mr.FastForward(56 * time.Second)

	second := NewRedisLock(client, "scheduler:lock", 55*time.Second)
	ok, err := second.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after expiry errored: %v", err)
	}
	if !ok {
		t.Error("expected acquire to succeed after TTL expiry")
	}
}

func TestRedisLockExtend(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "scheduler:lock", 5*time.Second)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire to succeed")
	}

	if err := lock.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("extend failed: %v", err)
	}

	mr.FastForward(30 * time.Second)
	if !mr.Exists("scheduler:lock") {
		t.Error("expected extended lock to survive past original TTL")
	}
}
