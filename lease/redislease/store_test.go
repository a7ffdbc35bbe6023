package redislease

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/lease"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	store, err := NewStore(client, fmt.Sprintf("dispatch-test-%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_KeysShareOneHashSlot(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewStore(client, " :{ci}: ")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if got := store.leaseKey("org:acme"); got != "{ci}:lease:org:acme" {
		t.Fatalf("unexpected lease key %q", got)
	}
	if got := store.ownerKey("evt-1"); got != "{ci}:owner:evt-1" {
		t.Fatalf("unexpected owner key %q", got)
	}
}

func TestStore_ExclusiveAcquireAndOwnerRelease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	if _, ok, err := store.TryAcquire(ctx, "org:acme", "run-42", now, time.Minute); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	holder, ok, err := store.TryAcquire(ctx, "org:acme", "run-43", now, time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok || holder.Owner != "run-42" {
		t.Fatalf("expected run-42 to hold lease, got ok=%v holder=%q", ok, holder.Owner)
	}
	if _, ok, err := store.TryAcquire(ctx, "org:acme", "run-42", now, time.Minute); err != nil || !ok {
		t.Fatalf("re-entrant acquire: ok=%v err=%v", ok, err)
	}

	released, err := store.Release(ctx, "org:acme", "run-43")
	if err != nil || released {
		t.Fatalf("expected foreign release to be a no-op, released=%v err=%v", released, err)
	}

	if _, ok, err := store.TryAcquire(ctx, "index", "run-42", now, 0); err != nil || !ok {
		t.Fatalf("acquire index: ok=%v err=%v", ok, err)
	}
	count, err := store.ReleaseOwner(ctx, "run-42")
	if err != nil {
		t.Fatalf("release owner: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 leases released, got %d", count)
	}
	leases, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected no leases, got %#v", leases)
	}
}

func TestStore_WorksBehindManager(t *testing.T) {
	store := newTestStore(t)
	manager, err := lease.NewManager(store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	if err := manager.Acquire(ctx, "org-acme", "run-42", lease.AcquireOptions{MaxRetries: 1}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = manager.Acquire(ctx, "org-acme", "run-7", lease.AcquireOptions{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	if !core.IsLeaseAcquireFailed(err) {
		t.Fatalf("expected lease acquire failed, got %v", err)
	}
	if _, err := manager.ReleaseOwner(ctx, "run-42"); err != nil {
		t.Fatalf("release owner: %v", err)
	}
}
