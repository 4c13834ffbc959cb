package recovery

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLeaseExclusive(t *testing.T) {
	l := NewMemoryLease()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "flr-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	ok, err = l.Acquire(ctx, "flr-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should lose: %v %v", ok, err)
	}

	// A different key is independent.
	ok, _ = l.Acquire(ctx, "flr-2", time.Minute)
	if !ok {
		t.Fatal("independent key should acquire")
	}

	if err := l.Release(ctx, "flr-1"); err != nil {
		t.Fatal(err)
	}
	ok, _ = l.Acquire(ctx, "flr-1", time.Minute)
	if !ok {
		t.Fatal("acquire after release should win")
	}
}

func TestMemoryLeaseExpires(t *testing.T) {
	l := NewMemoryLease()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "flr-1", time.Minute); !ok {
		t.Fatal("first acquire should win")
	}
	if ok, _ := l.Acquire(ctx, "flr-1", time.Minute); ok {
		t.Fatal("held lease should block")
	}

	// A crashed holder never releases; the TTL frees the lease.
	now = now.Add(2 * time.Minute)
	if ok, _ := l.Acquire(ctx, "flr-1", time.Minute); !ok {
		t.Fatal("expired lease should be reacquirable")
	}
}
