package state

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetOperations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SAdd(ctx, "s", "a", "b", "b"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if n, _ := m.SCard(ctx, "s"); n != 2 {
		t.Fatalf("SCard = %d, want 2 (set semantics collapse duplicates)", n)
	}

	popped, err := m.SPopN(ctx, "s", 10)
	if err != nil {
		t.Fatalf("SPopN: %v", err)
	}
	if len(popped) != 2 {
		t.Fatalf("SPopN returned %d members", len(popped))
	}
	if n, _ := m.SCard(ctx, "s"); n != 0 {
		t.Fatalf("SCard after pop = %d", n)
	}
}

func TestMemorySetNXRespectsTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.NowFunc = func() time.Time { return now }

	ok, _ := m.SetNX(ctx, "k", "v1", time.Second)
	if !ok {
		t.Fatal("first SetNX refused")
	}
	if ok, _ = m.SetNX(ctx, "k", "v2", time.Second); ok {
		t.Fatal("SetNX overwrote a live key")
	}

	now = now.Add(2 * time.Second)
	if ok, _ = m.SetNX(ctx, "k", "v3", time.Second); !ok {
		t.Fatal("SetNX refused after expiry")
	}
	val, found, _ := m.Get(ctx, "k")
	if !found || val != "v3" {
		t.Fatalf("Get = %q, %v", val, found)
	}
}

func TestAcquireLockContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	held, err := AcquireLock(ctx, m, "gcra", 5*time.Second, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquireLock(ctx, m, "gcra", 5*time.Second, 30*time.Millisecond); err != ErrLockContention {
		t.Fatalf("second acquire err = %v, want ErrLockContention", err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := AcquireLock(ctx, m, "gcra", 5*time.Second, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release(ctx)
}

func TestMemoryDecrBy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "budget", "1200")
	left, err := m.DecrBy(ctx, "budget", 10)
	if err != nil {
		t.Fatalf("DecrBy: %v", err)
	}
	if left != 1190 {
		t.Fatalf("DecrBy = %d, want 1190", left)
	}
}
