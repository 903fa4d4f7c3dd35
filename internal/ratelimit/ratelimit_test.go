package ratelimit

import (
	"context"
	"testing"
	"time"

	"candleflow/internal/state"
)

// fakeClock drives a Memory store deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedStore() (*state.Memory, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_600_000_000, 0)}
	store := state.NewMemory()
	store.NowFunc = clock.Now
	return store, clock
}

func TestGCRAAdmitsAtConfiguredRate(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()

	// 60 hits/min: one grant per second of shared-clock time.
	g := NewGCRA(store, "bitfinex", 60, time.Minute, 5*time.Second)

	granted := 0
	for i := 0; i < 100; i++ {
		ok, _, err := g.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if ok {
			granted++
		}
	}
	// A full period of burst allowance, no more.
	if granted != 60 {
		t.Fatalf("granted %d in a frozen instant, want 60", granted)
	}

	ok, retryAfter, err := g.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("grant beyond budget")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v, want positive", retryAfter)
	}

	clock.Advance(retryAfter + time.Millisecond)
	if ok, _, _ = g.TryAcquire(ctx); !ok {
		t.Fatal("no grant after waiting out retryAfter")
	}
}

func TestGCRASharedAcrossLimiters(t *testing.T) {
	ctx := context.Background()
	store, _ := newClockedStore()

	// Two limiter instances simulate two worker processes sharing one
	// exchange key; their combined grants must respect one budget.
	a := NewGCRA(store, "binance", 30, time.Minute, 5*time.Second)
	b := NewGCRA(store, "binance", 30, time.Minute, 5*time.Second)

	granted := 0
	for i := 0; i < 60; i++ {
		if ok, _, _ := a.TryAcquire(ctx); ok {
			granted++
		}
		if ok, _, _ := b.TryAcquire(ctx); ok {
			granted++
		}
	}
	if granted != 30 {
		t.Fatalf("combined grants = %d, want 30", granted)
	}
}

// lockCheckStore counts shared-clock reads made while the limiter's
// lock is not held.
type lockCheckStore struct {
	*state.Memory
	lockKey   string
	timeCalls int
	unlocked  int
}

func (s *lockCheckStore) Time(ctx context.Context) (time.Time, error) {
	s.timeCalls++
	if _, held, _ := s.Memory.Get(ctx, s.lockKey); !held {
		s.unlocked++
	}
	return s.Memory.Time(ctx)
}

func TestGCRAReadsClockUnderLock(t *testing.T) {
	ctx := context.Background()
	mem, _ := newClockedStore()
	store := &lockCheckStore{Memory: mem, lockKey: "lock:rest_rate_limit_binance"}

	g := NewGCRA(store, "binance", 30, time.Minute, 5*time.Second)
	for i := 0; i < 10; i++ {
		if _, _, err := g.TryAcquire(ctx); err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
	}
	if store.timeCalls == 0 {
		t.Fatal("shared clock never consulted")
	}
	if store.unlocked != 0 {
		t.Fatalf("%d clock reads outside the lock", store.unlocked)
	}
}

func TestGCRAWidenAndResetPeriod(t *testing.T) {
	store, _ := newClockedStore()
	g := NewGCRA(store, "bitfinex", 80, time.Minute, 5*time.Second)

	nominal := g.Period()
	g.WidenPeriod()
	if g.Period() != 2*nominal {
		t.Fatalf("Period after widen = %v", g.Period())
	}
	g.WidenPeriod()
	if g.Period() != 4*nominal {
		t.Fatalf("Period after second widen = %v", g.Period())
	}
	g.ResetPeriod()
	if g.Period() != nominal {
		t.Fatalf("Period after reset = %v", g.Period())
	}
}

func TestWeightManagerChargesAndResets(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()

	w := NewWeightManager(store, "binance", 1200, time.Minute, 5*time.Second)

	ok, _, err := w.TryCharge(ctx, 1000)
	if err != nil {
		t.Fatalf("TryCharge: %v", err)
	}
	if !ok {
		t.Fatal("charge within budget refused")
	}

	ok, retryAfter, err := w.TryCharge(ctx, 500)
	if err != nil {
		t.Fatalf("TryCharge: %v", err)
	}
	if ok {
		t.Fatal("charge beyond budget granted")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	// The window resets after the period elapses.
	clock.Advance(61 * time.Second)
	if ok, _, _ = w.TryCharge(ctx, 1200); !ok {
		t.Fatal("charge refused after window reset")
	}
}

func TestWeightManagerSetLimit(t *testing.T) {
	ctx := context.Background()
	store, _ := newClockedStore()

	w := NewWeightManager(store, "binance", 10, time.Minute, 5*time.Second)
	w.SetLimit(2400)
	if ok, _, _ := w.TryCharge(ctx, 2000); !ok {
		t.Fatal("discovered limit not applied")
	}

	// Non-positive limits are ignored.
	w.SetLimit(0)
	if ok, _, _ := w.TryCharge(ctx, 400); !ok {
		t.Fatal("remaining budget refused")
	}
}
