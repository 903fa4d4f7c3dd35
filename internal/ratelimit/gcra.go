// Package ratelimit enforces per-exchange request budgets shared across
// worker processes. State lives in the shared store so that any number
// of workers draw from one budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"candleflow/internal/state"
)

// gcraKey is the shared-store key pattern holding the theoretical
// arrival time scalar per exchange.
const gcraKey = "rest_rate_limit_%s"

const lockBlockBudget = 10 * time.Millisecond

// GCRA is a Generic Cell Rate Algorithm limiter backed by a single
// scalar in the shared store. Multiple fetcher processes sharing the
// same key share the same budget.
type GCRA struct {
	store       Store
	key         string
	rate        float64
	nominal     time.Duration
	lockTimeout time.Duration

	mu     sync.Mutex
	period time.Duration
}

// Store is the shared-store surface the limiters need.
type Store = state.Store

// NewGCRA builds a limiter admitting rate operations per period for the
// given exchange. The effective spacing between grants is period/rate.
func NewGCRA(store Store, exchange string, rate int, period, lockTimeout time.Duration) *GCRA {
	return &GCRA{
		store:       store,
		key:         fmt.Sprintf(gcraKey, exchange),
		rate:        float64(rate),
		nominal:     period,
		period:      period,
		lockTimeout: lockTimeout,
	}
}

func (g *GCRA) increment() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(float64(g.period) / g.rate)
}

// WidenPeriod doubles the logical period. The HTTP fetcher calls this
// when an exchange starts rate-limiting us.
func (g *GCRA) WidenPeriod() {
	g.mu.Lock()
	g.period *= 2
	g.mu.Unlock()
}

// ResetPeriod restores the nominal period after a successful response.
func (g *GCRA) ResetPeriod() {
	g.mu.Lock()
	g.period = g.nominal
	g.mu.Unlock()
}

// Period returns the current logical period.
func (g *GCRA) Period() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.period
}

// TryAcquire performs a single admission check. When not granted it
// returns the duration after which the caller should retry. Lock
// contention counts as "not granted, retry in one increment".
func (g *GCRA) TryAcquire(ctx context.Context) (bool, time.Duration, error) {
	inc := g.increment()
	period := g.Period()

	lock, err := state.AcquireLock(ctx, g.store, g.key, g.lockTimeout, lockBlockBudget)
	if errors.Is(err, state.ErrLockContention) {
		return false, inc, nil
	}
	if err != nil {
		return false, 0, err
	}
	defer lock.Release(ctx)

	// The clock read happens under the lock so no two workers decide
	// against the same instant.
	now, err := g.store.Time(ctx)
	if err != nil {
		return false, 0, err
	}
	t := asSeconds(now)

	if _, err := g.store.SetNX(ctx, g.key, formatSeconds(t), 0); err != nil {
		return false, 0, err
	}
	raw, _, err := g.store.Get(ctx, g.key)
	if err != nil {
		return false, 0, err
	}
	tat, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: bad tat %q: %w", raw, err)
	}
	if t > tat {
		tat = t
	}

	allowedAt := tat + inc.Seconds() - period.Seconds()
	if t >= allowedAt {
		if err := g.store.Set(ctx, g.key, formatSeconds(tat+inc.Seconds())); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}
	return false, secondsToDuration(allowedAt - t), nil
}

// Acquire blocks until a token is granted or the context is cancelled.
func (g *GCRA) Acquire(ctx context.Context) error {
	for {
		granted, retryAfter, err := g.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func asSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
