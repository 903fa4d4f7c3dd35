package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"candleflow/internal/state"
)

// Shared-store keys for the request-weight window, per exchange.
const (
	weightTimestampKey = "weight_limit_timestamp_%s"
	weightValueKey     = "weight_limit_value_%s"
)

// WeightManager guards a weighted request budget that resets on a fixed
// period. Binance publishes per-minute REQUEST_WEIGHT limits where
// endpoints cost differing amounts; this gate sits after the GCRA
// limiter and both must admit a request.
type WeightManager struct {
	store       Store
	keyTS       string
	keyValue    string
	limit       int64
	period      time.Duration
	lockTimeout time.Duration
}

// NewWeightManager builds a manager with budget limit per period for
// the given exchange.
func NewWeightManager(store Store, exchange string, limit int64, period, lockTimeout time.Duration) *WeightManager {
	return &WeightManager{
		store:       store,
		keyTS:       fmt.Sprintf(weightTimestampKey, exchange),
		keyValue:    fmt.Sprintf(weightValueKey, exchange),
		limit:       limit,
		period:      period,
		lockTimeout: lockTimeout,
	}
}

// SetLimit replaces the full budget, e.g. after discovering the
// exchange-published limit at campaign start.
func (w *WeightManager) SetLimit(limit int64) {
	if limit > 0 {
		w.limit = limit
	}
}

// TryCharge attempts to consume weight units from the current window.
// When the budget is short it returns the time until the window resets.
func (w *WeightManager) TryCharge(ctx context.Context, weight int64) (bool, time.Duration, error) {
	now, err := w.store.Time(ctx)
	if err != nil {
		return false, 0, err
	}
	t := asSeconds(now)

	lock, err := state.AcquireLock(ctx, w.store, w.keyTS, w.lockTimeout, lockBlockBudget)
	if errors.Is(err, state.ErrLockContention) {
		return false, w.remaining(ctx, t), nil
	}
	if err != nil {
		return false, 0, err
	}
	defer lock.Release(ctx)

	if _, err := w.store.SetNX(ctx, w.keyTS, formatSeconds(t), 0); err != nil {
		return false, 0, err
	}
	if _, err := w.store.SetNX(ctx, w.keyValue, strconv.FormatInt(w.limit, 10), 0); err != nil {
		return false, 0, err
	}

	windowStart, err := w.windowStart(ctx)
	if err != nil {
		return false, 0, err
	}
	if t-windowStart > w.period.Seconds() {
		if err := w.store.Set(ctx, w.keyTS, formatSeconds(t)); err != nil {
			return false, 0, err
		}
		if err := w.store.Set(ctx, w.keyValue, strconv.FormatInt(w.limit, 10)); err != nil {
			return false, 0, err
		}
		windowStart = t
	}

	raw, _, err := w.store.Get(ctx, w.keyValue)
	if err != nil {
		return false, 0, err
	}
	left, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: bad weight value %q: %w", raw, err)
	}
	if left >= weight {
		if _, err := w.store.DecrBy(ctx, w.keyValue, weight); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}
	return false, secondsToDuration(w.period.Seconds() - (t - windowStart)), nil
}

// Charge blocks until the budget admits weight units or the context is
// cancelled.
func (w *WeightManager) Charge(ctx context.Context, weight int64) error {
	for {
		granted, retryAfter, err := w.TryCharge(ctx, weight)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = lockBlockBudget
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func (w *WeightManager) windowStart(ctx context.Context) (float64, error) {
	raw, ok, err := w.store.Get(ctx, w.keyTS)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func (w *WeightManager) remaining(ctx context.Context, t float64) time.Duration {
	windowStart, err := w.windowStart(ctx)
	if err != nil || windowStart == 0 {
		return w.period
	}
	return secondsToDuration(w.period.Seconds() - (t - windowStart))
}
