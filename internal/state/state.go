// Package state abstracts the shared store (Redis in production) that
// holds the durable job queues, rate-limiter scalars and backoff flags
// shared by all worker processes.
package state

import (
	"context"
	"time"
)

// Store is the subset of the shared-store surface the fetcher engine
// uses. All operations are atomic at the store level.
type Store interface {
	// Time returns the store server's clock. Workers must use this,
	// not their local clock, so rate-limit windows agree across
	// processes.
	Time(ctx context.Context) (time.Time, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetNX sets key only when absent and reports whether it did.
	// A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	DecrBy(ctx context.Context, key string, n int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SPopN(ctx context.Context, key string, n int64) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
}
