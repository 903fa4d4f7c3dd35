package httpfetch

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"candleflow/internal/state"
)

// cooldown mirrors the exchange-wide ban state in the shared store so
// every worker on every host backs off together after a 429/418.
type cooldown struct {
	store    state.Store
	statKey  string
	urlKey   string
	timeKey  string
	durKey   string
	exchange string
}

func newCooldown(store state.Store, exchange string) *cooldown {
	return &cooldown{
		store:    store,
		statKey:  fmt.Sprintf("backoff_stt_%s", exchange),
		urlKey:   fmt.Sprintf("backoff_url_%s", exchange),
		timeKey:  fmt.Sprintf("backoff_time_%s", exchange),
		durKey:   fmt.Sprintf("backoff_dur_%s", exchange),
		exchange: exchange,
	}
}

// set records a ban observed on url, stamped with the shared clock.
func (c *cooldown) set(ctx context.Context, url string, status int, dur time.Duration) {
	now, err := c.store.Time(ctx)
	if err != nil {
		return
	}
	c.store.Set(ctx, c.statKey, strconv.Itoa(status))
	c.store.Set(ctx, c.urlKey, url)
	c.store.Set(ctx, c.timeKey, strconv.FormatInt(now.UnixMilli(), 10))
	c.store.Set(ctx, c.durKey, strconv.FormatInt(dur.Milliseconds(), 10))
}

// clear removes the ban flag after a non-rate-limited response.
func (c *cooldown) clear(ctx context.Context) {
	c.store.Del(ctx, c.statKey, c.urlKey, c.timeKey, c.durKey)
}

// shouldWait reports whether a ban set by another request is still in
// effect. The URL that triggered the ban is exempt: its own retry loop
// owns the flag. The wait is the remaining ban time plus jitter, capped
// at maxWait.
func (c *cooldown) shouldWait(ctx context.Context, url string, maxWait time.Duration) (time.Duration, bool) {
	status, ok, err := c.store.Get(ctx, c.statKey)
	if err != nil || !ok {
		return 0, false
	}
	if status != "429" && status != "418" {
		return 0, false
	}
	bannedURL, ok, err := c.store.Get(ctx, c.urlKey)
	if err != nil || !ok || bannedURL == url {
		return 0, false
	}

	setAt, remaining := c.banWindow(ctx)
	if setAt.IsZero() {
		return 0, false
	}
	now, err := c.store.Time(ctx)
	if err != nil {
		return 0, false
	}
	left := remaining - now.Sub(setAt)
	if left <= 0 {
		return 0, false
	}
	wait := left + time.Duration(rand.Int63n(int64(time.Second)))
	if wait > maxWait {
		wait = maxWait
	}
	return wait, true
}

func (c *cooldown) banWindow(ctx context.Context) (time.Time, time.Duration) {
	tsRaw, ok, err := c.store.Get(ctx, c.timeKey)
	if err != nil || !ok {
		return time.Time{}, 0
	}
	durRaw, ok, err := c.store.Get(ctx, c.durKey)
	if err != nil || !ok {
		return time.Time{}, 0
	}
	tsMS, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return time.Time{}, 0
	}
	durMS, err := strconv.ParseInt(durRaw, 10, 64)
	if err != nil {
		return time.Time{}, 0
	}
	return time.UnixMilli(tsMS).UTC(), time.Duration(durMS) * time.Millisecond
}
