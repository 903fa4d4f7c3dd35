// Package httpfetch wraps the outbound HTTP path: a pooled client with
// bounded connections, per-exchange admission through the shared GCRA
// limiter (and optional weight gate), and 429/418 backoff coordinated
// across workers through the shared store.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"candleflow/internal/ratelimit"
	"candleflow/internal/state"
	"candleflow/logger"
	"candleflow/models"
)

// MaxRetries bounds the attempts per job, counting rate-limited
// responses that trigger a cool-down.
const MaxRetries = 12

// Result is the classified outcome of one fetch. Kind is empty on
// success; Status is zero when no response was received. Header is the
// response header when a response arrived, for venue-reported gauges.
type Result struct {
	Status  int
	Body    []byte
	Header  http.Header
	Kind    models.ErrorKind
	Message string
}

// OK reports whether the fetch produced a usable body.
func (r Result) OK() bool {
	return r.Kind == ""
}

// WeightGate is the optional second admission gate (Binance request
// weight). A nil gate admits everything.
type WeightGate interface {
	Charge(ctx context.Context, weight int64) error
}

// RetryAfterFunc extracts the cool-down hint from a rate-limited
// response's headers.
type RetryAfterFunc func(http.Header) time.Duration

// Config carries the per-exchange tuning for a fetch client.
type Config struct {
	Exchange       string
	MaxConnections int
	// LocalRPS caps this process's request rate as a courtesy bound
	// under the shared limiter. Zero disables the cap.
	LocalRPS   float64
	RetryAfter RetryAfterFunc
}

// Client performs rate-limited GETs against one exchange.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.GCRA
	gate       WeightGate
	local      *rate.Limiter
	cooldown   *cooldown
	retryAfter RetryAfterFunc
	period     time.Duration
	log        *logger.Entry
}

// New builds a client. The transport pools connections up to
// cfg.MaxConnections per host; no request timeout is set, cancellation
// is the only termination mechanism.
func New(cfg Config, store state.Store, limiter *ratelimit.GCRA, gate WeightGate) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}

	local := rate.NewLimiter(rate.Inf, 1)
	if cfg.LocalRPS > 0 {
		local = rate.NewLimiter(rate.Limit(cfg.LocalRPS), cfg.MaxConnections)
	}

	retryAfter := cfg.RetryAfter
	if retryAfter == nil {
		retryAfter = HeaderRetryAfter
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		limiter:    limiter,
		gate:       gate,
		local:      local,
		cooldown:   newCooldown(store, cfg.Exchange),
		retryAfter: retryAfter,
		period:     limiter.Period(),
		log:        logger.GetLogger().WithComponent("httpfetch").WithFields(logger.Fields{"exchange": cfg.Exchange}),
	}
}

// HeaderRetryAfter reads the standard Retry-After header, in seconds.
func HeaderRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

// Get fetches url, charging weight units against the gate first (when
// present) and a GCRA token per attempt. Rate-limited responses
// (429/418) set a shared cool-down and are retried up to MaxRetries
// times; every other outcome is classified and returned.
func (c *Client) Get(ctx context.Context, url string, weight int64) Result {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Kind: models.ErrKindRequest, Message: err.Error()}
		}

		if c.gate != nil && weight > 0 {
			if err := c.gate.Charge(ctx, weight); err != nil {
				return Result{Kind: models.ErrKindRequest, Message: fmt.Sprintf("weight gate: %v", err)}
			}
		}

		// Another worker may have hit a ban on a different endpoint;
		// wait out its cool-down unless this is the banned URL itself
		// (whose retry timing is what refreshes the flag).
		if wait, blocked := c.cooldown.shouldWait(ctx, url, c.period); blocked {
			c.log.WithFields(logger.Fields{"wait": wait.String()}).Info("backing off for shared cool-down")
			if !sleepCtx(ctx, wait) {
				return Result{Kind: models.ErrKindRequest, Message: ctx.Err().Error()}
			}
			continue
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return Result{Kind: models.ErrKindRequest, Message: fmt.Sprintf("rate limiter: %v", err)}
		}
		if err := c.local.Wait(ctx); err != nil {
			return Result{Kind: models.ErrKindRequest, Message: fmt.Sprintf("local limiter: %v", err)}
		}

		res, done := c.attempt(ctx, url)
		if done {
			return res
		}
	}

	c.cooldown.clear(ctx)
	return Result{
		Kind:    models.ErrKindMaxRetries,
		Message: fmt.Sprintf("maximum retries reached while requesting %s", url),
	}
}

// attempt performs one GET. The second return value is false when the
// caller should retry.
func (c *Client) attempt(ctx context.Context, url string) (Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Kind: models.ErrKindRequest, Message: fmt.Sprintf("build request for %s: %v", url, err)}, true
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Kind: models.ErrKindRequest, Message: fmt.Sprintf("request error while requesting %s: %v", url, err)}, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: resp.StatusCode, Header: resp.Header, Kind: models.ErrKindRequest, Message: fmt.Sprintf("read body of %s: %v", url, err)}, true
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		retryAfter := c.retryAfter(resp.Header)
		if retryAfter <= 0 {
			retryAfter = c.period
		}
		c.cooldown.set(ctx, url, resp.StatusCode, retryAfter)
		c.limiter.WidenPeriod()
		c.log.WithFields(logger.Fields{
			"status":      resp.StatusCode,
			"retry_after": retryAfter.String(),
		}).Warn("rate limited, entering cool-down")
		if !sleepCtx(ctx, retryAfter) {
			return Result{Status: resp.StatusCode, Kind: models.ErrKindRequest, Message: ctx.Err().Error()}, true
		}
		return Result{}, false

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.cooldown.clear(ctx)
		return Result{
			Status: resp.StatusCode,
			Header: resp.Header,
			Kind:   models.ErrKindHTTPStatus,
			Message: fmt.Sprintf("response status code %d while requesting %s",
				resp.StatusCode, url),
		}, true

	case !json.Valid(body):
		c.cooldown.clear(ctx)
		return Result{
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Kind:    models.ErrKindDecode,
			Message: fmt.Sprintf("malformed body while requesting %s", url),
		}, true

	default:
		c.cooldown.clear(ctx)
		c.limiter.ResetPeriod()
		return Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, true
	}
}

// sleepCtx sleeps for d, returning false when the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
