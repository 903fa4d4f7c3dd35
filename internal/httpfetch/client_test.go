package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"candleflow/internal/ratelimit"
	"candleflow/internal/state"
	"candleflow/models"
)

func newTestClient(t *testing.T, store *state.Memory, period time.Duration) *Client {
	t.Helper()
	limiter := ratelimit.NewGCRA(store, "testexch", 1000, period, time.Second)
	return New(Config{Exchange: "testexch", MaxConnections: 4}, store, limiter, nil)
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1609459200000,"29000","29100","28900","29050","12.5"]]`))
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, time.Minute)

	res := c.Get(context.Background(), srv.URL, 0)
	if !res.OK() {
		t.Fatalf("expected success, got kind=%q message=%q", res.Kind, res.Message)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if len(res.Body) == 0 {
		t.Fatal("expected non-empty body")
	}
}

func TestGetHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, time.Minute)

	res := c.Get(context.Background(), srv.URL, 0)
	if res.Kind != models.ErrKindHTTPStatus {
		t.Fatalf("kind = %q, want %q", res.Kind, models.ErrKindHTTPStatus)
	}
	if res.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.Status)
	}
}

func TestGetDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, time.Minute)

	res := c.Get(context.Background(), srv.URL, 0)
	if res.Kind != models.ErrKindDecode {
		t.Fatalf("kind = %q, want %q", res.Kind, models.ErrKindDecode)
	}
}

func TestGetRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, time.Minute)

	res := c.Get(context.Background(), srv.URL, 0)
	if res.Kind != models.ErrKindRequest {
		t.Fatalf("kind = %q, want %q", res.Kind, models.ErrKindRequest)
	}
	if res.Status != 0 {
		t.Fatalf("status = %d, want 0", res.Status)
	}
}

func TestGetRecoversAfterRateLimit(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, 20*time.Millisecond)

	res := c.Get(context.Background(), srv.URL, 0)
	if !res.OK() {
		t.Fatalf("expected success after retry, got kind=%q message=%q", res.Kind, res.Message)
	}
	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Fatalf("server saw %d requests, want 2", n)
	}
	// Success restores the widened limiter period.
	if got := c.limiter.Period(); got != 20*time.Millisecond {
		t.Fatalf("limiter period = %v after success, want 20ms", got)
	}
	if _, ok, _ := store.Get(context.Background(), "backoff_stt_testexch"); ok {
		t.Fatal("expected cool-down flag cleared after success")
	}
}

func TestGetMaxRetries(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, 5*time.Millisecond)

	res := c.Get(context.Background(), srv.URL, 0)
	if res.Kind != models.ErrKindMaxRetries {
		t.Fatalf("kind = %q, want %q", res.Kind, models.ErrKindMaxRetries)
	}
	if n := atomic.LoadInt64(&calls); n != MaxRetries {
		t.Fatalf("server saw %d requests, want %d", n, MaxRetries)
	}
}

func TestGetContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := state.NewMemory()
	c := newTestClient(t, store, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Get(ctx, srv.URL, 0)
	if res.Kind != models.ErrKindRequest {
		t.Fatalf("kind = %q, want %q", res.Kind, models.ErrKindRequest)
	}
}

func TestCooldownSharedAcrossURLs(t *testing.T) {
	store := state.NewMemory()
	now := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	store.NowFunc = func() time.Time { return now }

	cd := newCooldown(store, "testexch")
	ctx := context.Background()
	cd.set(ctx, "https://api.example.com/a", 429, 30*time.Second)

	// The banned URL itself is exempt.
	if _, blocked := cd.shouldWait(ctx, "https://api.example.com/a", time.Minute); blocked {
		t.Fatal("banned URL should not wait on its own flag")
	}
	// Other URLs wait for the remaining ban window.
	wait, blocked := cd.shouldWait(ctx, "https://api.example.com/b", time.Minute)
	if !blocked {
		t.Fatal("expected other URLs to be blocked during the ban")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("wait = %v, want within (0, 1m]", wait)
	}

	// The flag expires once the ban window has passed.
	now = now.Add(31 * time.Second)
	if _, blocked := cd.shouldWait(ctx, "https://api.example.com/b", time.Minute); blocked {
		t.Fatal("expected ban to expire after its window")
	}

	cd.set(ctx, "https://api.example.com/a", 429, 30*time.Second)
	cd.clear(ctx)
	if _, blocked := cd.shouldWait(ctx, "https://api.example.com/b", time.Minute); blocked {
		t.Fatal("expected clear to lift the ban")
	}
}
