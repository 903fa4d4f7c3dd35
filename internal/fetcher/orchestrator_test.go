package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/exchange"
	"candleflow/internal/httpfetch"
	"candleflow/internal/queue"
	"candleflow/internal/state"
	"candleflow/models"
)

const minuteMS = int64(60_000)

// fakeAdapter serves a canned per-symbol series of minute timestamps
// through URL strings of the form "test://symbol/start/end/limit".
type fakeAdapter struct {
	name    string
	limit   int
	symbols models.SymbolMap
}

func (a *fakeAdapter) Name() string     { return a.name }
func (a *fakeAdapter) Interval() string { return "1m" }
func (a *fakeAdapter) Limit() int       { return a.limit }

func (a *fakeAdapter) DiscoverSymbols(ctx context.Context) (models.SymbolMap, error) {
	return a.symbols, nil
}

func (a *fakeAdapter) BuildRequest(job models.Job, now time.Time) exchange.Request {
	return exchange.Request{
		URL: fmt.Sprintf("test://%s/%d/%d/%d", job.Symbol, job.StartMS, job.EndMS, job.Limit),
	}
}

func (a *fakeAdapter) Parse(body []byte, section string, pair models.Pair) ([]models.Candle, error) {
	var stamps []int64
	if err := json.Unmarshal(body, &stamps); err != nil {
		return nil, err
	}
	price := decimal.NewFromInt(1)
	out := make([]models.Candle, 0, len(stamps))
	for _, ts := range stamps {
		out = append(out, models.Candle{
			Timestamp: models.MillisecondsToTime(ts),
			Exchange:  a.name,
			BaseID:    pair.BaseID,
			QuoteID:   pair.QuoteID,
			Open:      price, High: price, Low: price, Close: price,
			Volume: price,
		})
	}
	return out, nil
}

func (a *fakeAdapter) RetryAfter(h http.Header) time.Duration { return 0 }

func (a *fakeAdapter) Advance(job models.Job, lastMS int64) int64 {
	if lastMS > job.StartMS {
		return lastMS
	}
	return job.StartMS + minuteMS*int64(job.Limit)
}

func (a *fakeAdapter) SeedJobs(symbol string, startMS, endMS int64) []models.Job {
	return []models.Job{{
		Symbol: symbol, StartMS: startMS, EndMS: endMS,
		Interval: "1m", Limit: a.limit,
	}}
}

// fakeFetcher answers fakeAdapter URLs from its series map. Symbols
// listed in fail get a terminal error response.
type fakeFetcher struct {
	mu     sync.Mutex
	series map[string][]int64
	fail   map[string]httpfetch.Result
	calls  int
}

func (f *fakeFetcher) Get(ctx context.Context, url string, weight int64) httpfetch.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(url, "test://"), "/")
	symbol := parts[0]
	start, _ := strconv.ParseInt(parts[1], 10, 64)
	end, _ := strconv.ParseInt(parts[2], 10, 64)
	limit, _ := strconv.Atoi(parts[3])

	if res, ok := f.fail[symbol]; ok {
		return res
	}

	var window []int64
	for _, ts := range f.series[symbol] {
		if ts >= start && ts < end && len(window) < limit {
			window = append(window, ts)
		}
	}
	body, _ := json.Marshal(window)
	return httpfetch.Result{Status: http.StatusOK, Body: body}
}

// memWriter collects rows and error records.
type memWriter struct {
	mu      sync.Mutex
	rows    map[string]models.Candle
	errors  []models.ErrorRecord
	symbols []models.SymbolInfo
}

func newMemWriter() *memWriter {
	return &memWriter{rows: make(map[string]models.Candle)}
}

func (w *memWriter) InsertCandles(ctx context.Context, rows []models.Candle, update bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range rows {
		key := fmt.Sprintf("%d|%s|%s|%s", r.Timestamp.UnixMilli(), r.Exchange, r.BaseID, r.QuoteID)
		w.rows[key] = r
	}
	return nil
}

func (w *memWriter) InsertError(ctx context.Context, rec models.ErrorRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, rec)
	return nil
}

func (w *memWriter) UpsertSymbols(ctx context.Context, infos []models.SymbolInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.symbols = infos
	return nil
}

func series(start time.Time, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * time.Minute).UnixMilli()
	}
	return out
}

func newTestOrchestrator(t *testing.T, adapter *fakeAdapter, f *fakeFetcher, w Writer) (*Orchestrator, *queue.JobQueue) {
	t.Helper()
	q := queue.New(state.NewMemory(), adapter.name)
	o := New(adapter, q, w, f, Config{ConsumeBatch: 10, MaxParallel: 4})
	return o, q
}

var campaignStart = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRunFullWindow(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "testexch",
		limit:   100,
		symbols: models.SymbolMap{"BTCUSD": {BaseID: "BTC", QuoteID: "USD"}},
	}
	f := &fakeFetcher{series: map[string][]int64{"BTCUSD": series(campaignStart, 100)}}
	w := newMemWriter()
	o, q := newTestOrchestrator(t, adapter, f, w)

	end := campaignStart.Add(100 * time.Minute)
	if err := o.Run(context.Background(), nil, campaignStart, end); err != nil {
		t.Fatal(err)
	}

	if len(w.rows) != 100 {
		t.Fatalf("rows = %d, want 100", len(w.rows))
	}
	first := campaignStart.UnixMilli()
	last := campaignStart.Add(99 * time.Minute).UnixMilli()
	for _, ts := range []int64{first, last} {
		key := fmt.Sprintf("%d|testexch|BTC|USD", ts)
		if _, ok := w.rows[key]; !ok {
			t.Fatalf("missing row at %d", ts)
		}
	}
	if len(w.errors) != 0 {
		t.Fatalf("errors = %d, want 0: %+v", len(w.errors), w.errors)
	}
	if len(w.symbols) != 1 || w.symbols[0].Symbol != "BTCUSD" {
		t.Fatalf("symbol universe not republished: %+v", w.symbols)
	}

	tofetch, inflight, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tofetch != 0 || inflight != 0 {
		t.Fatalf("queue not drained: tofetch=%d inflight=%d", tofetch, inflight)
	}
}

func TestRunEmptySeriesAdvancesPastGap(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "testexch",
		limit:   100,
		symbols: models.SymbolMap{"EMPTYUSD": {BaseID: "EMPTY", QuoteID: "USD"}},
	}
	f := &fakeFetcher{series: map[string][]int64{"EMPTYUSD": nil}}
	w := newMemWriter()
	o, _ := newTestOrchestrator(t, adapter, f, w)

	// 250 minutes of silence at limit 100 needs three page skips.
	end := campaignStart.Add(250 * time.Minute)
	if err := o.Run(context.Background(), nil, campaignStart, end); err != nil {
		t.Fatal(err)
	}
	if len(w.rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(w.rows))
	}
	if f.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", f.calls)
	}
}

func TestRunRecordsTerminalErrors(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "testexch",
		limit: 100,
		symbols: models.SymbolMap{
			"GOODUSD": {BaseID: "GOOD", QuoteID: "USD"},
			"BADUSD":  {BaseID: "BAD", QuoteID: "USD"},
		},
	}
	f := &fakeFetcher{
		series: map[string][]int64{"GOODUSD": series(campaignStart, 50)},
		fail: map[string]httpfetch.Result{
			"BADUSD": {
				Status:  http.StatusInternalServerError,
				Kind:    models.ErrKindHTTPStatus,
				Message: "response status code 500",
			},
		},
	}
	w := newMemWriter()
	o, _ := newTestOrchestrator(t, adapter, f, w)

	end := campaignStart.Add(50 * time.Minute)
	if err := o.Run(context.Background(), nil, campaignStart, end); err != nil {
		t.Fatal(err)
	}

	if len(w.rows) != 50 {
		t.Fatalf("rows = %d, want 50 from the healthy symbol", len(w.rows))
	}
	if len(w.errors) == 0 {
		t.Fatal("expected error records for the failing symbol")
	}
	rec := w.errors[0]
	if rec.Symbol != "BADUSD" || rec.Kind != models.ErrKindHTTPStatus || rec.HTTPStatus != 500 {
		t.Fatalf("unexpected error record: %+v", rec)
	}
}

func TestResumeDrainsLeftoverJobs(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "testexch",
		limit:   100,
		symbols: models.SymbolMap{"BTCUSD": {BaseID: "BTC", QuoteID: "USD"}},
	}
	f := &fakeFetcher{series: map[string][]int64{"BTCUSD": series(campaignStart, 30)}}
	w := newMemWriter()
	o, q := newTestOrchestrator(t, adapter, f, w)

	// A crashed worker left one job in flight: seed then pop without
	// acking.
	ctx := context.Background()
	end := campaignStart.Add(30 * time.Minute)
	job := models.Job{
		Symbol: "BTCUSD", StartMS: campaignStart.UnixMilli(), EndMS: end.UnixMilli(),
		Interval: "1m", Limit: 100,
	}
	if err := q.Seed(ctx, []models.Job{job}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.PopBatch(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if err := o.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if len(w.rows) != 30 {
		t.Fatalf("rows = %d, want 30", len(w.rows))
	}
}

func TestTwoWorkersShareOneQueue(t *testing.T) {
	store := state.NewMemory()
	w := newMemWriter()

	symbols := models.SymbolMap{}
	seriesMap := map[string][]int64{}
	for i := 0; i < 6; i++ {
		sym := fmt.Sprintf("SYM%dUSD", i)
		symbols[sym] = models.Pair{BaseID: fmt.Sprintf("SYM%d", i), QuoteID: "USD"}
		seriesMap[sym] = series(campaignStart, 40)
	}
	adapter := &fakeAdapter{name: "testexch", limit: 100, symbols: symbols}
	f := &fakeFetcher{series: seriesMap}

	end := campaignStart.Add(40 * time.Minute)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := queue.New(store, adapter.name)
			o := New(adapter, q, w, f, Config{ConsumeBatch: 2, MaxParallel: 2})
			errs[i] = o.Run(context.Background(), nil, campaignStart, end)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	// Every symbol's full series lands exactly once per key; duplicate
	// deliveries collapse in the writer the same way the primary key
	// does in the database.
	if len(w.rows) != 6*40 {
		t.Fatalf("rows = %d, want %d", len(w.rows), 6*40)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "testexch",
		limit:   100,
		symbols: models.SymbolMap{"BTCUSD": {BaseID: "BTC", QuoteID: "USD"}},
	}
	f := &fakeFetcher{series: map[string][]int64{"BTCUSD": series(campaignStart, 10)}}
	w := newMemWriter()
	o, _ := newTestOrchestrator(t, adapter, f, w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx, nil, campaignStart, campaignStart.Add(10*time.Minute))
	if err == nil {
		t.Fatal("expected context error")
	}
}
