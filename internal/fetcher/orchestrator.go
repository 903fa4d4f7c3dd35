// Package fetcher runs the campaign control loop: recover leftover
// jobs, seed the symbol universe into the shared queue, then drain it
// with bounded parallel fetches until nothing is left.
package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"candleflow/internal/exchange"
	"candleflow/internal/httpfetch"
	"candleflow/logger"
	"candleflow/models"
)

// Queue is the durable job queue backing a campaign.
type Queue interface {
	Seed(ctx context.Context, jobs []models.Job) error
	PopBatch(ctx context.Context, n int) ([]models.Job, error)
	Ack(ctx context.Context, jobs []models.Job) error
	Recover(ctx context.Context) (int, error)
	Counts(ctx context.Context) (tofetch, fetching int64, err error)
}

// Writer persists candle rows, error records and the symbol universe.
type Writer interface {
	InsertCandles(ctx context.Context, rows []models.Candle, update bool) error
	InsertError(ctx context.Context, rec models.ErrorRecord) error
	UpsertSymbols(ctx context.Context, infos []models.SymbolInfo) error
}

// Fetcher is the rate-limited HTTP path.
type Fetcher interface {
	Get(ctx context.Context, url string, weight int64) httpfetch.Result
}

// Config tunes one orchestrator instance.
type Config struct {
	// ConsumeBatch jobs are popped from the queue per drain cycle.
	ConsumeBatch int
	// MaxParallel bounds concurrent process calls, normally the HTTP
	// client's connection budget.
	MaxParallel int
	// Update rewrites conflicting rows instead of skipping them.
	Update bool
	// SeedChunk jobs are added to the queue per call while seeding.
	SeedChunk int
	// ReportUsedWeight publishes the venue-reported weight gauge.
	ReportUsedWeight bool
}

// idlePoll is the drain loop's wait when the queue is momentarily
// empty but seeding is still in progress.
const idlePoll = 100 * time.Millisecond

// Orchestrator drives one exchange's campaign.
type Orchestrator struct {
	adapter exchange.Adapter
	queue   Queue
	writer  Writer
	client  Fetcher
	cfg     Config

	symbols models.SymbolMap
	feeding atomic.Bool
	now     func() time.Time
	log     *logger.Entry
}

func New(adapter exchange.Adapter, q Queue, w Writer, client Fetcher, cfg Config) *Orchestrator {
	if cfg.ConsumeBatch <= 0 {
		cfg.ConsumeBatch = 100
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}
	if cfg.SeedChunk <= 0 {
		cfg.SeedChunk = 500
	}
	return &Orchestrator{
		adapter: adapter,
		queue:   q,
		writer:  w,
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		log: logger.GetLogger().WithComponent("orchestrator").
			WithExchange(adapter.Name()),
	}
}

// Run executes a campaign over [start, end) for the given symbols. An
// empty symbol list means the full discovered universe. Jobs left in
// flight by a previous run are recovered first.
func (o *Orchestrator) Run(ctx context.Context, symbols []string, start, end time.Time) error {
	o.log = o.log.WithFields(logger.Fields{"campaign": uuid.NewString()})
	if err := o.loadSymbols(ctx); err != nil {
		return err
	}
	if len(symbols) == 0 {
		symbols = o.symbols.Symbols()
		sort.Strings(symbols)
	}

	recovered, err := o.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if recovered > 0 {
		o.log.WithFields(logger.Fields{"jobs": recovered}).Info("recovered in-flight jobs")
	}

	o.feeding.Store(true)
	seedErr := make(chan error, 1)
	go func() {
		defer o.feeding.Store(false)
		seedErr <- o.seed(ctx, symbols, start.UnixMilli(), end.UnixMilli())
	}()

	if err := o.drain(ctx); err != nil {
		return err
	}
	return <-seedErr
}

// Resume drains whatever the queue still holds without seeding new
// jobs.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.log = o.log.WithFields(logger.Fields{"campaign": uuid.NewString()})
	if err := o.loadSymbols(ctx); err != nil {
		return err
	}
	recovered, err := o.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	o.log.WithFields(logger.Fields{"jobs": recovered}).Info("resuming campaign")
	return o.drain(ctx)
}

// loadSymbols discovers the symbol universe and republishes it to the
// symbol_exchange table.
func (o *Orchestrator) loadSymbols(ctx context.Context) error {
	syms, err := o.adapter.DiscoverSymbols(ctx)
	if err != nil {
		return fmt.Errorf("discover symbols: %w", err)
	}
	o.symbols = syms

	infos := make([]models.SymbolInfo, 0, len(syms))
	for symbol, pair := range syms {
		infos = append(infos, models.SymbolInfo{
			Exchange: o.adapter.Name(),
			BaseID:   pair.BaseID,
			QuoteID:  pair.QuoteID,
			Symbol:   symbol,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Symbol < infos[j].Symbol })
	if err := o.writer.UpsertSymbols(ctx, infos); err != nil {
		return fmt.Errorf("republish symbols: %w", err)
	}
	o.log.WithFields(logger.Fields{"symbols": len(infos)}).Info("symbol universe republished")
	return nil
}

// seed expands every symbol into its initial jobs and feeds them to
// the queue in chunks.
func (o *Orchestrator) seed(ctx context.Context, symbols []string, startMS, endMS int64) error {
	pending := make([]models.Job, 0, o.cfg.SeedChunk)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := o.queue.Seed(ctx, pending); err != nil {
			return fmt.Errorf("seed queue: %w", err)
		}
		pending = pending[:0]
		return nil
	}

	total := 0
	for _, symbol := range symbols {
		if _, ok := o.symbols[symbol]; !ok {
			o.log.WithSymbol(symbol).Warn("unknown symbol, skipping")
			continue
		}
		for _, job := range o.adapter.SeedJobs(symbol, startMS, endMS) {
			pending = append(pending, job)
			total++
			if len(pending) >= o.cfg.SeedChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	o.log.WithFields(logger.Fields{"jobs": total}).Info("seeding finished")
	return nil
}

// drain pops batches and processes them in parallel until seeding has
// finished and both queue sets are empty.
func (o *Orchestrator) drain(ctx context.Context) error {
	sem := make(chan struct{}, o.cfg.MaxParallel)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tofetch, inflight, err := o.queue.Counts(ctx)
		if err != nil {
			return fmt.Errorf("queue counts: %w", err)
		}
		if !o.feeding.Load() && tofetch == 0 && inflight == 0 {
			o.log.Info("queue drained, campaign complete")
			return nil
		}

		jobs, err := o.queue.PopBatch(ctx, o.cfg.ConsumeBatch)
		if err != nil {
			o.log.WithError(err).Warn("pop batch failed, skipping malformed members")
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePoll):
			}
			continue
		}

		continuations := make([]models.Job, 0, len(jobs))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(job models.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				if next := o.process(ctx, job); next != nil {
					mu.Lock()
					continuations = append(continuations, *next)
					mu.Unlock()
				}
			}(job)
		}
		wg.Wait()

		if len(continuations) > 0 {
			if err := o.queue.Seed(ctx, continuations); err != nil {
				return fmt.Errorf("requeue continuations: %w", err)
			}
		}
		if err := o.queue.Ack(ctx, jobs); err != nil {
			return fmt.Errorf("ack jobs: %w", err)
		}
	}
}

// process runs one job end to end and returns its continuation, or nil
// when the job's window is exhausted.
func (o *Orchestrator) process(ctx context.Context, job models.Job) *models.Job {
	pair, ok := o.symbols[job.Symbol]
	if !ok {
		o.recordError(ctx, job, "", 0, models.ErrKindParse,
			fmt.Sprintf("symbol %s missing from discovered universe", job.Symbol))
		return o.continuation(job, o.adapter.Advance(job, 0))
	}

	req := o.adapter.BuildRequest(job, o.now())
	res := o.fetch(ctx, req)
	logger.RecordActivity("fetches", 1)
	o.reportUsedWeight(res)

	if !res.OK() {
		if ctx.Err() != nil {
			// Shutdown mid-fetch: leave the job in flight for the next
			// recover instead of recording a spurious error.
			return nil
		}
		o.recordError(ctx, job, req.Section, res.Status, res.Kind, res.Message)
		return o.continuation(job, o.adapter.Advance(job, 0))
	}

	rows, err := o.adapter.Parse(res.Body, req.Section, pair)
	if err != nil {
		o.recordError(ctx, job, req.Section, res.Status, models.ErrKindParse,
			fmt.Sprintf("error while processing response: %v", err))
		return o.continuation(job, o.adapter.Advance(job, 0))
	}
	if len(rows) == 0 {
		return o.continuation(job, o.adapter.Advance(job, 0))
	}

	if err := o.writer.InsertCandles(ctx, rows, o.cfg.Update); err != nil {
		o.recordError(ctx, job, req.Section, res.Status, models.ErrKindDBIntegrity,
			fmt.Sprintf("unsuccessful database insert: %v", err))
		return o.continuation(job, o.adapter.Advance(job, 0))
	}
	logger.RecordActivity("rows_written", len(rows))

	lastMS := int64(0)
	for _, r := range rows {
		if ts := models.TimeToMilliseconds(r.Timestamp); ts > lastMS {
			lastMS = ts
		}
	}
	return o.continuation(job, o.adapter.Advance(job, lastMS))
}

// fetch tries the primary host and then any fallbacks on terminal
// errors.
func (o *Orchestrator) fetch(ctx context.Context, req exchange.Request) httpfetch.Result {
	res := o.client.Get(ctx, req.URL, req.Weight)
	for _, alt := range req.Fallbacks {
		if res.OK() || ctx.Err() != nil {
			break
		}
		res = o.client.Get(ctx, alt, req.Weight)
	}
	return res
}

func (o *Orchestrator) continuation(job models.Job, nextStartMS int64) *models.Job {
	if nextStartMS >= job.EndMS {
		return nil
	}
	next := job
	next.StartMS = nextStartMS
	return &next
}

func (o *Orchestrator) recordError(ctx context.Context, job models.Job, section string, status int, kind models.ErrorKind, msg string) {
	o.log.WithSymbol(job.Symbol).WithKind(string(kind)).
		WithFields(logger.Fields{"status": status}).Warn(msg)

	rec := models.ErrorRecord{
		Exchange:   o.adapter.Name(),
		Symbol:     job.Symbol,
		StartTS:    models.MillisecondsToTime(job.StartMS),
		EndTS:      models.MillisecondsToTime(job.EndMS),
		Interval:   job.Interval,
		Section:    section,
		HTTPStatus: status,
		Kind:       kind,
		Message:    msg,
	}
	if err := o.writer.InsertError(ctx, rec); err != nil {
		o.log.WithError(err).Error("could not persist error record")
	}
}

// reportUsedWeight surfaces the venue-reported request weight gauge
// when the response carries one.
func (o *Orchestrator) reportUsedWeight(res httpfetch.Result) {
	if !o.cfg.ReportUsedWeight || res.Header == nil {
		return
	}
	if used := exchange.UsedWeight(res.Header); used > 0 {
		o.log.LogMetric("orchestrator", "used_weight", used, "gauge",
			logger.Fields{"exchange": o.adapter.Name()})
	}
}
