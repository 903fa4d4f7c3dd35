package main

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/exchange"
	"candleflow/internal/fetcher"
	"candleflow/internal/httpfetch"
	"candleflow/internal/queue"
	"candleflow/internal/ratelimit"
	"candleflow/internal/state"
	"candleflow/logger"
	"candleflow/writer"
)

// app bundles the wired components of one worker process.
type app struct {
	orchestrator *fetcher.Orchestrator
	store        *state.Redis
	pool         interface{ Close() }
}

func (a *app) close() {
	a.pool.Close()
	_ = a.store.Close()
}

func newAdapter(name string, limit int) (exchange.Adapter, error) {
	switch name {
	case exchange.BitfinexName:
		return exchange.NewBitfinex(limit), nil
	case exchange.BinanceName:
		return exchange.NewBinance(limit), nil
	case exchange.BittrexName:
		return exchange.NewBittrex(), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", name)
	}
}

// buildApp wires the store, database, limiter, HTTP client and
// orchestrator for one exchange.
func buildApp(ctx context.Context, exchangeName string, update bool) (*app, error) {
	log := logger.GetLogger().WithComponent("app")

	ex, err := cfg.Exchange(exchangeName)
	if err != nil {
		return nil, err
	}
	adapter, err := newAdapter(exchangeName, ex.Limit)
	if err != nil {
		return nil, err
	}

	store, err := state.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect shared store: %w", err)
	}

	pool, err := writer.OpenPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := writer.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		_ = store.Close()
		return nil, err
	}

	limiter := ratelimit.NewGCRA(store, exchangeName, ex.RateLimitPerMin, ex.Period, cfg.Fetcher.LockTimeout)

	var gate httpfetch.WeightGate
	if bn, ok := adapter.(*exchange.Binance); ok {
		limit := ex.WeightLimit
		if discovered := bn.WeightLimit(ctx); discovered > 0 {
			limit = discovered
		}
		if limit > 0 {
			gate = ratelimit.NewWeightManager(store, exchangeName, limit, ex.Period, cfg.Fetcher.LockTimeout)
			log.WithFields(logger.Fields{"exchange": exchangeName, "weight_limit": limit}).Info("request weight gate enabled")
		}
	}

	client := httpfetch.New(httpfetch.Config{
		Exchange:       exchangeName,
		MaxConnections: ex.MaxConnections,
		LocalRPS:       ex.LocalRPS,
		RetryAfter:     adapter.RetryAfter,
	}, store, limiter, gate)

	// Discovery calls share the rate-limited path.
	if s, ok := adapter.(interface{ SetFetcher(exchange.Fetcher) }); ok {
		s.SetFetcher(client)
	}

	orch := fetcher.New(adapter, queue.New(store, exchangeName), writer.NewBulk(pool), client, fetcher.Config{
		ConsumeBatch:     ex.ConsumeBatch,
		MaxParallel:      ex.MaxConnections,
		Update:           update,
		ReportUsedWeight: cfg.Metrics.UsedWeight,
	})

	return &app{orchestrator: orch, store: store, pool: pool}, nil
}

// startReport begins the periodic status report when the configured
// log level asks for it.
func startReport(ctx context.Context) {
	if cfg.Logging.Level == "report" {
		logger.StartReport(ctx, logger.GetLogger(), time.Minute)
	}
}
