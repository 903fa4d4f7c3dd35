// Package writer persists candle rows, fetch errors and the symbol
// universe to PostgreSQL in bulk.
package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"candleflow/logger"
)

// OpenPool connects a pgx pool and verifies it with a ping.
func OpenPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const (
	candleTable = "ohlcvs"
	errorTable  = "ohlcvs_errors"
	symbolTable = "symbol_exchange"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ohlcvs (
		time        timestamptz NOT NULL,
		exchange    varchar(32) NOT NULL,
		base_id     varchar(32) NOT NULL,
		quote_id    varchar(32) NOT NULL,
		open        numeric,
		high        numeric,
		low         numeric,
		close       numeric,
		volume      numeric,
		PRIMARY KEY (time, exchange, base_id, quote_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ohlcvs_errors (
		exchange          varchar(32) NOT NULL,
		symbol            varchar(64) NOT NULL,
		start_date        timestamptz NOT NULL,
		end_date          timestamptz NOT NULL,
		time_frame        varchar(16) NOT NULL,
		ohlcv_section     varchar(16),
		resp_status_code  smallint,
		exception_class   text NOT NULL,
		exception_message text,
		UNIQUE (exchange, symbol, start_date, end_date, time_frame,
			exception_class)
	)`,
	`CREATE TABLE IF NOT EXISTS symbol_exchange (
		exchange varchar(32) NOT NULL,
		base_id  varchar(32) NOT NULL,
		quote_id varchar(32) NOT NULL,
		symbol   varchar(64) NOT NULL,
		UNIQUE (exchange, base_id, quote_id)
	)`,
}

// EnsureSchema creates the three tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	log := logger.GetLogger().WithComponent("writer")
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Info("database schema ensured")
	return nil
}
