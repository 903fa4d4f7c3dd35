package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"candleflow/logger"
	"candleflow/models"
)

// fallbackBatchSize is the row count per pgx batch on the insert
// fallback path.
const fallbackBatchSize = 1000

var candleColumns = []string{
	"time", "exchange", "base_id", "quote_id",
	"open", "high", "low", "close", "volume",
}

// Bulk writes candle rows in bulk. The primary path is COPY inside a
// transaction; when that fails (typically on duplicate keys) the batch
// is rolled back and re-inserted row by row with conflict handling.
type Bulk struct {
	pool *pgxpool.Pool
	log  *logger.Entry
}

func NewBulk(pool *pgxpool.Pool) *Bulk {
	return &Bulk{
		pool: pool,
		log:  logger.GetLogger().WithComponent("writer"),
	}
}

// InsertCandles persists rows, rounding all decimal columns first.
// With update set, conflicting rows are overwritten instead of
// skipped.
func (w *Bulk) InsertCandles(ctx context.Context, rows []models.Candle, update bool) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i] = rows[i].Rounded()
	}

	if err := w.copyRows(ctx, rows); err == nil {
		return nil
	} else {
		w.log.WithError(err).Debug("copy path failed, falling back to conflict-handling inserts")
	}
	return w.insertRows(ctx, rows, update)
}

func (w *Bulk) copyRows(ctx context.Context, rows []models.Candle) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.CopyFrom(ctx, pgx.Identifier{candleTable}, candleColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			c := rows[i]
			return []interface{}{
				c.Timestamp, c.Exchange, c.BaseID, c.QuoteID,
				c.Open, c.High, c.Low, c.Close, c.Volume,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy %s: %w", candleTable, err)
	}
	return tx.Commit(ctx)
}

func (w *Bulk) insertRows(ctx context.Context, rows []models.Candle, update bool) error {
	stmt := `INSERT INTO ohlcvs
		(time, exchange, base_id, quote_id, open, high, low, close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (time, exchange, base_id, quote_id) DO NOTHING`
	if update {
		stmt = `INSERT INTO ohlcvs
			(time, exchange, base_id, quote_id, open, high, low, close, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (time, exchange, base_id, quote_id) DO UPDATE SET
			(open, high, low, close, volume) =
			(EXCLUDED.open, EXCLUDED.high, EXCLUDED.low, EXCLUDED.close, EXCLUDED.volume)`
	}

	for i := 0; i < len(rows); i += fallbackBatchSize {
		j := i + fallbackBatchSize
		if j > len(rows) {
			j = len(rows)
		}
		b := &pgx.Batch{}
		for _, c := range rows[i:j] {
			b.Queue(stmt,
				c.Timestamp, c.Exchange, c.BaseID, c.QuoteID,
				c.Open, c.High, c.Low, c.Close, c.Volume)
		}
		br := w.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert %s: %w", candleTable, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("insert %s: %w", candleTable, err)
		}
	}
	return nil
}

// InsertError records one fetch failure with duplicate-ignore. A zero
// HTTP status is stored as NULL.
func (w *Bulk) InsertError(ctx context.Context, rec models.ErrorRecord) error {
	var status interface{}
	if rec.HTTPStatus != 0 {
		status = rec.HTTPStatus
	}
	_, err := w.pool.Exec(ctx, `INSERT INTO ohlcvs_errors
		(exchange, symbol, start_date, end_date, time_frame,
		 ohlcv_section, resp_status_code, exception_class, exception_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT DO NOTHING`,
		rec.Exchange, rec.Symbol, rec.StartTS, rec.EndTS, rec.Interval,
		nullableString(rec.Section), status, string(rec.Kind), rec.Message)
	if err != nil {
		return fmt.Errorf("insert %s: %w", errorTable, err)
	}
	return nil
}

// UpsertSymbols republishes the discovered symbol universe, updating
// the venue-native symbol on conflict.
func (w *Bulk) UpsertSymbols(ctx context.Context, infos []models.SymbolInfo) error {
	if len(infos) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, s := range infos {
		b.Queue(`INSERT INTO symbol_exchange (exchange, base_id, quote_id, symbol)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (exchange, base_id, quote_id) DO UPDATE SET symbol = EXCLUDED.symbol`,
			s.Exchange, s.BaseID, s.QuoteID, s.Symbol)
	}
	br := w.pool.SendBatch(ctx, b)
	for range infos {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert %s: %w", symbolTable, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upsert %s: %w", symbolTable, err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
