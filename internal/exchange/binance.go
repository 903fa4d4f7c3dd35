package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"candleflow/internal/httpfetch"
	"candleflow/logger"
	"candleflow/models"
)

const (
	BinanceName = "binance"

	binanceInterval = "1m"
	binanceLimit    = 1000

	// Weight cost per endpoint, from the venue's published table.
	binanceKlinesWeight       = int64(1)
	binanceExchangeInfoWeight = int64(10)

	// DefaultBinanceWeightLimit is the fallback REQUEST_WEIGHT per
	// minute budget used when exchangeInfo discovery fails.
	DefaultBinanceWeightLimit = int64(1200)
)

var binanceHosts = []string{
	"https://api.binance.com/api/v3",
	"https://api1.binance.com/api/v3",
	"https://api2.binance.com/api/v3",
	"https://api3.binance.com/api/v3",
}

// Binance fetches klines from the Binance spot REST API. Symbol
// discovery goes through the exchangeInfo service, which also reports
// the REQUEST_WEIGHT budget enforced by the weight gate.
type Binance struct {
	client *binance.Client
	limit  int
	log    *logger.Entry
}

// NewBinance builds the adapter; limit caps rows per klines request and
// falls back to the venue maximum when zero.
func NewBinance(limit int) *Binance {
	if limit <= 0 {
		limit = binanceLimit
	}
	return &Binance{
		client: binance.NewClient("", ""),
		limit:  limit,
		log:    logger.GetLogger().WithComponent("binance_adapter"),
	}
}

func (b *Binance) Name() string     { return BinanceName }
func (b *Binance) Interval() string { return binanceInterval }
func (b *Binance) Limit() int       { return b.limit }

// DiscoverSymbols returns all symbols currently in TRADING status.
// Base and quote arrive structured, no splitting needed.
func (b *Binance) DiscoverSymbols(ctx context.Context) (models.SymbolMap, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchangeInfo: %w", err)
	}
	out := make(models.SymbolMap, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out[s.Symbol] = models.Pair{BaseID: s.BaseAsset, QuoteID: s.QuoteAsset}
	}
	return out, nil
}

// WeightLimit reads the REQUEST_WEIGHT per minute limit from
// exchangeInfo, falling back to the published default.
func (b *Binance) WeightLimit(ctx context.Context) int64 {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		b.log.WithError(err).Warn("exchangeInfo unavailable, using default weight limit")
		return DefaultBinanceWeightLimit
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit
		}
	}
	return DefaultBinanceWeightLimit
}

// BuildRequest builds the klines URL on the primary host with the
// remaining hosts as fallbacks.
func (b *Binance) BuildRequest(job models.Job, now time.Time) Request {
	path := fmt.Sprintf("/klines?symbol=%s&interval=%s&startTime=%d&limit=%d",
		job.Symbol, job.Interval, job.StartMS, job.Limit)
	fallbacks := make([]string, 0, len(binanceHosts)-1)
	for _, host := range binanceHosts[1:] {
		fallbacks = append(fallbacks, host+path)
	}
	return Request{
		URL:       binanceHosts[0] + path,
		Fallbacks: fallbacks,
		Weight:    binanceKlinesWeight,
	}
}

// Parse decodes a klines response. Each kline mixes a numeric open
// time with string prices; only the first six fields (openTime, o, h,
// l, c, volume) are kept.
func (b *Binance) Parse(body []byte, section string, pair models.Pair) ([]models.Candle, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance klines payload: %w", err)
	}

	out := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("binance kline: expected at least 6 fields, got %d", len(k))
		}
		var ts int64
		if err := json.Unmarshal(k[0], &ts); err != nil {
			return nil, fmt.Errorf("binance kline timestamp: %w", err)
		}
		vals, err := parseRawDecimals(k[1:6])
		if err != nil {
			return nil, fmt.Errorf("binance kline values: %w", err)
		}
		out = append(out, models.Candle{
			Timestamp: models.MillisecondsToTime(ts),
			Exchange:  BinanceName,
			BaseID:    pair.BaseID,
			QuoteID:   pair.QuoteID,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return out, nil
}

func (b *Binance) RetryAfter(h http.Header) time.Duration {
	return httpfetch.HeaderRetryAfter(h)
}

func (b *Binance) Advance(job models.Job, lastMS int64) int64 {
	return advanceByLimit(job, lastMS)
}

func (b *Binance) SeedJobs(symbol string, startMS, endMS int64) []models.Job {
	return singleJob(symbol, binanceInterval, startMS, endMS, b.limit, 0)
}

// parseRawDecimals converts kline value fields, which arrive as JSON
// strings, into decimals.
func parseRawDecimals(raw []json.RawMessage) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// UsedWeight reads the venue-reported used weight gauge from a
// response header.
func UsedWeight(h http.Header) int64 {
	used, _ := strconv.ParseInt(h.Get("X-MBX-USED-WEIGHT-1m"), 10, 64)
	return used
}
