package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/httpfetch"
	"candleflow/logger"
	"candleflow/models"
)

const (
	BittrexName = "bittrex"

	bittrexBaseURL   = "https://api.bittrex.com/v3"
	bittrexMarketURL = "https://api.bittrex.com/v3/markets"

	bittrexSectionHist   = "historical"
	bittrexSectionRecent = "recent"

	bittrexInterval = "MINUTE_1"
)

// bittrexWindowDays is the calendar window each interval's historical
// endpoint covers: one URL per day for minutes, per month for hours,
// per year for days.
var bittrexWindowDays = map[string]int{
	"MINUTE_1": 1,
	"MINUTE_5": 1,
	"HOUR_1":   31,
	"DAY_1":    366,
}

// Bittrex fetches candles from the Bittrex v3 REST API. Historical
// URLs address fixed calendar windows, so jobs are seeded one per
// window and complete after a single fetch.
type Bittrex struct {
	fetch Fetcher
	log   *logger.Entry
}

func NewBittrex() *Bittrex {
	return &Bittrex{
		log: logger.GetLogger().WithComponent("bittrex_adapter"),
	}
}

// SetFetcher wires the shared fetch client used for discovery.
func (b *Bittrex) SetFetcher(f Fetcher) { b.fetch = f }

func (b *Bittrex) Name() string     { return BittrexName }
func (b *Bittrex) Interval() string { return bittrexInterval }

// Limit is the row count of a full day of minute candles.
func (b *Bittrex) Limit() int { return 1440 }

type bittrexMarket struct {
	Symbol              string `json:"symbol"`
	BaseCurrencySymbol  string `json:"baseCurrencySymbol"`
	QuoteCurrencySymbol string `json:"quoteCurrencySymbol"`
	Status              string `json:"status"`
}

// DiscoverSymbols loads /v3/markets. Symbols are BASE-QUOTE, already
// structured.
func (b *Bittrex) DiscoverSymbols(ctx context.Context) (models.SymbolMap, error) {
	if b.fetch == nil {
		return nil, fmt.Errorf("bittrex markets: no fetch client configured")
	}
	res := b.fetch.Get(ctx, bittrexMarketURL, 0)
	if !res.OK() {
		return nil, fmt.Errorf("bittrex markets: %s", res.Message)
	}

	var markets []bittrexMarket
	if err := json.Unmarshal(res.Body, &markets); err != nil {
		return nil, fmt.Errorf("bittrex markets: %w", err)
	}

	out := make(models.SymbolMap, len(markets))
	for _, m := range markets {
		out[m.Symbol] = models.Pair{
			BaseID:  m.BaseCurrencySymbol,
			QuoteID: m.QuoteCurrencySymbol,
		}
	}
	return out, nil
}

// BuildRequest addresses the calendar window containing the job start:
// year/month/day paths for historical windows, the recent endpoint when
// the start is within the last two days.
func (b *Bittrex) BuildRequest(job models.Job, now time.Time) Request {
	start := models.MillisecondsToTime(job.StartMS)
	if now.Sub(start) < 48*time.Hour {
		return Request{
			URL:     fmt.Sprintf("%s/markets/%s/candles/%s/recent", bittrexBaseURL, job.Symbol, job.Interval),
			Section: bittrexSectionRecent,
		}
	}

	var path string
	switch job.Interval {
	case "HOUR_1":
		path = fmt.Sprintf("%d/%d", start.Year(), int(start.Month()))
	case "DAY_1":
		path = fmt.Sprintf("%d", start.Year())
	default:
		path = fmt.Sprintf("%d/%d/%d", start.Year(), int(start.Month()), start.Day())
	}
	return Request{
		URL: fmt.Sprintf("%s/markets/%s/candles/%s/%s/%s",
			bittrexBaseURL, job.Symbol, job.Interval, bittrexSectionHist, path),
		Section: bittrexSectionHist,
	}
}

type bittrexCandle struct {
	StartsAt time.Time `json:"startsAt"`
	Open     string    `json:"open"`
	High     string    `json:"high"`
	Low      string    `json:"low"`
	Close    string    `json:"close"`
	Volume   string    `json:"volume"`
}

// Parse decodes a candle list of string-valued OHLCV objects.
func (b *Bittrex) Parse(body []byte, section string, pair models.Pair) ([]models.Candle, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var raw []bittrexCandle
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("bittrex candles payload: %w", err)
	}

	out := make([]models.Candle, 0, len(raw))
	for _, c := range raw {
		vals := [5]decimal.Decimal{}
		for i, s := range []string{c.Open, c.High, c.Low, c.Close, c.Volume} {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("bittrex candle values: %w", err)
			}
			vals[i] = d
		}
		out = append(out, models.Candle{
			Timestamp: c.StartsAt.UTC(),
			Exchange:  BittrexName,
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

func (b *Bittrex) RetryAfter(h http.Header) time.Duration {
	return httpfetch.HeaderRetryAfter(h)
}

// Advance completes the job: every seeded job covers exactly one
// calendar window, there is no continuation paging.
func (b *Bittrex) Advance(job models.Job, lastMS int64) int64 {
	return job.EndMS
}

// SeedJobs emits one job per calendar window across the range.
func (b *Bittrex) SeedJobs(symbol string, startMS, endMS int64) []models.Job {
	days, ok := bittrexWindowDays[bittrexInterval]
	if !ok {
		days = 1
	}

	var jobs []models.Job
	cur := models.MillisecondsToTime(startMS)
	end := models.MillisecondsToTime(endMS)
	for cur.Before(end) {
		next := cur.AddDate(0, 0, days)
		if next.After(end) {
			next = end
		}
		jobs = append(jobs, models.Job{
			Symbol:   symbol,
			StartMS:  models.TimeToMilliseconds(cur),
			EndMS:    models.TimeToMilliseconds(next),
			Interval: bittrexInterval,
			Limit:    b.Limit(),
		})
		cur = next
	}
	return jobs
}
