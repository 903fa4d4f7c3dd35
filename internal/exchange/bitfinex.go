package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/httpfetch"
	"candleflow/logger"
	"candleflow/models"
)

const (
	BitfinexName = "bitfinex"

	bitfinexCandleURL   = "https://api-pub.bitfinex.com/v2/candles"
	bitfinexPairsURL    = "https://api-pub.bitfinex.com/v2/conf/pub:list:pair:exchange"
	bitfinexCurrencyURL = "https://api-pub.bitfinex.com/v2/conf/pub:list:currency"

	bitfinexSectionHist = "hist"
	bitfinexSectionLast = "last"

	bitfinexInterval = "1m"
	bitfinexLimit    = 9500
)

// Bitfinex fetches candles from the Bitfinex v2 public REST API.
// Candle arrays arrive as [mts, open, close, high, low, volume] and
// symbols carry no separator, so pairs are recovered by splitting
// against the published currency list.
type Bitfinex struct {
	fetch Fetcher
	limit int
	log   *logger.Entry
}

// NewBitfinex builds the adapter; limit caps rows per hist request and
// falls back to the venue maximum when zero.
func NewBitfinex(limit int) *Bitfinex {
	if limit <= 0 {
		limit = bitfinexLimit
	}
	return &Bitfinex{
		limit: limit,
		log:   logger.GetLogger().WithComponent("bitfinex_adapter"),
	}
}

// SetFetcher wires the shared fetch client used for discovery.
func (b *Bitfinex) SetFetcher(f Fetcher) { b.fetch = f }

func (b *Bitfinex) Name() string     { return BitfinexName }
func (b *Bitfinex) Interval() string { return bitfinexInterval }
func (b *Bitfinex) Limit() int       { return b.limit }

// DiscoverSymbols loads the tradable pair list and the currency list,
// then splits every pair symbol into base and quote.
func (b *Bitfinex) DiscoverSymbols(ctx context.Context) (models.SymbolMap, error) {
	var pairs []string
	if err := b.getConfList(ctx, bitfinexPairsURL, &pairs); err != nil {
		return nil, fmt.Errorf("bitfinex pair list: %w", err)
	}
	var currencies []string
	if err := b.getConfList(ctx, bitfinexCurrencyURL, &currencies); err != nil {
		return nil, fmt.Errorf("bitfinex currency list: %w", err)
	}

	out := make(models.SymbolMap, len(pairs))
	for _, symbol := range pairs {
		pair, ok := SplitBitfinexSymbol(symbol, currencies)
		if !ok {
			b.log.WithSymbol(symbol).Warn("could not split symbol against currency list, skipping")
			continue
		}
		out[symbol] = pair
	}
	return out, nil
}

// getConfList fetches a Bitfinex conf endpoint, which wraps its payload
// in an outer single-element array.
func (b *Bitfinex) getConfList(ctx context.Context, url string, dst *[]string) error {
	if b.fetch == nil {
		return fmt.Errorf("no fetch client configured")
	}
	res := b.fetch.Get(ctx, url, 0)
	if !res.OK() {
		return fmt.Errorf("%s", res.Message)
	}
	var outer [][]string
	if err := json.Unmarshal(res.Body, &outer); err != nil {
		return err
	}
	if len(outer) == 0 {
		return fmt.Errorf("empty conf payload")
	}
	*dst = outer[0]
	return nil
}

// SplitBitfinexSymbol recovers (base, quote) from a separator-less
// symbol such as "1INCHUSD" using the venue's currency list. Candidate
// currencies are tried longest first for the base position; when both
// orientations of a candidate fit, the prefix match wins, so "USTUSD"
// resolves to base UST, quote USD.
func SplitBitfinexSymbol(symbol string, currencies []string) (models.Pair, bool) {
	// Colon-separated symbols ("BTSE:USD") split directly.
	if base, quote, found := strings.Cut(symbol, ":"); found {
		return models.Pair{BaseID: base, QuoteID: quote}, true
	}

	candidates := make([]string, 0, 4)
	for _, cur := range currencies {
		if cur == "" || len(cur) >= len(symbol) {
			continue
		}
		if strings.HasPrefix(symbol, cur) || strings.HasSuffix(symbol, cur) {
			candidates = append(candidates, cur)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	inList := func(s string) bool {
		for _, cur := range currencies {
			if cur == s {
				return true
			}
		}
		return false
	}

	for _, cand := range candidates {
		if strings.HasPrefix(symbol, cand) {
			rest := symbol[len(cand):]
			if inList(rest) {
				return models.Pair{BaseID: cand, QuoteID: rest}, true
			}
		}
	}
	for _, cand := range candidates {
		if strings.HasSuffix(symbol, cand) {
			rest := symbol[:len(symbol)-len(cand)]
			if inList(rest) {
				return models.Pair{BaseID: rest, QuoteID: cand}, true
			}
		}
	}
	return models.Pair{}, false
}

// BuildRequest selects the hist endpoint for windows further than one
// minute in the past and the last endpoint otherwise.
func (b *Bitfinex) BuildRequest(job models.Job, now time.Time) Request {
	symbol := "t" + job.Symbol
	if now.UnixMilli()-job.StartMS > minuteMS {
		return Request{
			URL: fmt.Sprintf("%s/trade:%s:%s/%s?limit=%d&start=%d&end=%d&sort=%d",
				bitfinexCandleURL, job.Interval, symbol, bitfinexSectionHist,
				job.Limit, job.StartMS, job.EndMS, job.Sort),
			Section: bitfinexSectionHist,
		}
	}
	return Request{
		URL: fmt.Sprintf("%s/trade:%s:%s/%s?sort=%d",
			bitfinexCandleURL, job.Interval, symbol, bitfinexSectionLast, job.Sort),
		Section: bitfinexSectionLast,
	}
}

// Parse decodes hist responses (array of candle arrays) or last
// responses (a single candle array) into rows.
func (b *Bitfinex) Parse(body []byte, section string, pair models.Pair) ([]models.Candle, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var raw [][]json.Number
	if section == bitfinexSectionLast {
		var single []json.Number
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("bitfinex last payload: %w", err)
		}
		if len(single) > 0 {
			raw = append(raw, single)
		}
	} else {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("bitfinex hist payload: %w", err)
		}
	}

	out := make([]models.Candle, 0, len(raw))
	for _, c := range raw {
		if len(c) < 6 {
			return nil, fmt.Errorf("bitfinex candle: expected 6 fields, got %d", len(c))
		}
		ts, err := c[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("bitfinex candle timestamp: %w", err)
		}
		vals, err := parseDecimals(c[1:6])
		if err != nil {
			return nil, fmt.Errorf("bitfinex candle values: %w", err)
		}
		// Array order is open, close, high, low, volume.
		out = append(out, models.Candle{
			Timestamp: models.MillisecondsToTime(ts),
			Exchange:  BitfinexName,
			BaseID:    pair.BaseID,
			QuoteID:   pair.QuoteID,
			Open:      vals[0],
			High:      vals[2],
			Low:       vals[3],
			Close:     vals[1],
			Volume:    vals[4],
		})
	}
	return out, nil
}

func (b *Bitfinex) RetryAfter(h http.Header) time.Duration {
	return httpfetch.HeaderRetryAfter(h)
}

func (b *Bitfinex) Advance(job models.Job, lastMS int64) int64 {
	return advanceByLimit(job, lastMS)
}

func (b *Bitfinex) SeedJobs(symbol string, startMS, endMS int64) []models.Job {
	return singleJob(symbol, bitfinexInterval, startMS, endMS, b.limit, 1)
}

func parseDecimals(nums []json.Number) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(nums))
	for i, n := range nums {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
