// Package exchange holds the per-venue adapters: symbol discovery,
// request construction, response parsing and window advancement for
// each supported exchange.
package exchange

import (
	"context"
	"net/http"
	"time"

	"candleflow/internal/httpfetch"
	"candleflow/models"
)

// Fetcher is the rate-limited HTTP path. Adapters route discovery
// calls through it so they draw from the same shared budget as candle
// fetches, with no private timeout.
type Fetcher interface {
	Get(ctx context.Context, url string, weight int64) httpfetch.Result
}

// Request is one outbound fetch built from a job. Fallbacks carries
// alternate hosts to try when the primary returns a terminal error.
type Request struct {
	URL       string
	Fallbacks []string
	// Section tags the endpoint variant ("hist"/"last" for Bitfinex,
	// "historical"/"recent" for Bittrex), recorded alongside errors.
	Section string
	Weight  int64
}

// Adapter is what one exchange contributes to the fetch pipeline.
type Adapter interface {
	Name() string

	// Interval is the venue's token for one-minute candles.
	Interval() string

	// Limit is the maximum rows a single request may return.
	Limit() int

	// DiscoverSymbols loads the venue's full tradable symbol universe.
	DiscoverSymbols(ctx context.Context) (models.SymbolMap, error)

	// BuildRequest constructs the fetch for job as of now.
	BuildRequest(job models.Job, now time.Time) Request

	// Parse decodes a response body into candle rows for pair. An
	// empty body or empty payload yields no rows and no error.
	Parse(body []byte, section string, pair models.Pair) ([]models.Candle, error)

	// RetryAfter extracts the venue's cool-down hint after a 429/418.
	RetryAfter(h http.Header) time.Duration

	// Advance returns the start of the job's next window. lastMS is
	// the newest row timestamp fetched, or zero when no rows came
	// back. A result at or past job.EndMS completes the job.
	Advance(job models.Job, lastMS int64) int64

	// SeedJobs expands one symbol into its initial jobs over
	// [startMS, endMS).
	SeedJobs(symbol string, startMS, endMS int64) []models.Job
}

// minuteMS is one candle interval in milliseconds.
const minuteMS = int64(60_000)

// advanceByLimit is the shared window rule: continue from the newest
// fetched row when it moved past start, otherwise skip a full page.
func advanceByLimit(job models.Job, lastMS int64) int64 {
	if lastMS > job.StartMS {
		return lastMS
	}
	return job.StartMS + minuteMS*int64(job.Limit)
}

// singleJob seeds one job spanning the whole range, the layout used by
// venues that page by row count.
func singleJob(symbol, interval string, startMS, endMS int64, limit, sort int) []models.Job {
	return []models.Job{{
		Symbol:   symbol,
		StartMS:  startMS,
		EndMS:    endMS,
		Interval: interval,
		Limit:    limit,
		Sort:     sort,
	}}
}
