package models

import (
	"fmt"
	"strconv"
	"strings"
)

// JobDelimiter separates the fields of a serialised fetch job inside the
// shared-store sets.
const JobDelimiter = ";;"

// Job is one bounded time-window fetch unit for a single symbol.
// StartMS is the inclusive lower bound of the next window to request and
// EndMS is the campaign's hard upper bound. Sort is only meaningful for
// exchanges that support it (Bitfinex); zero means unset and is omitted
// from the serialised form.
type Job struct {
	Symbol   string
	StartMS  int64
	EndMS    int64
	Interval string
	Limit    int
	Sort     int
}

// Done reports whether the job's window has been exhausted.
func (j Job) Done() bool {
	return j.StartMS >= j.EndMS
}

// String serialises the job for queue storage, e.g.
// "BTCUSD;;1000000;;2000000;;1m;;9500;;1".
func (j Job) String() string {
	fields := []string{
		j.Symbol,
		strconv.FormatInt(j.StartMS, 10),
		strconv.FormatInt(j.EndMS, 10),
		j.Interval,
		strconv.Itoa(j.Limit),
	}
	if j.Sort != 0 {
		fields = append(fields, strconv.Itoa(j.Sort))
	}
	return strings.Join(fields, JobDelimiter)
}

// ParseJob is the inverse of Job.String.
func ParseJob(s string) (Job, error) {
	parts := strings.Split(s, JobDelimiter)
	if len(parts) < 5 || len(parts) > 6 {
		return Job{}, fmt.Errorf("job %q: expected 5 or 6 fields, got %d", s, len(parts))
	}

	var (
		job Job
		err error
	)
	job.Symbol = parts[0]
	if job.StartMS, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return Job{}, fmt.Errorf("job %q: bad start: %w", s, err)
	}
	if job.EndMS, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return Job{}, fmt.Errorf("job %q: bad end: %w", s, err)
	}
	job.Interval = parts[3]
	if job.Limit, err = strconv.Atoi(parts[4]); err != nil {
		return Job{}, fmt.Errorf("job %q: bad limit: %w", s, err)
	}
	if len(parts) == 6 {
		if job.Sort, err = strconv.Atoi(parts[5]); err != nil {
			return Job{}, fmt.Errorf("job %q: bad sort: %w", s, err)
		}
	}
	return job, nil
}
