// Package queue stores fetch jobs durably in the shared store. Every
// campaign's pending work lives in a to-fetch set and the checked-out
// batch in a fetching set, so a crashed worker's jobs can be recovered
// on the next start.
package queue

import (
	"context"
	"fmt"

	"candleflow/internal/state"
	"candleflow/models"
)

// Shared-store key patterns, per exchange.
const (
	tofetchKey  = "ohlcvs_tofetch_%s"
	fetchingKey = "ohlcvs_fetching_%s"
)

// JobQueue is the durable to_fetch / in_flight pair for one exchange.
// Both sides are sets: re-enqueueing a continuation job equal to an
// existing entry collapses instead of inflating the workload.
type JobQueue struct {
	store    state.Store
	tofetch  string
	fetching string
}

// New returns the queue pair for an exchange.
func New(store state.Store, exchange string) *JobQueue {
	return &JobQueue{
		store:    store,
		tofetch:  fmt.Sprintf(tofetchKey, exchange),
		fetching: fmt.Sprintf(fetchingKey, exchange),
	}
}

// Seed adds jobs to the to-fetch set.
func (q *JobQueue) Seed(ctx context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	members := make([]string, len(jobs))
	for i, job := range jobs {
		members[i] = job.String()
	}
	return q.store.SAdd(ctx, q.tofetch, members...)
}

// PopBatch removes up to n jobs from to-fetch, marks them in-flight and
// returns them. Jobs that fail to parse are dropped from the queue with
// an error.
func (q *JobQueue) PopBatch(ctx context.Context, n int) ([]models.Job, error) {
	members, err := q.store.SPopN(ctx, q.tofetch, int64(n))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	if err := q.store.SAdd(ctx, q.fetching, members...); err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(members))
	for _, member := range members {
		job, err := models.ParseJob(member)
		if err != nil {
			// A malformed member can never complete; drop it rather
			// than cycling it forever.
			_ = q.store.SRem(ctx, q.fetching, member)
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack retires jobs from the in-flight set.
func (q *JobQueue) Ack(ctx context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	members := make([]string, len(jobs))
	for i, job := range jobs {
		members[i] = job.String()
	}
	return q.store.SRem(ctx, q.fetching, members...)
}

// Recover moves every in-flight job back to to-fetch. Called once at
// orchestrator startup; this is the at-least-once recovery step.
func (q *JobQueue) Recover(ctx context.Context) (int, error) {
	count, err := q.store.SCard(ctx, q.fetching)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	members, err := q.store.SPopN(ctx, q.fetching, count)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := q.store.SAdd(ctx, q.tofetch, members...); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Counts returns the current sizes of the to-fetch and in-flight sets.
func (q *JobQueue) Counts(ctx context.Context) (tofetch, fetching int64, err error) {
	if tofetch, err = q.store.SCard(ctx, q.tofetch); err != nil {
		return 0, 0, err
	}
	if fetching, err = q.store.SCard(ctx, q.fetching); err != nil {
		return 0, 0, err
	}
	return tofetch, fetching, nil
}
