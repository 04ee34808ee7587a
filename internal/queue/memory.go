package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/craftlabs/craft/internal/clock"
)

// MemoryQueue mirrors RedisQueue semantics in process memory. It backs tests
// and single-node deployments that run without Redis.
type MemoryQueue struct {
	mu          sync.Mutex
	clock       clock.Clock
	maxAttempts int
	backoffBase time.Duration

	jobs    map[string]*Job
	ready   []string
	active  map[string]time.Time
	delayed map[string]time.Time
	states  map[string]JobState
}

func NewMemoryQueue(clk clock.Clock, maxAttempts int, backoffBase time.Duration) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = time.Minute
	}
	return &MemoryQueue{
		clock:       clk,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		jobs:        map[string]*Job{},
		active:      map[string]time.Time{},
		delayed:     map[string]time.Time{},
		states:      map[string]JobState{},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = JobID(job.Provider, job.EventID)
	}
	if _, exists := q.jobs[job.ID]; exists {
		return ErrJobDuplicate
	}
	job.EnqueuedAt = q.clock.Now()
	stored := *job
	q.jobs[job.ID] = &stored
	q.ready = append(q.ready, job.ID)
	q.states[job.ID] = StateReady
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()
	if len(q.ready) == 0 {
		return nil, ErrNoJob
	}
	jobID := q.ready[0]
	q.ready = q.ready[1:]

	job, ok := q.jobs[jobID]
	if !ok {
		delete(q.states, jobID)
		return nil, ErrNoJob
	}
	q.active[jobID] = q.clock.Now()
	q.states[jobID] = StateActive
	job.Attempt++
	claimed := *job
	return &claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.FinishedAt = q.clock.Now()
	job.LastError = ""
	stored := *job
	q.jobs[job.ID] = &stored
	delete(q.active, job.ID)
	q.states[job.ID] = StateCompleted
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.LastError = jobErr.Error()
	delete(q.active, job.ID)
	if job.Attempt >= q.maxAttempts {
		job.FinishedAt = q.clock.Now()
		stored := *job
		q.jobs[job.ID] = &stored
		q.states[job.ID] = StateFailed
		return nil
	}

	job.NextRunAt = q.clock.Now().Add(Backoff(q.backoffBase, job.Attempt))
	stored := *job
	q.jobs[job.ID] = &stored
	q.delayed[job.ID] = job.NextRunAt
	q.states[job.ID] = StateDelayed
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.states[jobID] != StateFailed {
		return ErrJobNotFound
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Attempt = 0
	job.LastError = ""
	job.FinishedAt = time.Time{}
	job.NextRunAt = time.Time{}
	q.ready = append(q.ready, jobID)
	q.states[jobID] = StateReady
	return nil
}

func (q *MemoryQueue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	failed := make([]string, 0)
	for id, state := range q.states {
		if state == StateFailed {
			failed = append(failed, id)
		}
	}
	q.mu.Unlock()

	sort.Strings(failed)
	var errs []error
	retried := 0
	for _, id := range failed {
		if err := q.Retry(ctx, id); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		retried++
	}
	return retried, errors.Join(errs...)
}

func (q *MemoryQueue) Jobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if state != StateCompleted && state != StateFailed {
		return nil, fmt.Errorf("listing %s jobs is not supported", state)
	}
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0)
	for id, jobState := range q.states {
		if jobState != state {
			continue
		}
		copied := *q.jobs[id]
		jobs = append(jobs, &copied)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].FinishedAt.After(jobs[j].FinishedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Ready: int64(len(q.ready))}
	for _, state := range q.states {
		switch state {
		case StateActive:
			stats.Active++
		case StateDelayed:
			stats.Delayed++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Cleanup purges completed jobs only; failed jobs keep their retry handle.
func (q *MemoryQueue) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, state := range q.states {
		if state != StateCompleted {
			continue
		}
		job := q.jobs[id]
		if job == nil || job.FinishedAt.IsZero() || !job.FinishedAt.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		delete(q.states, id)
		removed++
	}
	return removed, nil
}

func (q *MemoryQueue) promoteLocked() {
	now := q.clock.Now()
	for id, claimedAt := range q.active {
		if now.Sub(claimedAt) < visibilityTimeout {
			continue
		}
		delete(q.active, id)
		q.ready = append(q.ready, id)
		q.states[id] = StateReady
	}
	for id, due := range q.delayed {
		if due.After(now) {
			continue
		}
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
		q.states[id] = StateReady
	}
}
