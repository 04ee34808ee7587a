// Package queue provides the durable webhook job queue: Redis-backed in
// production, in-memory for tests and single-node setups.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobDuplicate = errors.New("job_duplicate")
	ErrJobNotFound  = errors.New("job_not_found")
	ErrNoJob        = errors.New("no_job")
)

// JobState is where a job currently lives inside the queue.
type JobState string

const (
	StateReady     JobState = "ready"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// visibilityTimeout bounds how long a claimed job may stay active before the
// queue assumes the worker died and hands the job out again. Handlers are
// idempotent, so an occasional double delivery is safe; a lost job is not.
const visibilityTimeout = 5 * time.Minute

// Job is one webhook delivery awaiting processing. The job ID doubles as
// the dedup key, so redelivered events never enqueue twice.
type Job struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// JobID builds the canonical dedup key for a provider event.
func JobID(provider, providerEventID string) string {
	return provider + ":" + providerEventID
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Ready     int64 `json:"ready"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the durable job queue contract.
type Queue interface {
	// Enqueue adds a job in the ready state. A job with the same ID that
	// is still tracked returns ErrJobDuplicate.
	Enqueue(ctx context.Context, job *Job) error

	// Claim promotes due delayed jobs, requeues active jobs whose worker
	// went silent past the visibility timeout, then moves one ready job to
	// the active state, or ErrNoJob.
	Claim(ctx context.Context) (*Job, error)

	// Complete marks a claimed job as done.
	Complete(ctx context.Context, job *Job) error

	// Fail records a failed attempt. The job is rescheduled with
	// exponential backoff until maxAttempts, then parked in the failed set.
	Fail(ctx context.Context, job *Job, jobErr error) error

	// Retry moves a failed job back to ready with its attempt count reset.
	Retry(ctx context.Context, jobID string) error

	// RetryAllFailed requeues every failed job and reports how many.
	RetryAllFailed(ctx context.Context) (int, error)

	// Jobs lists jobs parked in the completed or failed set, newest first.
	Jobs(ctx context.Context, state JobState, limit int) ([]*Job, error)

	// Stats reports queue depths per state.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup drops completed jobs finished before cutoff and returns how
	// many were removed. Failed jobs are kept; they hold the retry handle
	// until an operator requeues or purges them explicitly.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// Backoff returns the delay before retry number attempt, doubling from
// base: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return delay
}
