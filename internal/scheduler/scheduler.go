// Package scheduler runs the periodic billing jobs: period resets, referral
// awards and webhook cleanup. Jobs are idempotent, so the schedule only
// bounds staleness; a distributed lock keeps multi-instance deployments from
// running the same job concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
	obsmetrics "github.com/craftlabs/craft/internal/observability/metrics"
	"github.com/craftlabs/craft/internal/ratelimit"
)

var (
	ErrJobNotFound = errors.New("job_not_found")
	ErrJobLocked   = errors.New("job_already_running")
)

// lockTTL bounds how long a crashed holder can block a job.
const lockTTL = 5 * time.Minute

// Job is one idempotent unit of scheduled work. Run returns a
// JSON-marshalable summary for the cron response body.
type Job interface {
	Name() string
	Run(ctx context.Context) (any, error)
}

type Scheduler struct {
	jobs     []Job
	byName   map[string]Job
	locker   *ratelimit.Locker
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
	clock    clock.Clock
	interval time.Duration
}

func New(jobs []Job, locker *ratelimit.Locker, log *zap.Logger, m *obsmetrics.Metrics, clk clock.Clock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	byName := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name()] = job
	}
	return &Scheduler{
		jobs:     jobs,
		byName:   byName,
		locker:   locker,
		log:      log.Named("scheduler"),
		metrics:  m,
		clock:    clk,
		interval: interval,
	}
}

// JobNames lists the registered jobs in run order.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name())
	}
	return names
}

// RunJob runs one named job under its lock and returns the job's summary.
// ErrJobLocked means another instance holds the lock right now.
func (s *Scheduler) RunJob(ctx context.Context, name string) (any, error) {
	job, ok := s.byName[name]
	if !ok {
		return nil, ErrJobNotFound
	}

	lockKey := "cron:lock:" + name
	token, acquired, err := s.locker.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", name, err)
	}
	if !acquired {
		return nil, ErrJobLocked
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()

	started := s.clock.Now()
	summary, runErr := job.Run(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(started))

	if runErr != nil {
		s.log.Error("job finished with errors",
			zap.String("job", name),
			zap.Error(runErr),
		)
		return summary, runErr
	}
	s.log.Info("job finished",
		zap.String("job", name),
		zap.Any("summary", summary),
	)
	return summary, nil
}

// RunAll runs every registered job once. Partial failures are joined so one
// broken job never starves the others.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := s.RunJob(ctx, job.Name()); err != nil && !errors.Is(err, ErrJobLocked) {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunAll(ctx); err != nil {
				s.log.Warn("scheduler tick finished with errors", zap.Error(err))
			}
		}
	}
}
