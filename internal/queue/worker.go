package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/observability/metrics"
)

// Handler processes one claimed job. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Worker drains the queue: claim, dispatch, then complete or fail with
// backoff. One worker runs one claim loop; run several for parallelism.
type Worker struct {
	queue        Queue
	handler      Handler
	log          *zap.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	maxAttempts  int
}

func NewWorker(q Queue, handler Handler, log *zap.Logger, m *metrics.Metrics, pollInterval time.Duration, maxAttempts int) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		queue:        q,
		handler:      handler,
		log:          log.Named("queue.worker"),
		metrics:      m,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run drains jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	depthTicker := time.NewTicker(15 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-depthTicker.C:
			w.reportDepth(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims until the queue is empty so a burst is not throttled to one
// job per poll tick.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.RunOnce(ctx) {
			return
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// found.
func (w *Worker) RunOnce(ctx context.Context) bool {
	job, err := w.queue.Claim(ctx)
	if errors.Is(err, ErrNoJob) {
		return false
	}
	if err != nil {
		w.log.Error("claim failed", zap.Error(err))
		return false
	}

	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.Int("attempt", job.Attempt),
	)

	if handleErr := w.handler.Handle(ctx, job); handleErr != nil {
		log.Warn("job failed", zap.Error(handleErr))
		if job.Attempt >= w.maxAttempts {
			w.metrics.RecordQueueJob(metrics.OutcomeFailed)
		} else {
			w.metrics.RecordQueueJob(metrics.OutcomeRetried)
		}
		if err := w.queue.Fail(ctx, job, handleErr); err != nil {
			log.Error("recording failure failed", zap.Error(err))
		}
		return true
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		log.Error("recording completion failed", zap.Error(err))
		return true
	}
	w.metrics.RecordQueueJob(metrics.OutcomeCompleted)
	log.Info("job completed")
	return true
}

func (w *Worker) reportDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		w.log.Debug("queue stats unavailable", zap.Error(err))
		return
	}
	w.metrics.SetQueueDepth(string(StateReady), float64(stats.Ready))
	w.metrics.SetQueueDepth(string(StateDelayed), float64(stats.Delayed))
	w.metrics.SetQueueDepth(string(StateFailed), float64(stats.Failed))
}
