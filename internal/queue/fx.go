package queue

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	"github.com/craftlabs/craft/internal/observability/metrics"
)

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
	Cfg   config.Config
	Log   *zap.Logger
}

// NewQueue picks the Redis queue when a client is available and falls back
// to the in-process queue otherwise.
func NewQueue(p Params) Queue {
	if p.Redis == nil {
		p.Log.Warn("webhook queue running in-process; jobs do not survive restarts")
		return NewMemoryQueue(p.Clock, p.Cfg.QueueMaxAttempts, p.Cfg.QueueBackoffBase)
	}
	return NewRedisQueue(p.Redis, p.Clock, p.Log, p.Cfg.QueueMaxAttempts, p.Cfg.QueueBackoffBase)
}

type WorkerParams struct {
	fx.In

	Queue   Queue
	Handler Handler
	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func newWorker(p WorkerParams) *Worker {
	return NewWorker(p.Queue, p.Handler, p.Log, p.Metrics, 0, p.Cfg.QueueMaxAttempts)
}

func runWorker(lc fx.Lifecycle, w *Worker) {
	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				w.Run(workerCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// Module provides the queue itself.
var Module = fx.Module("queue",
	fx.Provide(NewQueue),
)

// WorkerModule additionally runs the claim loop. The worker binary and the
// monolith include it; the API-only binary does not.
var WorkerModule = fx.Module("queue.worker",
	fx.Provide(newWorker),
	fx.Invoke(runWorker),
)
