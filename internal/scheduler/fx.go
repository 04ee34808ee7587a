package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	obsmetrics "github.com/craftlabs/craft/internal/observability/metrics"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/ratelimit"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
)

type Params struct {
	fx.In

	Subscriptions subdomain.Service
	Credits       creditdomain.Service
	Webhooks      webhookdomain.Service
	Queue         queue.Queue
	Policy        *config.BillingPolicyHolder
	Locker        *ratelimit.Locker `optional:"true"`
	Cfg           config.Config
	Log           *zap.Logger
	Metrics       *obsmetrics.Metrics `optional:"true"`
	Clock         clock.Clock
}

func NewScheduler(p Params) *Scheduler {
	graceDays := int(p.Cfg.QueueCleanupGrace.Hours() / 24)
	jobs := []Job{
		&CreditResetJob{Subscriptions: p.Subscriptions, BatchSize: p.Cfg.SchedulerBatchSize},
		&ReferralAwardJob{Credits: p.Credits, Policy: p.Policy, Clock: p.Clock},
		&WebhookCleanupJob{Webhooks: p.Webhooks, Queue: p.Queue, Clock: p.Clock, GraceDays: graceDays},
	}
	return New(jobs, p.Locker, p.Log, p.Metrics, p.Clock, p.Cfg.SchedulerInterval)
}

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	schedCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				s.Run(schedCtx)
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

// Module provides the scheduler for on-demand cron triggers.
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
)

// TickerModule additionally runs the interval loop. The scheduler binary and
// the monolith include it; API-only instances rely on the cron endpoints.
var TickerModule = fx.Module("scheduler.ticker",
	fx.Provide(NewScheduler),
	fx.Invoke(runScheduler),
)
