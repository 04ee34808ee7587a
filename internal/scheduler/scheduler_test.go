package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	accountdomain "github.com/craftlabs/craft/internal/account/domain"
	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	creditservice "github.com/craftlabs/craft/internal/credit/service"
	"github.com/craftlabs/craft/internal/queue"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	subservice "github.com/craftlabs/craft/internal/subscription/service"
	"github.com/craftlabs/craft/internal/webhook/adapters"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
	webhookservice "github.com/craftlabs/craft/internal/webhook/service"
)

type fixture struct {
	scheduler *Scheduler
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	queue     *queue.MemoryQueue
	credits   creditdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.User{},
		&subdomain.Subscription{},
		&creditdomain.CreditUsage{},
		&creditdomain.CreditGrant{},
		&creditdomain.Referral{},
		&creditdomain.ReferralCredit{},
		&webhookdomain.WebhookEvent{},
	))

	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	memQueue := queue.NewMemoryQueue(clk, 5, time.Minute)

	subs := subservice.NewService(subservice.Params{DB: db, Log: log, Clock: clk})
	credits := creditservice.NewService(creditservice.Params{
		DB: db, Log: log, GenID: node, Cfg: config.Config{}, Clock: clk,
	})
	registry, err := adapters.NewRegistry()
	require.NoError(t, err)
	webhooks := webhookservice.NewService(webhookservice.Params{
		DB: db, Log: log, GenID: node, Registry: registry, Queue: memQueue, Clock: clk,
	})

	sched := NewScheduler(Params{
		Subscriptions: subs,
		Credits:       credits,
		Webhooks:      webhooks,
		Queue:         memQueue,
		Policy:        config.NewStaticBillingPolicyHolder(config.BillingPolicy{ReferralAwardMinor: 500}),
		Cfg: config.Config{
			SchedulerBatchSize: 10,
			SchedulerInterval:  time.Minute,
			QueueCleanupGrace:  7 * 24 * time.Hour,
		},
		Log:   log,
		Clock: clk,
	})
	return &fixture{scheduler: sched, db: db, node: node, clock: clk, queue: memQueue, credits: credits}
}

func (f *fixture) seedUser(t *testing.T) snowflake.ID {
	t.Helper()
	user := accountdomain.User{
		ID:       f.node.Generate(),
		Email:    f.node.Generate().String() + "@example.com",
		Currency: "USD",
	}
	require.NoError(t, f.db.Create(&user).Error)
	return user.ID
}

func TestRunJobUnknownName(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.RunJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobNames(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"credit-reset", "referral-award", "webhook-cleanup"}, f.scheduler.JobNames())
}

func TestCreditResetJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	sub := subdomain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             f.seedUser(t),
		PlanID:             f.node.Generate(),
		Status:             subdomain.SubscriptionStatusActive,
		CurrentPeriodStart: now.Add(-subdomain.PeriodLength - time.Hour),
		CurrentPeriodEnd:   now.Add(-time.Hour),
		CreditsUsed:        4200,
	}
	require.NoError(t, f.db.Create(&sub).Error)

	summary, err := f.scheduler.RunJob(ctx, "credit-reset")
	require.NoError(t, err)
	assert.Equal(t, subdomain.ResetSummary{Processed: 1}, summary)

	var got subdomain.Subscription
	require.NoError(t, f.db.Take(&got, "id = ?", sub.ID).Error)
	assert.Zero(t, got.CreditsUsed)
	assert.True(t, got.CurrentPeriodEnd.After(now))
}

func TestReferralAwardJobIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	referrer := f.seedUser(t)
	referred := f.seedUser(t)
	require.NoError(t, f.db.Create(&creditdomain.Referral{
		ID:         f.node.Generate(),
		ReferrerID: referrer,
		ReferredID: referred,
		Active:     true,
	}).Error)

	summary, err := f.scheduler.RunJob(ctx, "referral-award")
	require.NoError(t, err)
	assert.Equal(t, referralAwardSummary{Month: "2026-08", Created: 1}, summary)

	balance, err := f.credits.Balance(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	// Same month, second run: no double award.
	summary, err = f.scheduler.RunJob(ctx, "referral-award")
	require.NoError(t, err)
	assert.Equal(t, referralAwardSummary{Month: "2026-08", Skipped: 1}, summary)

	// Next month awards again.
	f.clock.Advance(31 * 24 * time.Hour)
	summary, err = f.scheduler.RunJob(ctx, "referral-award")
	require.NoError(t, err)
	assert.Equal(t, referralAwardSummary{Month: "2026-10", Created: 1}, summary)

	balance, err = f.credits.Balance(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestWebhookCleanupJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := webhookdomain.WebhookEvent{
		ID:              f.node.Generate(),
		Provider:        "polar",
		ProviderEventID: "evt_old",
		EventType:       webhookdomain.EventTypePaymentCaptured,
		Payload:         []byte(`{}`),
		Status:          webhookdomain.EventStatusCompleted,
		ReceivedAt:      f.clock.Now().Add(-8 * 24 * time.Hour),
	}
	require.NoError(t, f.db.Create(&stale).Error)

	require.NoError(t, f.queue.Enqueue(ctx, &queue.Job{Provider: "polar", EventID: "evt_old"}))
	job, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, job))
	f.clock.Advance(8 * 24 * time.Hour)

	summary, err := f.scheduler.RunJob(ctx, "webhook-cleanup")
	require.NoError(t, err)
	assert.Equal(t, cleanupSummary{EventsRemoved: 1, JobsRemoved: 1}, summary)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.RunAll(context.Background()))
}
