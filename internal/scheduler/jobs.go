package scheduler

import (
	"context"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	"github.com/craftlabs/craft/internal/queue"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
)

// CreditResetJob advances lapsed billing periods and zeroes the legacy usage
// counter.
type CreditResetJob struct {
	Subscriptions subdomain.Service
	BatchSize     int
}

func (j *CreditResetJob) Name() string { return "credit-reset" }

func (j *CreditResetJob) Run(ctx context.Context) (any, error) {
	summary, err := j.Subscriptions.ResetDuePeriods(ctx, j.BatchSize)
	return summary, err
}

// ReferralAwardJob credits referrers for the current calendar month.
type ReferralAwardJob struct {
	Credits creditdomain.Service
	Policy  *config.BillingPolicyHolder
	Clock   clock.Clock
}

func (j *ReferralAwardJob) Name() string { return "referral-award" }

type referralAwardSummary struct {
	Month   string `json:"month"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
}

func (j *ReferralAwardJob) Run(ctx context.Context) (any, error) {
	month := j.Clock.Now().Format("2006-01")
	amount := j.Policy.Get().ReferralAwardMinor

	created, skipped, err := j.Credits.AwardMonthlyReferralCredits(ctx, month, amount)
	return referralAwardSummary{Month: month, Created: created, Skipped: skipped}, err
}

// WebhookCleanupJob prunes completed webhook events and finished queue jobs
// past the retention grace.
type WebhookCleanupJob struct {
	Webhooks  webhookdomain.Service
	Queue     queue.Queue
	Clock     clock.Clock
	GraceDays int
}

func (j *WebhookCleanupJob) Name() string { return "webhook-cleanup" }

type cleanupSummary struct {
	EventsRemoved int64 `json:"events_removed"`
	JobsRemoved   int   `json:"jobs_removed"`
}

func (j *WebhookCleanupJob) Run(ctx context.Context) (any, error) {
	grace := j.GraceDays
	if grace <= 0 {
		grace = 7
	}

	events, err := j.Webhooks.CleanupCompleted(ctx, grace)
	if err != nil {
		return cleanupSummary{EventsRemoved: events}, err
	}

	cutoff := j.Clock.Now().AddDate(0, 0, -grace)
	jobs, err := j.Queue.Cleanup(ctx, cutoff)
	return cleanupSummary{EventsRemoved: events, JobsRemoved: jobs}, err
}
