package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// ResetSummary reports one run of the period reset job.
type ResetSummary struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Service manages subscription lifecycle and billing periods.
type Service interface {
	// Find loads a user's subscription.
	Find(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	// Activate marks the subscription ACTIVE and opens a fresh billing
	// period starting now.
	Activate(ctx context.Context, userID snowflake.ID) error

	// SetStatus transitions the subscription's status without touching the
	// billing period.
	SetStatus(ctx context.Context, userID snowflake.ID, status SubscriptionStatus) error

	// ResetDuePeriods advances every ACTIVE subscription whose period has
	// lapsed: the usage counter drops to zero and the period rolls forward
	// by whole period lengths until it covers now. Each subscription resets
	// in its own transaction so one failure cannot poison the batch.
	ResetDuePeriods(ctx context.Context, batchSize int) (ResetSummary, error)
}
