package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service is the balance ledger: affordability checks, deductions, grants.
type Service interface {
	// CheckBalance reports whether userID can afford estimatedCost. The
	// answer may be served from a short-TTL cache and is advisory only; the
	// deduction transaction re-validates under the row lock.
	CheckBalance(ctx context.Context, userID snowflake.ID, estimatedCost int64) (BalanceCheck, error)

	// Deduct atomically validates and subtracts cost from the user's balance
	// and appends the usage row. Returns *InsufficientBalanceError when the
	// balance does not cover cost.
	Deduct(ctx context.Context, userID snowflake.ID, cost int64, usage Usage) error

	// Credit adds amount to the user's balance, idempotent on
	// (source, sourceID). Returns ErrGrantDuplicate when already applied.
	Credit(ctx context.Context, userID snowflake.ID, amount int64, source, sourceID string) error

	// Balance returns the committed balance, bypassing the cache.
	Balance(ctx context.Context, userID snowflake.ID) (int64, error)

	// AwardMonthlyReferralCredits creates the per-(referrer, referred, month)
	// award rows for every active referral and credits the referrers.
	AwardMonthlyReferralCredits(ctx context.Context, month string, amount int64) (created int, skipped int, err error)
}
