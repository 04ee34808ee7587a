// Package domain contains the credit ledger models. Usage, grant and
// referral rows are append-only; balances move only inside transactions that
// insert the corresponding row.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreditUsage is one billable AI call: token counts and the computed cost
// deducted from the user's balance. Never mutated after creation.
type CreditUsage struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	UserID       snowflake.ID      `gorm:"not null;index"`
	Model        string            `gorm:"type:text;not null"`
	InputTokens  int64             `gorm:"not null"`
	OutputTokens int64             `gorm:"not null"`
	CostMinor    int64             `gorm:"not null"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (CreditUsage) TableName() string { return "credit_usages" }

// CreditGrant records a balance top-up. The (source, source_id) unique index
// is the idempotency key: re-applying the same payment event inserts nothing
// and moves no money.
type CreditGrant struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"not null;index"`
	Source      string       `gorm:"type:text;not null;uniqueIndex:ux_credit_grants_source,priority:1"`
	SourceID    string       `gorm:"type:text;not null;uniqueIndex:ux_credit_grants_source,priority:2"`
	AmountMinor int64        `gorm:"not null"`
	Currency    string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditGrant) TableName() string { return "credit_grants" }

const (
	GrantSourcePayment  = "payment"
	GrantSourceReferral = "referral"
	GrantSourceManual   = "manual"
)

// Referral links a referred user back to their referrer.
type Referral struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ReferrerID snowflake.ID `gorm:"not null;index"`
	ReferredID snowflake.ID `gorm:"not null;uniqueIndex"`
	Active     bool         `gorm:"not null;default:true"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Referral) TableName() string { return "referrals" }

// ReferralCredit is one award row per (referrer, referred, month); the unique
// index makes the monthly cron idempotent.
type ReferralCredit struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ReferrerID  snowflake.ID `gorm:"not null;uniqueIndex:ux_referral_credits_month,priority:1"`
	ReferredID  snowflake.ID `gorm:"not null;uniqueIndex:ux_referral_credits_month,priority:2"`
	Month       string       `gorm:"type:text;not null;uniqueIndex:ux_referral_credits_month,priority:3"`
	AmountMinor int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReferralCredit) TableName() string { return "referral_credits" }

// BalanceCheck is the result of an affordability probe.
type BalanceCheck struct {
	Allowed  bool  `json:"allowed"`
	Balance  int64 `json:"balance"`
	Required int64 `json:"required"`
}

// Usage describes the billable call behind a deduction.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Metadata     map[string]any
}
