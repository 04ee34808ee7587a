// Package domain contains persistence models for subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidPeriod        = errors.New("invalid_subscription_period")
)

// Subscription captures a user's billing agreement. CurrentPeriodEnd is
// always strictly after CurrentPeriodStart; the reset job advances both in
// one transaction.
//
// CreditsUsed is the legacy per-plan monthly counter. The user balance is the
// canonical accounting model; this counter survives only for period resets
// and reporting and is never consulted when authorizing spend.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	UserID             snowflake.ID       `gorm:"not null;index"`
	PlanID             snowflake.ID       `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"type:text;not null;index"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null;index"`
	CreditsUsed        int64              `gorm:"not null;default:0"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PeriodLength is how far a reset advances CurrentPeriodEnd.
const PeriodLength = 30 * 24 * time.Hour
