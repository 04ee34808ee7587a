// Package domain contains the webhook event model and the canonical event
// shape produced by provider adapters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventStatus is the processing lifecycle of a stored webhook event.
// Transitions are one-directional except FAILED -> PROCESSING on retry.
type EventStatus string

const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusCompleted  EventStatus = "COMPLETED"
	EventStatusFailed     EventStatus = "FAILED"
)

// WebhookEvent records an inbound provider event. The unique
// (provider, provider_event_id) index deduplicates redeliveries: a conflicting
// insert is a duplicate delivery and treated as success.
type WebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType       string         `gorm:"type:text;not null;index"`
	UserID          snowflake.ID   `gorm:"not null;index"`
	AmountMinor     int64          `gorm:"not null;default:0"`
	Currency        string         `gorm:"type:text"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	Status          EventStatus    `gorm:"type:text;not null;index"`
	RetryCount      int            `gorm:"not null;default:0"`
	ErrorMessage    string         `gorm:"type:text"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// Canonical event types emitted by adapters.
const (
	EventTypePaymentCaptured       = "payment_captured"
	EventTypePaymentFailed         = "payment_failed"
	EventTypeRefunded              = "refunded"
	EventTypeSubscriptionActivated = "subscription_activated"
	EventTypeSubscriptionCanceled  = "subscription_canceled"
)

// Event is the strongly-typed internal event produced at the boundary, so
// the ledger never sees provider-shaped JSON.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string
	UserID          snowflake.ID
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}
