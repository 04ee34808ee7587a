// Package domain contains persistence models for users and plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User holds the prepaid balance in minor currency units. Users are never
// hard-deleted; DeletedAt marks soft deletion.
type User struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Email        string       `gorm:"type:text;not null;uniqueIndex"`
	BalanceMinor int64        `gorm:"not null;default:0"`
	Currency     string       `gorm:"type:text;not null;default:'USD'"`
	ReferrerID   *snowflake.ID `gorm:"index"`
	DeletedAt    *time.Time   `gorm:"index"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// Plan is immutable reference data; many subscriptions point to one plan.
type Plan struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Code               string       `gorm:"type:text;not null;uniqueIndex"`
	Name               string       `gorm:"type:text;not null"`
	MonthlyCreditLimit int64        `gorm:"not null"`
	PriceMinor         int64        `gorm:"not null"`
	Currency           string       `gorm:"type:text;not null;default:'USD'"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
