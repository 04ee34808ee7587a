// Package migration creates the billing schema on startup so a fresh
// database is usable out of the box. Postgres runs the embedded versioned
// migrations; other dialects fall back to gorm auto-migration.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	accountdomain "github.com/craftlabs/craft/internal/account/domain"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
)

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the schema via gorm for dialects without versioned
// migrations (sqlite in tests, mysql).
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountdomain.User{},
		&accountdomain.Plan{},
		&subdomain.Subscription{},
		&creditdomain.CreditUsage{},
		&creditdomain.CreditGrant{},
		&creditdomain.Referral{},
		&creditdomain.ReferralCredit{},
		&webhookdomain.WebhookEvent{},
	)
}
