package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craftlabs/craft/internal/clock"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	pkgdb "github.com/craftlabs/craft/pkg/db"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) subdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
	}
}

func (s *Service) Find(ctx context.Context, userID snowflake.ID) (*subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subdomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) Activate(ctx context.Context, userID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"status":               subdomain.SubscriptionStatusActive,
			"current_period_start": now,
			"current_period_end":   now.Add(subdomain.PeriodLength),
			"credits_used":         0,
			"updated_at":           now,
		})
	if result.Error != nil {
		return fmt.Errorf("activate subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return subdomain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Service) SetStatus(ctx context.Context, userID snowflake.ID, status subdomain.SubscriptionStatus) error {
	result := s.db.WithContext(ctx).
		Model(&subdomain.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("set subscription status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return subdomain.ErrSubscriptionNotFound
	}
	return nil
}

// ResetDuePeriods claims lapsed ACTIVE subscriptions with SKIP LOCKED so
// concurrent scheduler instances never fight over the same rows.
func (s *Service) ResetDuePeriods(ctx context.Context, batchSize int) (subdomain.ResetSummary, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	now := s.clock.Now()

	var summary subdomain.ResetSummary
	var jobErr error
	for {
		if ctx.Err() != nil {
			return summary, errors.Join(jobErr, ctx.Err())
		}

		var due []subdomain.Subscription
		err := s.db.WithContext(ctx).
			Where("status = ? AND current_period_end <= ?", subdomain.SubscriptionStatusActive, now).
			Limit(batchSize).
			Find(&due).Error
		if err != nil {
			return summary, errors.Join(jobErr, err)
		}
		if len(due) == 0 {
			return summary, jobErr
		}

		progressed := false
		for _, sub := range due {
			if err := s.resetOne(ctx, sub.ID, now); err != nil {
				if errors.Is(err, errAlreadyReset) {
					progressed = true
					continue
				}
				summary.Failed++
				jobErr = errors.Join(jobErr, fmt.Errorf("reset subscription %s: %w", sub.ID, err))
				s.log.Warn("period reset failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
				continue
			}
			summary.Processed++
			progressed = true
		}
		if !progressed {
			// Every row in the batch failed; bail instead of spinning.
			return summary, jobErr
		}
	}
}

var errAlreadyReset = errors.New("already reset")

func (s *Service) resetOne(ctx context.Context, subID snowflake.ID, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subdomain.Subscription
		err := pkgdb.ForUpdateSkipLocked(tx).
			Where("id = ?", subID).
			Take(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errAlreadyReset
		}
		if err != nil {
			return err
		}
		if sub.CurrentPeriodEnd.After(now) {
			// Another instance advanced it between the scan and the lock.
			return errAlreadyReset
		}
		if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
			return subdomain.ErrInvalidPeriod
		}

		// Roll forward whole periods so a subscription that slept through
		// several cycles lands in the current one, not the next lapsed one.
		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		for !end.After(now) {
			start = end
			end = end.Add(subdomain.PeriodLength)
		}

		return tx.Model(&subdomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"credits_used":         0,
				"current_period_start": start,
				"current_period_end":   end,
				"updated_at":           now,
			}).Error
	})
}
