package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/craftlabs/craft/internal/account/domain"
	"github.com/craftlabs/craft/internal/cache"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	"github.com/craftlabs/craft/internal/clock"
	obsmetrics "github.com/craftlabs/craft/internal/observability/metrics"
	pkgdb "github.com/craftlabs/craft/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	// balances is a per-process, best-effort cache in front of CheckBalance.
	// It is not invalidated across instances; staleness is bounded by the TTL.
	balances   cache.Cache[snowflake.ID, int64]
	balanceTTL time.Duration
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
		balances:   cache.NewTTLCache[snowflake.ID, int64](),
		balanceTTL: p.Cfg.BalanceCacheTTL,
	}
}

func (s *Service) CheckBalance(ctx context.Context, userID snowflake.ID, estimatedCost int64) (creditdomain.BalanceCheck, error) {
	if userID == 0 {
		return creditdomain.BalanceCheck{}, creditdomain.ErrInvalidUser
	}
	if estimatedCost < 0 {
		return creditdomain.BalanceCheck{}, creditdomain.ErrInvalidAmount
	}

	balance, ok := s.balances.Get(userID)
	if !ok {
		var err error
		balance, err = s.Balance(ctx, userID)
		if err != nil {
			return creditdomain.BalanceCheck{}, err
		}
		s.balances.Set(userID, balance, s.balanceTTL)
	}

	return creditdomain.BalanceCheck{
		Allowed:  balance >= estimatedCost,
		Balance:  balance,
		Required: estimatedCost,
	}, nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (int64, error) {
	if userID == 0 {
		return 0, creditdomain.ErrInvalidUser
	}
	var user accountdomain.User
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", userID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, creditdomain.ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return user.BalanceMinor, nil
}

// Deduct performs the read-modify-write inside one transaction with the user
// row locked, so two concurrent calls that jointly exceed the balance cannot
// both succeed. The database transaction is the only concurrency boundary.
func (s *Service) Deduct(ctx context.Context, userID snowflake.ID, cost int64, usage creditdomain.Usage) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if cost <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user accountdomain.User
		err := pkgdb.ForUpdate(tx).
			Where("id = ? AND deleted_at IS NULL", userID).
			Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditdomain.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		if user.BalanceMinor < cost {
			return &creditdomain.InsufficientBalanceError{
				Balance:  user.BalanceMinor,
				Required: cost,
			}
		}

		now := s.clock.Now()
		if err := tx.Model(&accountdomain.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"balance_minor": user.BalanceMinor - cost,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		record := creditdomain.CreditUsage{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Model:        usage.Model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostMinor:    cost,
			Metadata:     datatypes.JSONMap(usage.Metadata),
			CreatedAt:    now,
		}
		return tx.Create(&record).Error
	})

	s.balances.Delete(userID)

	if err != nil {
		if _, ok := creditdomain.IsInsufficientBalance(err); ok {
			s.obsMetrics.RecordDeduction(obsmetrics.OutcomeDenied)
			return err
		}
		s.obsMetrics.RecordDeduction(obsmetrics.OutcomeFailed)
		return err
	}

	s.obsMetrics.RecordDeduction(obsmetrics.OutcomeAllowed)
	return nil
}

func (s *Service) Credit(ctx context.Context, userID snowflake.ID, amount int64, source, sourceID string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}
	if source == "" || sourceID == "" {
		return creditdomain.ErrInvalidAmount
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		grant := creditdomain.CreditGrant{
			ID:          s.genID.Generate(),
			UserID:      userID,
			Source:      source,
			SourceID:    sourceID,
			AmountMinor: amount,
			Currency:    "USD",
			CreatedAt:   now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant)
		if result.Error != nil {
			if pkgdb.IsDuplicateKeyErr(result.Error) {
				return creditdomain.ErrGrantDuplicate
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrGrantDuplicate
		}

		var user accountdomain.User
		err := pkgdb.ForUpdate(tx).
			Where("id = ? AND deleted_at IS NULL", userID).
			Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditdomain.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		return tx.Model(&accountdomain.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"balance_minor": user.BalanceMinor + amount,
				"updated_at":    now,
			}).Error
	})

	s.balances.Delete(userID)
	return err
}

// AwardMonthlyReferralCredits creates one ReferralCredit per active referral
// for month (format "2026-08") and credits the referrer. Idempotent: the
// unique (referrer, referred, month) index absorbs re-runs. Failures on one
// referral do not abort the rest.
func (s *Service) AwardMonthlyReferralCredits(ctx context.Context, month string, amount int64) (created int, skipped int, err error) {
	if month == "" || amount < 0 {
		return 0, 0, creditdomain.ErrInvalidAmount
	}

	var referrals []creditdomain.Referral
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&referrals).Error; err != nil {
		return 0, 0, err
	}

	var jobErr error
	for _, referral := range referrals {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		row := creditdomain.ReferralCredit{
			ID:          s.genID.Generate(),
			ReferrerID:  referral.ReferrerID,
			ReferredID:  referral.ReferredID,
			Month:       month,
			AmountMinor: amount,
			CreatedAt:   s.clock.Now(),
		}
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row)
		if result.Error != nil {
			if pkgdb.IsDuplicateKeyErr(result.Error) {
				skipped++
				continue
			}
			jobErr = errors.Join(jobErr, result.Error)
			continue
		}
		if result.RowsAffected == 0 {
			skipped++
			continue
		}

		if amount > 0 {
			sourceID := fmt.Sprintf("%s:%s", referral.ReferredID.String(), month)
			if err := s.Credit(ctx, referral.ReferrerID, amount, creditdomain.GrantSourceReferral, sourceID); err != nil &&
				!errors.Is(err, creditdomain.ErrGrantDuplicate) {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("referral credit grant failed",
					zap.String("referrer_id", referral.ReferrerID.String()),
					zap.String("referred_id", referral.ReferredID.String()),
					zap.Error(err),
				)
				continue
			}
		}
		created++
	}

	return created, skipped, jobErr
}
