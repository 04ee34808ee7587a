package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/craftlabs/craft/internal/clock"
	obsmetrics "github.com/craftlabs/craft/internal/observability/metrics"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/webhook/adapters"
	"github.com/craftlabs/craft/internal/webhook/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Registry   *adapters.Registry
	Queue      queue.Queue
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	registry   *adapters.Registry
	queue      queue.Queue
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		registry:   p.Registry,
		queue:      p.Queue,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest is the hot path behind POST /webhooks/:provider. Verification runs
// against the raw body before any parsing. The event row is inserted with
// ON CONFLICT DO NOTHING so provider redeliveries collapse into one job.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	adapter, err := s.registry.Adapter(provider)
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(provider, "unknown", obsmetrics.OutcomeRejected)
		s.log.Warn("webhook rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return err
	}

	event, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return err
		}
		s.obsMetrics.RecordWebhookEvent(provider, "unknown", obsmetrics.OutcomeRejected)
		return err
	}

	record := domain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		UserID:          event.UserID,
		AmountMinor:     event.Amount,
		Currency:        event.Currency,
		Payload:         datatypes.JSON(event.RawPayload),
		Status:          domain.EventStatusPending,
		ReceivedAt:      s.clock.Now(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("store webhook event: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		s.obsMetrics.RecordWebhookEvent(event.Provider, event.Type, obsmetrics.OutcomeDuplicate)
		s.log.Info("duplicate webhook delivery",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		// The earlier delivery may have committed the row and then lost the
		// enqueue (queue down, 500 returned). The provider's redelivery is
		// the recovery path, so re-arm the job unless the event is done.
		stored, err := s.Find(ctx, event.Provider, event.ProviderEventID)
		if err != nil {
			return fmt.Errorf("load duplicate webhook event: %w", err)
		}
		if stored.Status != domain.EventStatusCompleted {
			job := &queue.Job{Provider: event.Provider, EventID: event.ProviderEventID}
			if err := s.queue.Enqueue(ctx, job); err != nil && !errors.Is(err, queue.ErrJobDuplicate) {
				return fmt.Errorf("re-enqueue webhook job: %w", err)
			}
		}
		return domain.ErrEventAlreadyProcessed
	}

	job := &queue.Job{Provider: event.Provider, EventID: event.ProviderEventID}
	if err := s.queue.Enqueue(ctx, job); err != nil && !errors.Is(err, queue.ErrJobDuplicate) {
		// The stored PENDING row is the durable record; a cron retry of the
		// queue is possible, so ingestion still fails loudly here.
		return fmt.Errorf("enqueue webhook job: %w", err)
	}

	s.obsMetrics.RecordWebhookEvent(event.Provider, event.Type, obsmetrics.OutcomeAccepted)
	s.log.Info("webhook accepted",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
	)
	return nil
}

func (s *Service) UpdateStatus(ctx context.Context, provider, providerEventID string, status domain.EventStatus, errMsg string) error {
	updates := map[string]any{"status": status}
	switch status {
	case domain.EventStatusCompleted:
		now := s.clock.Now()
		updates["processed_at"] = &now
		updates["error_message"] = ""
	case domain.EventStatusFailed:
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["error_message"] = errMsg
	}

	result := s.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update webhook event status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s *Service) Find(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Service) CleanupCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 7
	}
	cutoff := s.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	result := s.db.WithContext(ctx).
		Where("status = ? AND received_at < ?", domain.EventStatusCompleted, cutoff).
		Delete(&domain.WebhookEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup webhook events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
