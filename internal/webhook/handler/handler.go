// Package handler turns stored webhook events into billing side effects.
// It runs inside the queue worker, so every error here is retried with
// backoff until the attempt budget runs out.
package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	"github.com/craftlabs/craft/internal/queue"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	"github.com/craftlabs/craft/internal/webhook/domain"
)

type Params struct {
	fx.In

	Webhooks      domain.Service
	Credits       creditdomain.Service
	Subscriptions subdomain.Service
	Log           *zap.Logger
}

// Handler dispatches canonical webhook events. Completed events are skipped
// so a requeued job never double-applies a grant.
type Handler struct {
	webhooks      domain.Service
	credits       creditdomain.Service
	subscriptions subdomain.Service
	log           *zap.Logger
}

func New(p Params) *Handler {
	return &Handler{
		webhooks:      p.Webhooks,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		log:           p.Log.Named("webhook.handler"),
	}
}

func NewQueueHandler(h *Handler) queue.Handler {
	return h
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	event, err := h.webhooks.Find(ctx, job.Provider, job.EventID)
	if errors.Is(err, domain.ErrEventNotFound) {
		// The row was cleaned up or never committed; nothing to apply.
		h.log.Warn("job references unknown event",
			zap.String("provider", job.Provider),
			zap.String("provider_event_id", job.EventID),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if event.Status == domain.EventStatusCompleted {
		return nil
	}

	if err := h.webhooks.UpdateStatus(ctx, job.Provider, job.EventID, domain.EventStatusProcessing, ""); err != nil {
		return err
	}

	if err := h.dispatch(ctx, event); err != nil {
		if statusErr := h.webhooks.UpdateStatus(ctx, job.Provider, job.EventID, domain.EventStatusFailed, err.Error()); statusErr != nil {
			h.log.Error("marking event failed", zap.Error(statusErr))
		}
		return err
	}

	return h.webhooks.UpdateStatus(ctx, job.Provider, job.EventID, domain.EventStatusCompleted, "")
}

func (h *Handler) dispatch(ctx context.Context, event *domain.WebhookEvent) error {
	switch event.EventType {
	case domain.EventTypePaymentCaptured:
		return h.applyPayment(ctx, event)
	case domain.EventTypePaymentFailed:
		return h.applyStatus(ctx, event, subdomain.SubscriptionStatusPastDue)
	case domain.EventTypeRefunded:
		return h.applyRefund(ctx, event)
	case domain.EventTypeSubscriptionActivated:
		return h.applyActivation(ctx, event)
	case domain.EventTypeSubscriptionCanceled:
		return h.applyStatus(ctx, event, subdomain.SubscriptionStatusCanceled)
	default:
		return fmt.Errorf("unhandled event type %q", event.EventType)
	}
}

// applyPayment credits the purchased amount and reactivates a past-due
// subscription. The grant keys on the provider event id, so a redispatched
// job cannot credit twice.
func (h *Handler) applyPayment(ctx context.Context, event *domain.WebhookEvent) error {
	err := h.credits.Credit(ctx, event.UserID, event.AmountMinor, creditdomain.GrantSourcePayment, grantSourceID(event))
	if err != nil && !errors.Is(err, creditdomain.ErrGrantDuplicate) {
		return fmt.Errorf("apply payment grant: %w", err)
	}

	sub, err := h.subscriptions.Find(ctx, event.UserID)
	if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status == subdomain.SubscriptionStatusPastDue {
		return h.subscriptions.SetStatus(ctx, event.UserID, subdomain.SubscriptionStatusActive)
	}
	return nil
}

// applyRefund claws the refunded amount back out of the balance. The
// deduction is recorded as usage so the ledger still sums.
func (h *Handler) applyRefund(ctx context.Context, event *domain.WebhookEvent) error {
	err := h.credits.Deduct(ctx, event.UserID, event.AmountMinor, creditdomain.Usage{
		Model:    "refund",
		Metadata: map[string]any{"source": grantSourceID(event)},
	})
	if insufficient, ok := creditdomain.IsInsufficientBalance(err); ok {
		// The user already spent the refunded credit. Zero out what is left
		// rather than retrying forever.
		h.log.Warn("refund exceeds remaining balance",
			zap.String("user_id", event.UserID.String()),
			zap.Int64("refund_minor", event.AmountMinor),
			zap.Int64("balance_minor", insufficient.Balance),
		)
		if insufficient.Balance == 0 {
			return nil
		}
		return h.credits.Deduct(ctx, event.UserID, insufficient.Balance, creditdomain.Usage{
			Model:    "refund",
			Metadata: map[string]any{"source": grantSourceID(event)},
		})
	}
	if err != nil {
		return fmt.Errorf("apply refund: %w", err)
	}
	return nil
}

func (h *Handler) applyActivation(ctx context.Context, event *domain.WebhookEvent) error {
	if err := h.subscriptions.Activate(ctx, event.UserID); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	return nil
}

func (h *Handler) applyStatus(ctx context.Context, event *domain.WebhookEvent, status subdomain.SubscriptionStatus) error {
	err := h.subscriptions.SetStatus(ctx, event.UserID, status)
	if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
		// Payment events can arrive for users without a subscription row.
		return nil
	}
	return err
}

func grantSourceID(event *domain.WebhookEvent) string {
	return event.Provider + ":" + event.ProviderEventID
}
