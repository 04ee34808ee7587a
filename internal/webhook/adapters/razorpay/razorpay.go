// Package razorpay implements signature verification and parsing for
// Razorpay webhook deliveries, plus checkout payment-signature verification.
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/webhook/domain"
)

const (
	headerSignature = "X-Razorpay-Signature"
	headerEventID   = "X-Razorpay-Event-Id"
)

type Factory struct {
	WebhookSecret string
	KeySecret     string
	Clock         clock.Clock
}

func (f *Factory) Provider() string {
	return "razorpay"
}

func (f *Factory) NewAdapter() (domain.Adapter, error) {
	secret := strings.TrimSpace(f.WebhookSecret)
	if secret == "" {
		return nil, nil
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Adapter{webhookSecret: []byte(secret), keySecret: []byte(strings.TrimSpace(f.KeySecret)), clock: clk}, nil
}

type Adapter struct {
	webhookSecret []byte
	keySecret     []byte
	clock         clock.Clock
}

// Verify checks the hex HMAC-SHA256 of the raw body carried in
// X-Razorpay-Signature.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(headerSignature))
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, a.webhookSecret)
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// VerifyPaymentSignature checks a checkout callback signature: the hex
// HMAC-SHA256 of "orderId|paymentId" under the API key secret.
func (a *Adapter) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" || len(a.keySecret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, a.keySecret)
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Notes    map[string]string `json:"notes"`
}

type refundEntity struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Notes     map[string]string `json:"notes"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventID := strings.TrimSpace(headers.Get(headerEventID))
	if eventID == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Event) {
	case "payment.captured":
		return a.parsePayment(event.Payload.Payment.Entity, eventID, payload, domain.EventTypePaymentCaptured, true)
	case "payment.failed":
		return a.parsePayment(event.Payload.Payment.Entity, eventID, payload, domain.EventTypePaymentFailed, false)
	case "refund.processed":
		return a.parseRefund(event.Payload.Refund.Entity, eventID, payload)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parsePayment(entity paymentEntity, eventID string, payload []byte, eventType string, requireAmount bool) (*domain.Event, error) {
	if requireAmount && entity.Amount <= 0 {
		return nil, domain.ErrInvalidEvent
	}
	userID, err := notesUserID(entity.Notes)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Provider:        "razorpay",
		ProviderEventID: eventID,
		Type:            eventType,
		UserID:          userID,
		Amount:          entity.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(entity.Currency)),
		OccurredAt:      a.clock.Now(),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseRefund(entity refundEntity, eventID string, payload []byte) (*domain.Event, error) {
	if entity.Amount <= 0 {
		return nil, domain.ErrInvalidEvent
	}
	userID, err := notesUserID(entity.Notes)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Provider:        "razorpay",
		ProviderEventID: eventID,
		Type:            domain.EventTypeRefunded,
		UserID:          userID,
		Amount:          entity.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(entity.Currency)),
		OccurredAt:      a.clock.Now(),
		RawPayload:      payload,
	}, nil
}

func notesUserID(notes map[string]string) (snowflake.ID, error) {
	raw := strings.TrimSpace(notes["user_id"])
	if raw == "" {
		return 0, domain.ErrInvalidEvent
	}
	userID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, domain.ErrInvalidEvent
	}
	return userID, nil
}
