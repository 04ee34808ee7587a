// Package polar implements Standard Webhooks verification and parsing for
// Polar checkout/subscription events.
package polar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/webhook/domain"
)

const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"

	secretPrefix = "whsec_"
)

type Factory struct {
	Secret       string
	ReplayWindow time.Duration
	Clock        clock.Clock
}

func (f *Factory) Provider() string {
	return "polar"
}

func (f *Factory) NewAdapter() (domain.Adapter, error) {
	secret := strings.TrimSpace(f.Secret)
	if secret == "" {
		return nil, nil
	}
	if !strings.HasPrefix(secret, secretPrefix) {
		return nil, domain.ErrInvalidConfig
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}

	replayWindow := f.ReplayWindow
	if replayWindow <= 0 {
		replayWindow = 5 * time.Minute
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Adapter{key: key, replayWindow: replayWindow, clock: clk}, nil
}

type Adapter struct {
	key          []byte
	replayWindow time.Duration
	clock        clock.Clock
}

// Verify implements the Standard Webhooks scheme: the signature header holds
// space-separated "v1,<base64>" candidates computed as
// HMAC-SHA256(key, id + "." + timestamp + "." + body). Timestamps outside
// the replay window are rejected before any signature work.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	eventID := strings.TrimSpace(headers.Get(headerID))
	timestamp := strings.TrimSpace(headers.Get(headerTimestamp))
	sigHeader := strings.TrimSpace(headers.Get(headerSignature))
	if eventID == "" || timestamp == "" || sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	sent := time.Unix(unix, 0).UTC()
	now := a.clock.Now()
	if sent.Before(now.Add(-a.replayWindow)) || sent.After(now.Add(a.replayWindow)) {
		return domain.ErrTimestampOutOfRange
	}

	signedContent := eventID + "." + timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, a.key)
	_, _ = mac.Write([]byte(signedContent))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(sigHeader) {
		parts := strings.SplitN(candidate, ",", 2)
		if len(parts) != 2 || parts[0] != "v1" {
			continue
		}
		if hmac.Equal([]byte(parts[1]), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

type polarEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarOrder struct {
	ID       string         `json:"id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Metadata map[string]any `json:"metadata"`
}

type polarSubscription struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.Event, error) {
	var event polarEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventID := strings.TrimSpace(headers.Get(headerID))
	if eventID == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "order.paid":
		return a.parseOrder(event, eventID, payload)
	case "subscription.active":
		return a.parseSubscription(event, eventID, payload, domain.EventTypeSubscriptionActivated)
	case "subscription.canceled", "subscription.revoked":
		return a.parseSubscription(event, eventID, payload, domain.EventTypeSubscriptionCanceled)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parseOrder(event polarEvent, eventID string, payload []byte) (*domain.Event, error) {
	var order polarOrder
	if err := json.Unmarshal(event.Data, &order); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if order.Amount <= 0 {
		return nil, domain.ErrInvalidEvent
	}
	userID, err := metadataUserID(order.Metadata)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Provider:        "polar",
		ProviderEventID: eventID,
		Type:            domain.EventTypePaymentCaptured,
		UserID:          userID,
		Amount:          order.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		OccurredAt:      a.clock.Now(),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event polarEvent, eventID string, payload []byte, eventType string) (*domain.Event, error) {
	var sub polarSubscription
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	userID, err := metadataUserID(sub.Metadata)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		Provider:        "polar",
		ProviderEventID: eventID,
		Type:            eventType,
		UserID:          userID,
		OccurredAt:      a.clock.Now(),
		RawPayload:      payload,
	}, nil
}

func metadataUserID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "user_id")
	if raw == "" {
		return 0, domain.ErrInvalidEvent
	}
	userID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, domain.ErrInvalidEvent
	}
	return userID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
