package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/webhook/adapters"
	"github.com/craftlabs/craft/internal/webhook/adapters/polar"
	"github.com/craftlabs/craft/internal/webhook/domain"
)

var signingKey = []byte("test-signing-key")

type fixture struct {
	svc   *Service
	db    *gorm.DB
	queue *queue.MemoryQueue
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithQueue(t, func(q queue.Queue) queue.Queue { return q })
}

func newFixtureWithQueue(t *testing.T, wrap func(queue.Queue) queue.Queue) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.WebhookEvent{}))

	clk := clock.NewFakeClock(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	registry, err := adapters.NewRegistry(&polar.Factory{
		Secret:       "whsec_" + base64.StdEncoding.EncodeToString(signingKey),
		ReplayWindow: 5 * time.Minute,
		Clock:        clk,
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	memQueue := queue.NewMemoryQueue(clk, 5, time.Minute)

	svc := NewService(Params{
		DB:       db,
		Log:      zaptest.NewLogger(t),
		GenID:    node,
		Registry: registry,
		Queue:    wrap(memQueue),
		Clock:    clk,
	})
	return &fixture{svc: svc.(*Service), db: db, queue: memQueue, clock: clk}
}

func orderPaidPayload(userID string) []byte {
	return fmt.Appendf(nil, `{
		"type": "order.paid",
		"data": {"id": "order_1", "amount": 2900, "currency": "usd", "metadata": {"user_id": %q}}
	}`, userID)
}

func signedHeaders(f *fixture, eventID string, payload []byte) http.Header {
	timestamp := strconv.FormatInt(f.clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(eventID + "." + timestamp + "." + string(payload)))

	headers := http.Header{}
	headers.Set("webhook-id", eventID)
	headers.Set("webhook-timestamp", timestamp)
	headers.Set("webhook-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return headers
}

func TestIngestStoresAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload)))

	event, err := f.svc.Find(ctx, "polar", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, event.Status)
	assert.Equal(t, domain.EventTypePaymentCaptured, event.EventType)
	assert.Equal(t, "42", event.UserID.String())
	assert.Equal(t, int64(2900), event.AmountMinor)
	assert.JSONEq(t, string(payload), string(event.Payload))

	job, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "polar:evt_1", job.ID)
}

func TestIngestDeduplicatesRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload)))

	err := f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	// Still exactly one job.
	_, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	_, err = f.queue.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

// outageQueue rejects the first n enqueues, as a queue outage would.
type outageQueue struct {
	queue.Queue
	failures int
}

func (q *outageQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if q.failures > 0 {
		q.failures--
		return errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, job)
}

func TestIngestRedeliveryRearmsLostJob(t *testing.T) {
	var flaky *outageQueue
	f := newFixtureWithQueue(t, func(q queue.Queue) queue.Queue {
		flaky = &outageQueue{Queue: q, failures: 1}
		return flaky
	})
	ctx := context.Background()

	// First delivery commits the row but loses the enqueue.
	payload := orderPaidPayload("42")
	err := f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload))
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	event, err := f.svc.Find(ctx, "polar", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, event.Status)
	_, err = f.queue.Claim(ctx)
	require.ErrorIs(t, err, queue.ErrNoJob)

	// The provider's redelivery must re-arm the job, not just ack.
	err = f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	job, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "polar:evt_1", job.ID)
}

func TestIngestRedeliveryOfCompletedEventDoesNotRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload)))

	job, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, job))
	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_1", domain.EventStatusCompleted, ""))

	err = f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)
	_, err = f.queue.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	headers := signedHeaders(f, "evt_1", payload)
	headers.Set("webhook-signature", "v1,bm90LXZhbGlk")

	err := f.svc.Ingest(ctx, "polar", payload, headers)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// Nothing stored, nothing queued.
	_, err = f.svc.Find(ctx, "polar", "evt_1")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	_, err = f.queue.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func TestIngestUnknownProvider(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Ingest(context.Background(), "stripe", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestIngestIgnoredEventType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{"type": "benefit.created", "data": {}}`)
	err := f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)

	_, err = f.queue.Claim(ctx)
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_1", payload)))

	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_1", domain.EventStatusProcessing, ""))

	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_1", domain.EventStatusFailed, "downstream unavailable"))
	event, err := f.svc.Find(ctx, "polar", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, event.Status)
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, "downstream unavailable", event.ErrorMessage)

	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_1", domain.EventStatusFailed, "still down"))
	event, err = f.svc.Find(ctx, "polar", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, event.RetryCount)

	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_1", domain.EventStatusCompleted, ""))
	event, err = f.svc.Find(ctx, "polar", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusCompleted, event.Status)
	require.NotNil(t, event.ProcessedAt)
	assert.Empty(t, event.ErrorMessage)

	err = f.svc.UpdateStatus(ctx, "polar", "evt_404", domain.EventStatusCompleted, "")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestCleanupCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := orderPaidPayload("42")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_old", payload)))
	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_old", domain.EventStatusCompleted, ""))

	f.clock.Advance(8 * 24 * time.Hour)
	payload = orderPaidPayload("43")
	require.NoError(t, f.svc.Ingest(ctx, "polar", payload, signedHeaders(f, "evt_new", payload)))
	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_new", domain.EventStatusCompleted, ""))
	// A stale failed event must survive cleanup.
	require.NoError(t, f.svc.Ingest(ctx, "polar", orderPaidPayload("44"), signedHeaders(f, "evt_failed", orderPaidPayload("44"))))
	require.NoError(t, f.svc.UpdateStatus(ctx, "polar", "evt_failed", domain.EventStatusFailed, "boom"))

	removed, err := f.svc.CleanupCompleted(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = f.svc.Find(ctx, "polar", "evt_old")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	_, err = f.svc.Find(ctx, "polar", "evt_new")
	assert.NoError(t, err)
	_, err = f.svc.Find(ctx, "polar", "evt_failed")
	assert.NoError(t, err)
}
