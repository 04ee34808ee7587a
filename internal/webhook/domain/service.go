package domain

import (
	"context"
	"net/http"
)

// Service is the ingestion boundary: verify, record, enqueue.
type Service interface {
	// Ingest verifies the provider signature over the raw body, stores the
	// event idempotently, and enqueues it for async processing. Returns
	// ErrEventAlreadyProcessed for redeliveries of completed events,
	// ErrEventIgnored for event types the platform does not handle.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error

	// UpdateStatus transitions an event's processing status. FAILED
	// increments the retry counter and records errMsg.
	UpdateStatus(ctx context.Context, provider, providerEventID string, status EventStatus, errMsg string) error

	// Find loads a stored event by its provider event id.
	Find(ctx context.Context, provider, providerEventID string) (*WebhookEvent, error)

	// CleanupCompleted deletes completed events older than the grace period
	// and returns the number removed.
	CleanupCompleted(ctx context.Context, olderThanDays int) (int64, error)
}

// Adapter verifies and parses one provider's webhook deliveries.
type Adapter interface {
	// Verify checks the signature headers against the raw payload.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse turns the raw payload into a canonical event, or ErrEventIgnored.
	Parse(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
}

// AdapterFactory builds a provider adapter from configuration.
type AdapterFactory interface {
	Provider() string
	NewAdapter() (Adapter, error)
}
