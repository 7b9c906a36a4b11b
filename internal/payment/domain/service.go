package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RequestMetadata carries the forensic fields captured off the HTTP delivery.
type RequestMetadata struct {
	Signature string
	Headers   http.Header
	IPAddress string
	UserAgent string
}

// IngestResult reports how a delivery ended.
type IngestResult struct {
	EventID   string
	Status    string
	Processed bool
	Duplicate bool
}

// Service is the webhook ingestion pipeline.
type Service interface {
	// IngestWebhook authenticates, stores, classifies and processes one
	// provider delivery.
	IngestWebhook(ctx context.Context, payload []byte, meta RequestMetadata) (IngestResult, error)
	// ReprocessEvent re-runs processing for a previously failed event from
	// its stored payload. Used by the retry poller.
	ReprocessEvent(ctx context.Context, event *WebhookEvent) error
}

// Repository persists webhook events and payments. Methods take the caller's
// *gorm.DB so transaction handles flow through.
type Repository interface {
	// InsertEvent inserts with ON CONFLICT (event_id) DO NOTHING and reports
	// whether the row was actually inserted.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	FindEventByEventID(ctx context.Context, db *gorm.DB, eventID string) (*WebhookEvent, error)
	// MarkProcessing re-claims a previously seen but unfinished event,
	// incrementing retry_count.
	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkIgnored(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// MarkFailed records the failure reason; nextRetryAt is nil for
	// permanent failures.
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, errMsg string, nextRetryAt *time.Time, at time.Time) error
	// ListRetryable returns failed events due for re-processing.
	ListRetryable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]WebhookEvent, error)

	FindPayment(ctx context.Context, db *gorm.DB, provider, providerPaymentID, checkoutSessionID string) (*Payment, error)
	// InsertPayment inserts with ON CONFLICT DO NOTHING and reports whether
	// the row was actually inserted.
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	UpdatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
}
