package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// WebhookEvent is one row per inbound provider notification. EventID is the
// provider-issued idempotency key; a unique index on it is the only mutual
// exclusion against double-processing.
type WebhookEvent struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID      string         `json:"event_id" gorm:"type:text;not null"`
	EventType    string         `json:"event_type" gorm:"type:text;not null"`
	ResourceType string         `json:"resource_type" gorm:"type:text;not null"`
	ResourceID   string         `json:"resource_id" gorm:"type:text;not null"`
	Payload      datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Signature    string         `json:"signature" gorm:"type:text;not null"`
	Headers      datatypes.JSON `json:"headers" gorm:"type:jsonb"`
	IPAddress    string         `json:"ip_address" gorm:"type:text;not null"`
	UserAgent    string         `json:"user_agent" gorm:"type:text;not null"`
	Status       string         `json:"status" gorm:"type:text;not null"`
	RetryCount   int            `json:"retry_count" gorm:"not null"`
	NextRetryAt  *time.Time     `json:"next_retry_at"`
	Error        *string        `json:"error"`
	ReceivedAt   time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt  *time.Time     `json:"processed_at"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusIgnored    = "ignored"
	EventStatusFailed     = "failed"
)

// RetryBackoff is the delay written to next_retry_at for transient failures.
const RetryBackoff = 5 * time.Minute

// Payment is one row per provider payment attempt. The partial unique indexes
// on (provider, provider_payment_id) and on checkout_session_id keep a
// logical payment from producing two rows. Checkout sessions that never got a
// payment intent store '' in provider_payment_id and dedupe on the session id
// alone.
type Payment struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	ReservationID     snowflake.ID  `json:"reservation_id" gorm:"not null"`
	Provider          string        `json:"provider" gorm:"type:text;not null"`
	ProviderPaymentID string        `json:"provider_payment_id" gorm:"type:text;not null"`
	CheckoutSessionID *string       `json:"checkout_session_id"`
	Amount            int64         `json:"amount" gorm:"not null"`
	Currency          string        `json:"currency" gorm:"type:text;not null"`
	NetAmount         int64         `json:"net_amount" gorm:"not null"`
	Fee               int64         `json:"fee" gorm:"not null"`
	Method            string        `json:"method" gorm:"type:text;not null"`
	PaymentMethod     string        `json:"payment_method" gorm:"type:text;not null"`
	CardBrand         *string       `json:"card_brand"`
	CardLast4         *string       `json:"card_last4"`
	CardCountry       *string       `json:"card_country"`
	Status            string        `json:"status" gorm:"type:text;not null"`
	FailureCode       *string       `json:"failure_code"`
	FailureMessage    *string       `json:"failure_message"`
	WebhookEventID    *snowflake.ID `json:"webhook_event_id"`
	CapturedAt        *time.Time    `json:"captured_at"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// AmountMajor converts the stored minor-unit amount for display.
func (p Payment) AmountMajor() float64 {
	return float64(p.Amount) / 100
}

const (
	PaymentStatusProcessing = "processing"
	PaymentStatusSucceeded  = "succeeded"
	PaymentStatusFailed     = "failed"
)
