package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, event_id, event_type, resource_type, resource_id, payload,
			signature, headers, ip_address, user_agent, status, retry_count,
			next_retry_at, error, received_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID,
		event.EventID,
		event.EventType,
		event.ResourceType,
		event.ResourceID,
		event.Payload,
		event.Signature,
		event.Headers,
		event.IPAddress,
		event.UserAgent,
		event.Status,
		event.RetryCount,
		event.NextRetryAt,
		event.Error,
		event.ReceivedAt,
		event.ProcessedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEventByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.WebhookEvent, error) {
	var item domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, resource_type, resource_id, payload,
			signature, headers, ip_address, user_agent, status, retry_count,
			next_retry_at, error, received_at, processed_at, updated_at
		 FROM webhook_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, retry_count = retry_count + 1, updated_at = ?
		 WHERE id = ?`,
		domain.EventStatusProcessing,
		at,
		id,
	).Error
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, processed_at = ?, error = NULL, next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.EventStatusProcessed,
		at,
		at,
		id,
	).Error
}

func (r *repo) MarkIgnored(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.EventStatusIgnored,
		at,
		at,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, errMsg string, nextRetryAt *time.Time, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, error = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.EventStatusFailed,
		errMsg,
		nextRetryAt,
		at,
		id,
	).Error
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, resource_type, resource_id, payload,
			signature, headers, ip_address, user_agent, status, retry_count,
			next_retry_at, error, received_at, processed_at, updated_at
		 FROM webhook_events
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at
		 LIMIT ?`,
		domain.EventStatusFailed,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, provider, providerPaymentID, checkoutSessionID string) (*domain.Payment, error) {
	query := db.WithContext(ctx).
		Table("payments").
		Where("provider = ?", provider)

	switch {
	case providerPaymentID != "" && checkoutSessionID != "":
		query = query.Where("provider_payment_id = ? OR checkout_session_id = ?", providerPaymentID, checkoutSessionID)
	case providerPaymentID != "":
		query = query.Where("provider_payment_id = ?", providerPaymentID)
	case checkoutSessionID != "":
		query = query.Where("checkout_session_id = ?", checkoutSessionID)
	default:
		return nil, nil
	}

	var item domain.Payment
	err := query.Limit(1).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	// Unqualified ON CONFLICT covers both the (provider, provider_payment_id)
	// index and the partial checkout_session_id index, so a racing duplicate
	// of either key lands on the re-find path instead of erroring.
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, reservation_id, provider, provider_payment_id, checkout_session_id,
			amount, currency, net_amount, fee, method, payment_method,
			card_brand, card_last4, card_country, status, failure_code,
			failure_message, webhook_event_id, captured_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		payment.ID,
		payment.ReservationID,
		payment.Provider,
		payment.ProviderPaymentID,
		payment.CheckoutSessionID,
		payment.Amount,
		payment.Currency,
		payment.NetAmount,
		payment.Fee,
		payment.Method,
		payment.PaymentMethod,
		payment.CardBrand,
		payment.CardLast4,
		payment.CardCountry,
		payment.Status,
		payment.FailureCode,
		payment.FailureMessage,
		payment.WebhookEventID,
		payment.CapturedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET provider_payment_id = ?, checkout_session_id = ?, amount = ?, currency = ?,
			net_amount = ?, fee = ?, method = ?, payment_method = ?,
			card_brand = ?, card_last4 = ?, card_country = ?, status = ?,
			failure_code = ?, failure_message = ?, webhook_event_id = ?,
			captured_at = ?, updated_at = ?
		 WHERE id = ?`,
		payment.ProviderPaymentID,
		payment.CheckoutSessionID,
		payment.Amount,
		payment.Currency,
		payment.NetAmount,
		payment.Fee,
		payment.Method,
		payment.PaymentMethod,
		payment.CardBrand,
		payment.CardLast4,
		payment.CardCountry,
		payment.Status,
		payment.FailureCode,
		payment.FailureMessage,
		payment.WebhookEventID,
		payment.CapturedAt,
		payment.UpdatedAt,
		payment.ID,
	).Error
}
