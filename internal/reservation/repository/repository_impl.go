package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/reservation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	var item domain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT id, confirmation_number, guest_name, guest_email, check_in, check_out,
			total_amount, currency, payment_status, status,
			paid_at, cancelled_at, cancellation_reason, created_at, updated_at
		 FROM reservations
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE reservations
		 SET payment_status = ?, status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.PaymentStatusPaid,
		domain.StatusConfirmed,
		paidAt,
		paidAt,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledAt time.Time, reason string) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE reservations
		 SET payment_status = ?, status = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?
		 WHERE id = ?`,
		domain.PaymentStatusFailed,
		domain.StatusCancelled,
		cancelledAt,
		reason,
		cancelledAt,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
