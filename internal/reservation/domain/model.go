package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Reservation is the booking this core reconciles payment outcomes onto.
// Rows are created by the checkout collaborator; this core only updates them.
type Reservation struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	ConfirmationNumber string       `json:"confirmation_number" gorm:"type:text;not null"`
	GuestName          string       `json:"guest_name" gorm:"type:text;not null"`
	GuestEmail         string       `json:"guest_email" gorm:"type:text;not null"`
	CheckIn            *time.Time   `json:"check_in"`
	CheckOut           *time.Time   `json:"check_out"`
	TotalAmount        int64        `json:"total_amount" gorm:"not null"`
	Currency           string       `json:"currency" gorm:"type:text;not null"`
	PaymentStatus      string       `json:"payment_status" gorm:"type:text;not null"`
	Status             string       `json:"status" gorm:"type:text;not null"`
	PaidAt             *time.Time   `json:"paid_at"`
	CancelledAt        *time.Time   `json:"cancelled_at"`
	CancellationReason *string      `json:"cancellation_reason"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"

	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// CancellationReasonPaymentFailed is the reason written when payment
// reconciliation cancels a reservation.
const CancellationReasonPaymentFailed = "Payment failed"

var ErrNotFound = errors.New("reservation_not_found")

// Repository persists reservations. Methods take the caller's *gorm.DB so a
// transaction handle can flow through.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledAt time.Time, reason string) error
}
