package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/payment/domain"
	"github.com/staylane/atrium/internal/payment/provider"
	reservationdomain "github.com/staylane/atrium/internal/reservation/domain"
	pkgdb "github.com/staylane/atrium/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconciliation outcomes recorded on the metrics counter.
const (
	outcomePaid      = "paid"
	outcomeCancelled = "cancelled"
)

type reconcileInput struct {
	eventRowID        snowflake.ID
	reservationID     snowflake.ID
	providerPaymentID string
	checkoutSessionID string
	amount            int64
	currency          string
	fee               int64
	netAmount         int64
	source            *provider.Source
	failureCode       string
	failureMessage    string
	succeeded         bool
}

// reconcile applies one payment outcome to the payment row and its
// reservation in a single transaction. Outcomes are last-write-wins: a
// failure arriving after a success flips the reservation back, matching the
// provider's own event ordering.
func (s *service) reconcile(ctx context.Context, input reconcileInput) error {
	if input.providerPaymentID == "" && input.checkoutSessionID == "" {
		return domain.ErrInvalidEvent
	}

	now := s.clock.Now()
	outcome := outcomeCancelled
	if input.succeeded {
		outcome = outcomePaid
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.reservations.FindByID(ctx, tx, input.reservationID)
		if err != nil {
			return err
		}

		if input.amount == 0 {
			input.amount = reservation.TotalAmount
		}
		if input.currency == "" {
			input.currency = reservation.Currency
		}

		if err := s.upsertPayment(ctx, tx, input, now); err != nil {
			return err
		}

		if input.succeeded {
			return s.reservations.MarkPaid(ctx, tx, reservation.ID, now)
		}
		return s.reservations.MarkCancelled(ctx, tx, reservation.ID, now, reservationdomain.CancellationReasonPaymentFailed)
	})
	if err != nil {
		return err
	}

	s.metrics.RecordReconciliation(ctx, outcome)
	s.log.Info("reservation reconciled",
		zap.Int64("reservation_id", int64(input.reservationID)),
		zap.String("outcome", outcome),
	)
	return nil
}

// upsertPayment finds or creates the payment row for this provider payment
// and writes the outcome onto it. A concurrent insert losing the unique-index
// race falls through to the update path.
func (s *service) upsertPayment(ctx context.Context, tx *gorm.DB, input reconcileInput, now time.Time) error {
	existing, err := s.repo.FindPayment(ctx, tx, ProviderName, input.providerPaymentID, input.checkoutSessionID)
	if err != nil {
		return err
	}

	if existing == nil {
		payment := s.buildPayment(input, now)
		inserted, err := s.repo.InsertPayment(ctx, tx, payment)
		if err != nil && !pkgdb.IsDuplicateKeyErr(err) {
			return err
		}
		if err == nil && inserted {
			return nil
		}
		existing, err = s.repo.FindPayment(ctx, tx, ProviderName, input.providerPaymentID, input.checkoutSessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrInvalidEvent
		}
	}

	applyOutcome(existing, input, now)
	existing.UpdatedAt = now
	return s.repo.UpdatePayment(ctx, tx, existing)
}

func (s *service) buildPayment(input reconcileInput, now time.Time) *domain.Payment {
	payment := &domain.Payment{
		ID:                s.node.Generate(),
		ReservationID:     input.reservationID,
		Provider:          ProviderName,
		ProviderPaymentID: input.providerPaymentID,
		Amount:            input.amount,
		Currency:          input.currency,
		Status:            domain.PaymentStatusProcessing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if input.checkoutSessionID != "" {
		sessionID := input.checkoutSessionID
		payment.CheckoutSessionID = &sessionID
	}
	applyOutcome(payment, input, now)
	return payment
}

// applyOutcome overwrites the outcome-bearing fields from the latest event.
func applyOutcome(payment *domain.Payment, input reconcileInput, now time.Time) {
	if input.providerPaymentID != "" {
		payment.ProviderPaymentID = input.providerPaymentID
	}
	if input.checkoutSessionID != "" && payment.CheckoutSessionID == nil {
		sessionID := input.checkoutSessionID
		payment.CheckoutSessionID = &sessionID
	}
	if input.amount > 0 {
		payment.Amount = input.amount
	}
	if input.currency != "" {
		payment.Currency = input.currency
	}
	payment.WebhookEventID = &input.eventRowID

	method := "card"
	if input.source != nil {
		if input.source.Type != "" {
			method = input.source.Type
		}
		if input.source.Brand != "" {
			brand := input.source.Brand
			payment.CardBrand = &brand
		}
		if input.source.Last4 != "" {
			last4 := input.source.Last4
			payment.CardLast4 = &last4
		}
		if input.source.Country != "" {
			country := input.source.Country
			payment.CardCountry = &country
		}
	}
	payment.Method = method
	payment.PaymentMethod = method

	if input.succeeded {
		payment.Status = domain.PaymentStatusSucceeded
		payment.Fee = input.fee
		payment.NetAmount = input.netAmount
		if payment.NetAmount == 0 && payment.Amount > 0 {
			payment.NetAmount = payment.Amount - payment.Fee
		}
		capturedAt := now
		payment.CapturedAt = &capturedAt
		payment.FailureCode = nil
		payment.FailureMessage = nil
		return
	}

	payment.Status = domain.PaymentStatusFailed
	payment.CapturedAt = nil
	if input.failureCode != "" {
		code := input.failureCode
		payment.FailureCode = &code
	}
	if input.failureMessage != "" {
		message := input.failureMessage
		payment.FailureMessage = &message
	}
}
