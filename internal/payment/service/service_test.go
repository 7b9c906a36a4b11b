package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/clock"
	"github.com/staylane/atrium/internal/config"
	"github.com/staylane/atrium/internal/payment/domain"
	"github.com/staylane/atrium/internal/payment/provider"
	"github.com/staylane/atrium/internal/payment/repository"
	reservationdomain "github.com/staylane/atrium/internal/reservation/domain"
	reservationrepo "github.com/staylane/atrium/internal/reservation/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testSecret        = "whsec_test"
	testReservationID = snowflake.ID(42)
)

var testStart = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

var testSchema = []string{
	`CREATE TABLE reservations (
		id INTEGER PRIMARY KEY,
		confirmation_number TEXT NOT NULL,
		guest_name TEXT NOT NULL,
		guest_email TEXT NOT NULL,
		check_in DATETIME,
		check_out DATETIME,
		total_amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		payment_status TEXT NOT NULL DEFAULT 'pending',
		status TEXT NOT NULL DEFAULT 'pending',
		paid_at DATETIME,
		cancelled_at DATETIME,
		cancellation_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE webhook_events (
		id INTEGER PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		headers TEXT,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at DATETIME,
		error TEXT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_event_id ON webhook_events (event_id)`,
	`CREATE TABLE payments (
		id INTEGER PRIMARY KEY,
		reservation_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_payment_id TEXT NOT NULL,
		checkout_session_id TEXT,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		net_amount INTEGER NOT NULL DEFAULT 0,
		fee INTEGER NOT NULL DEFAULT 0,
		method TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		card_brand TEXT,
		card_last4 TEXT,
		card_country TEXT,
		status TEXT NOT NULL,
		failure_code TEXT,
		failure_message TEXT,
		webhook_event_id INTEGER,
		captured_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payments_provider_payment_id ON payments (provider, provider_payment_id) WHERE provider_payment_id <> ''`,
	`CREATE UNIQUE INDEX ux_payments_checkout_session_id ON payments (checkout_session_id) WHERE checkout_session_id IS NOT NULL`,
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range testSchema {
		if err := gormDB.Exec(ddl).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return gormDB
}

func seedReservation(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO reservations (
			id, confirmation_number, guest_name, guest_email, total_amount,
			currency, payment_status, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		testReservationID,
		"BK-2026-000042",
		"Ana Reyes",
		"ana@example.com",
		550000,
		"PHP",
		reservationdomain.PaymentStatusPending,
		reservationdomain.StatusPending,
		testStart,
		testStart,
	).Error
	if err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
}

type testEnv struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	service  domain.Service
	repo     domain.Repository
	resRepo  reservationdomain.Repository
	verifier *provider.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	seedReservation(t, db)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	clk := clock.NewFakeClock(testStart)
	verifier := provider.NewVerifier(config.Config{WebhookSecret: testSecret}, zap.NewNop())
	repo := repository.Provide()
	resRepo := reservationrepo.Provide()

	svc := New(Params{
		DB:           db,
		Node:         node,
		Clock:        clk,
		Log:          zap.NewNop(),
		Verifier:     verifier,
		Repo:         repo,
		Reservations: resRepo,
	})

	return &testEnv{
		db:       db,
		clock:    clk,
		service:  svc,
		repo:     repo,
		resRepo:  resRepo,
		verifier: verifier,
	}
}

func signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *testEnv) ingest(t *testing.T, payload []byte) (domain.IngestResult, error) {
	t.Helper()
	return e.service.IngestWebhook(context.Background(), payload, domain.RequestMetadata{
		Signature: signPayload(payload),
		IPAddress: "203.0.113.7",
		UserAgent: "provider-webhooks/1.0",
	})
}

func checkoutCompletedPayload(eventID, reservationID string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"id": %q,
			"attributes": {
				"type": "checkout_session.completed",
				"data": {
					"id": "cs_abc",
					"type": "checkout_session",
					"attributes": {
						"payment_intent": {"id": "pi_abc"},
						"line_items": [
							{"name": "Deluxe Room x 2 nights", "amount": 250000, "currency": "PHP", "quantity": 2},
							{"name": "Breakfast", "amount": 50000, "currency": "PHP", "quantity": 1}
						],
						"payments": [
							{"id": "pay_1", "attributes": {"fee": 12500, "net_amount": 537500, "source": {"type": "card", "brand": "visa", "last4": "4242", "country": "PH"}}}
						],
						"metadata": {"reservation_id": %q}
					}
				}
			}
		}
	}`, eventID, reservationID))
}

func intentFailedPayload(eventID, reservationID string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"id": %q,
			"attributes": {
				"type": "payment_intent.payment_failed",
				"data": {
					"id": "pi_abc",
					"type": "payment_intent",
					"attributes": {
						"amount": 550000,
						"currency": "PHP",
						"source": {"type": "card", "brand": "visa", "last4": "4242", "country": "PH"},
						"last_payment_error": {"code": "card_declined", "detail": "The card was declined."},
						"metadata": {"reservation_id": %q}
					}
				}
			}
		}
	}`, eventID, reservationID))
}

func (e *testEnv) mustReservation(t *testing.T) *reservationdomain.Reservation {
	t.Helper()
	reservation, err := e.resRepo.FindByID(context.Background(), e.db, testReservationID)
	if err != nil {
		t.Fatalf("find reservation: %v", err)
	}
	return reservation
}

func (e *testEnv) mustEvent(t *testing.T, eventID string) *domain.WebhookEvent {
	t.Helper()
	event, err := e.repo.FindEventByEventID(context.Background(), e.db, eventID)
	if err != nil {
		t.Fatalf("find event: %v", err)
	}
	if event == nil {
		t.Fatalf("event %s not stored", eventID)
	}
	return event
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := e.db.Raw("SELECT COUNT(*) FROM " + table).Scan(&n).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestIngestCheckoutCompletedMarksReservationPaid(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.ingest(t, checkoutCompletedPayload("evt_1", "42"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Processed {
		t.Fatal("expected event to be processed")
	}

	reservation := env.mustReservation(t)
	if reservation.PaymentStatus != reservationdomain.PaymentStatusPaid {
		t.Fatalf("payment_status = %s, want paid", reservation.PaymentStatus)
	}
	if reservation.Status != reservationdomain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", reservation.Status)
	}
	if reservation.PaidAt == nil || !reservation.PaidAt.Equal(testStart) {
		t.Fatalf("paid_at = %v, want %v", reservation.PaidAt, testStart)
	}

	payment, err := env.repo.FindPayment(context.Background(), env.db, ProviderName, "pi_abc", "")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment == nil {
		t.Fatal("payment row not created")
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status = %s, want succeeded", payment.Status)
	}
	if payment.Amount != 550000 {
		t.Fatalf("amount = %d, want 550000", payment.Amount)
	}
	if payment.CheckoutSessionID == nil || *payment.CheckoutSessionID != "cs_abc" {
		t.Fatalf("checkout_session_id = %v, want cs_abc", payment.CheckoutSessionID)
	}
	if payment.CardBrand == nil || *payment.CardBrand != "visa" {
		t.Fatalf("card_brand = %v, want visa", payment.CardBrand)
	}

	event := env.mustEvent(t, "evt_1")
	if event.Status != domain.EventStatusProcessed {
		t.Fatalf("event status = %s, want processed", event.Status)
	}
	if event.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
}

func TestIngestDuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	env := newTestEnv(t)
	payload := checkoutCompletedPayload("evt_1", "42")

	if _, err := env.ingest(t, payload); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	result, err := env.ingest(t, payload)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if !result.Processed {
		t.Fatal("already-processed redelivery must answer processed")
	}

	if n := env.countRows(t, "webhook_events"); n != 1 {
		t.Fatalf("webhook_events rows = %d, want 1", n)
	}
	if n := env.countRows(t, "payments"); n != 1 {
		t.Fatalf("payments rows = %d, want 1", n)
	}
}

func TestIngestDuplicateOfIgnoredEventStaysUnprocessed(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{
		"data": {
			"id": "evt_ref",
			"attributes": {
				"type": "refund.updated",
				"data": {"id": "ref_1", "type": "refund", "attributes": {}}
			}
		}
	}`)

	if _, err := env.ingest(t, payload); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	result, err := env.ingest(t, payload)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if result.Processed {
		t.Fatal("ignored redelivery must not answer processed")
	}
}

func TestIngestIntentFailureCancelsReservation(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.ingest(t, intentFailedPayload("evt_2", "42"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Processed {
		t.Fatal("expected event to be processed")
	}

	reservation := env.mustReservation(t)
	if reservation.PaymentStatus != reservationdomain.PaymentStatusFailed {
		t.Fatalf("payment_status = %s, want failed", reservation.PaymentStatus)
	}
	if reservation.Status != reservationdomain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", reservation.Status)
	}
	if reservation.CancellationReason == nil || *reservation.CancellationReason != reservationdomain.CancellationReasonPaymentFailed {
		t.Fatalf("cancellation_reason = %v, want %q", reservation.CancellationReason, reservationdomain.CancellationReasonPaymentFailed)
	}

	payment, err := env.repo.FindPayment(context.Background(), env.db, ProviderName, "pi_abc", "")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment == nil {
		t.Fatal("payment row not created")
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
	if payment.FailureCode == nil || *payment.FailureCode != "card_declined" {
		t.Fatalf("failure_code = %v, want card_declined", payment.FailureCode)
	}
}

func TestFailureAfterSuccessWinsLastWrite(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ingest(t, checkoutCompletedPayload("evt_1", "42")); err != nil {
		t.Fatalf("success ingest: %v", err)
	}
	if _, err := env.ingest(t, intentFailedPayload("evt_2", "42")); err != nil {
		t.Fatalf("failure ingest: %v", err)
	}

	reservation := env.mustReservation(t)
	if reservation.Status != reservationdomain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", reservation.Status)
	}

	if n := env.countRows(t, "payments"); n != 1 {
		t.Fatalf("payments rows = %d, want 1", n)
	}
	payment, err := env.repo.FindPayment(context.Background(), env.db, ProviderName, "pi_abc", "")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
}

func checkoutCompletedNoIntentPayload(eventID, sessionID, reservationID string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"id": %q,
			"attributes": {
				"type": "checkout_session.completed",
				"data": {
					"id": %q,
					"type": "checkout_session",
					"attributes": {
						"line_items": [{"name": "Standard Room", "amount": 120000, "currency": "PHP", "quantity": 1}],
						"metadata": {"reservation_id": %q}
					}
				}
			}
		}
	}`, eventID, sessionID, reservationID))
}

func TestCheckoutSessionsWithoutIntentDoNotCollide(t *testing.T) {
	env := newTestEnv(t)
	err := env.db.Exec(
		`INSERT INTO reservations (
			id, confirmation_number, guest_name, guest_email, total_amount,
			currency, payment_status, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		43, "BK-2026-000043", "Ben Cruz", "ben@example.com", 120000, "PHP",
		reservationdomain.PaymentStatusPending, reservationdomain.StatusPending,
		testStart, testStart,
	).Error
	if err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	first, err := env.ingest(t, checkoutCompletedNoIntentPayload("evt_cs_1", "cs_one", "42"))
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if !first.Processed {
		t.Fatal("first checkout not processed")
	}
	second, err := env.ingest(t, checkoutCompletedNoIntentPayload("evt_cs_2", "cs_two", "43"))
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !second.Processed {
		t.Fatal("second checkout not processed")
	}

	if n := env.countRows(t, "payments"); n != 2 {
		t.Fatalf("payments rows = %d, want 2", n)
	}
	for _, id := range []snowflake.ID{42, 43} {
		reservation, err := env.resRepo.FindByID(context.Background(), env.db, id)
		if err != nil {
			t.Fatalf("find reservation %d: %v", id, err)
		}
		if reservation.PaymentStatus != reservationdomain.PaymentStatusPaid {
			t.Fatalf("reservation %d payment_status = %s, want paid", id, reservation.PaymentStatus)
		}
	}
}

func TestCheckoutFailureAfterSuccessFindsSameSessionRow(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ingest(t, checkoutCompletedNoIntentPayload("evt_cs_1", "cs_one", "42")); err != nil {
		t.Fatalf("success ingest: %v", err)
	}

	failure := []byte(`{
		"data": {
			"id": "evt_cs_fail",
			"attributes": {
				"type": "checkout_session.payment_failed",
				"data": {
					"id": "cs_one",
					"type": "checkout_session",
					"attributes": {
						"line_items": [{"name": "Standard Room", "amount": 120000, "currency": "PHP", "quantity": 1}],
						"payments": [{"id": "pay_f1", "attributes": {"failure_code": "card_declined", "failure_message": "The card was declined."}}],
						"metadata": {"reservation_id": "42"}
					}
				}
			}
		}
	}`)
	if _, err := env.ingest(t, failure); err != nil {
		t.Fatalf("failure ingest: %v", err)
	}

	if n := env.countRows(t, "payments"); n != 1 {
		t.Fatalf("payments rows = %d, want 1", n)
	}
	payment, err := env.repo.FindPayment(context.Background(), env.db, ProviderName, "", "cs_one")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment == nil {
		t.Fatal("payment row missing")
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
}

func TestIngestMissingReservationIDIsPermanent(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{
		"data": {
			"id": "evt_3",
			"attributes": {
				"type": "payment_intent.succeeded",
				"data": {
					"id": "pi_orphan",
					"type": "payment_intent",
					"attributes": {"amount": 1000, "currency": "PHP", "metadata": {}}
				}
			}
		}
	}`)

	_, err := env.ingest(t, payload)
	if !errors.Is(err, domain.ErrMissingReservationID) {
		t.Fatalf("expected ErrMissingReservationID, got %v", err)
	}

	event := env.mustEvent(t, "evt_3")
	if event.Status != domain.EventStatusFailed {
		t.Fatalf("event status = %s, want failed", event.Status)
	}
	if event.NextRetryAt != nil {
		t.Fatalf("permanent failure must not schedule retry, got %v", event.NextRetryAt)
	}
}

func TestIngestUnknownReservationIsPermanent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ingest(t, checkoutCompletedPayload("evt_4", "999"))
	if !errors.Is(err, reservationdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	event := env.mustEvent(t, "evt_4")
	if event.NextRetryAt != nil {
		t.Fatalf("permanent failure must not schedule retry, got %v", event.NextRetryAt)
	}
}

func TestIngestUnknownEventTypeIgnored(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{
		"data": {
			"id": "evt_5",
			"attributes": {
				"type": "refund.updated",
				"data": {"id": "ref_1", "type": "refund", "attributes": {}}
			}
		}
	}`)

	result, err := env.ingest(t, payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Processed {
		t.Fatal("ignored event must not count as processed")
	}
	if result.Status != domain.EventStatusIgnored {
		t.Fatalf("status = %s, want ignored", result.Status)
	}

	reservation := env.mustReservation(t)
	if reservation.Status != reservationdomain.StatusPending {
		t.Fatalf("reservation must be untouched, got status %s", reservation.Status)
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := checkoutCompletedPayload("evt_6", "42")

	_, err := env.service.IngestWebhook(context.Background(), payload, domain.RequestMetadata{
		Signature: "deadbeef",
	})
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if n := env.countRows(t, "webhook_events"); n != 0 {
		t.Fatalf("rejected delivery must not be stored, got %d rows", n)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)

	if err := env.db.Exec("DROP TABLE payments").Error; err != nil {
		t.Fatalf("drop payments: %v", err)
	}

	_, err := env.ingest(t, checkoutCompletedPayload("evt_7", "42"))
	if err == nil {
		t.Fatal("expected processing error")
	}

	event := env.mustEvent(t, "evt_7")
	if event.Status != domain.EventStatusFailed {
		t.Fatalf("event status = %s, want failed", event.Status)
	}
	if event.NextRetryAt == nil {
		t.Fatal("transient failure must schedule retry")
	}
	want := testStart.Add(domain.RetryBackoff)
	if !event.NextRetryAt.Equal(want) {
		t.Fatalf("next_retry_at = %v, want %v", event.NextRetryAt, want)
	}
	if event.Error == nil || *event.Error == "" {
		t.Fatal("failure reason not recorded")
	}
}
