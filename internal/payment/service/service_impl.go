package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/clock"
	"github.com/staylane/atrium/internal/observability/metrics"
	"github.com/staylane/atrium/internal/payment/domain"
	"github.com/staylane/atrium/internal/payment/provider"
	reservationdomain "github.com/staylane/atrium/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderName identifies the payment provider behind /webhooks/payments.
const ProviderName = "paymongo"

// metadataReservationKey is the metadata field linking a provider resource
// back to the reservation it pays for.
const metadataReservationKey = "reservation_id"

type Params struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Clock        clock.Clock
	Log          *zap.Logger
	Metrics      *metrics.Metrics `optional:"true"`
	Verifier     *provider.Verifier
	Repo         domain.Repository
	Reservations reservationdomain.Repository
}

type service struct {
	db           *gorm.DB
	node         *snowflake.Node
	clock        clock.Clock
	log          *zap.Logger
	metrics      *metrics.Metrics
	verifier     *provider.Verifier
	repo         domain.Repository
	reservations reservationdomain.Repository
}

func New(p Params) domain.Service {
	return &service{
		db:           p.DB,
		node:         p.Node,
		clock:        p.Clock,
		log:          p.Log.Named("payment.service"),
		metrics:      p.Metrics,
		verifier:     p.Verifier,
		repo:         p.Repo,
		reservations: p.Reservations,
	}
}

func (s *service) IngestWebhook(ctx context.Context, payload []byte, meta domain.RequestMetadata) (domain.IngestResult, error) {
	if err := s.verifier.Verify(payload, meta.Signature); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("ip_address", meta.IPAddress),
		)
		return domain.IngestResult{}, err
	}

	event, err := provider.Decode(payload)
	if err != nil {
		s.log.Warn("webhook payload rejected", zap.Error(err))
		return domain.IngestResult{}, err
	}

	now := s.clock.Now()
	row := &domain.WebhookEvent{
		ID:           s.node.Generate(),
		EventID:      event.ID,
		EventType:    event.Type,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Payload:      datatypes.JSON(payload),
		Signature:    meta.Signature,
		Headers:      encodeHeaders(meta.Headers),
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Status:       domain.EventStatusPending,
		ReceivedAt:   now,
		UpdatedAt:    now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, row)
	if err != nil {
		return domain.IngestResult{EventID: event.ID}, err
	}
	if !inserted {
		return s.resumeExisting(ctx, event, meta)
	}

	return s.runPipeline(ctx, row, event)
}

// resumeExisting handles a redelivery of an event id already on file. Finished
// events are acknowledged without re-processing; unfinished ones are
// re-claimed and run again.
func (s *service) resumeExisting(ctx context.Context, event *provider.Event, meta domain.RequestMetadata) (domain.IngestResult, error) {
	existing, err := s.repo.FindEventByEventID(ctx, s.db, event.ID)
	if err != nil {
		return domain.IngestResult{EventID: event.ID}, err
	}
	if existing == nil {
		// Insert lost the race and the winner's row is not visible yet.
		// Acknowledge; the winner owns processing.
		return domain.IngestResult{EventID: event.ID, Status: domain.EventStatusPending, Duplicate: true}, nil
	}

	switch existing.Status {
	case domain.EventStatusProcessed, domain.EventStatusIgnored:
		s.log.Info("duplicate webhook event acknowledged",
			zap.String("event_id", event.ID),
			zap.String("status", existing.Status),
		)
		s.recordEvent(ctx, event.Type, "duplicate")
		// An already-processed event answers processed=true; only ignored or
		// unfinished redeliveries answer false.
		return domain.IngestResult{
			EventID:   event.ID,
			Status:    existing.Status,
			Processed: existing.Status == domain.EventStatusProcessed,
			Duplicate: true,
		}, nil
	}

	if err := s.repo.MarkProcessing(ctx, s.db, existing.ID, s.clock.Now()); err != nil {
		return domain.IngestResult{EventID: event.ID}, err
	}
	result, err := s.runPipeline(ctx, existing, event)
	result.Duplicate = true
	return result, err
}

// runPipeline classifies and processes a stored event, writing the terminal
// event status.
func (s *service) runPipeline(ctx context.Context, row *domain.WebhookEvent, event *provider.Event) (domain.IngestResult, error) {
	classification := provider.Classify(event.Type)
	if !classification.Handled {
		if err := s.repo.MarkIgnored(ctx, s.db, row.ID, s.clock.Now()); err != nil {
			return domain.IngestResult{EventID: event.ID}, err
		}
		s.log.Info("webhook event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		s.recordEvent(ctx, event.Type, domain.EventStatusIgnored)
		return domain.IngestResult{EventID: event.ID, Status: domain.EventStatusIgnored}, nil
	}

	if err := s.process(ctx, row, event, classification); err != nil {
		s.markFailed(ctx, row, err)
		s.recordEvent(ctx, event.Type, domain.EventStatusFailed)
		return domain.IngestResult{EventID: event.ID, Status: domain.EventStatusFailed}, err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, row.ID, s.clock.Now()); err != nil {
		return domain.IngestResult{EventID: event.ID}, err
	}
	s.log.Info("webhook event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	s.recordEvent(ctx, event.Type, domain.EventStatusProcessed)
	return domain.IngestResult{EventID: event.ID, Status: domain.EventStatusProcessed, Processed: true}, nil
}

func (s *service) ReprocessEvent(ctx context.Context, row *domain.WebhookEvent) error {
	event, err := provider.Decode(row.Payload)
	if err != nil {
		s.markFailed(ctx, row, err)
		return err
	}

	if err := s.repo.MarkProcessing(ctx, s.db, row.ID, s.clock.Now()); err != nil {
		return err
	}
	_, err = s.runPipeline(ctx, row, event)
	return err
}

func (s *service) process(ctx context.Context, row *domain.WebhookEvent, event *provider.Event, classification provider.Classification) error {
	switch resource := event.Resource.(type) {
	case *provider.CheckoutSession:
		if classification.Succeeded {
			return s.handleCheckoutCompleted(ctx, row, resource)
		}
		return s.handleCheckoutFailed(ctx, row, resource)
	case *provider.PaymentIntent:
		if classification.Succeeded {
			return s.handleIntentSucceeded(ctx, row, resource)
		}
		return s.handleIntentFailed(ctx, row, resource)
	default:
		return domain.ErrInvalidEvent
	}
}

func (s *service) handleCheckoutCompleted(ctx context.Context, row *domain.WebhookEvent, session *provider.CheckoutSession) error {
	reservationID, err := reservationFromMetadata(session.Metadata)
	if err != nil {
		return err
	}

	input := reconcileInput{
		eventRowID:        row.ID,
		reservationID:     reservationID,
		providerPaymentID: session.PaymentIntentID,
		checkoutSessionID: session.ID,
		amount:            session.TotalAmount(),
		currency:          session.Currency(),
		succeeded:         true,
	}
	if attempt := session.LatestPayment(); attempt != nil {
		if input.providerPaymentID == "" {
			input.providerPaymentID = attempt.ID
		}
		input.fee = attempt.Fee
		input.netAmount = attempt.NetAmount
		input.source = attempt.Source
	}
	return s.reconcile(ctx, input)
}

func (s *service) handleCheckoutFailed(ctx context.Context, row *domain.WebhookEvent, session *provider.CheckoutSession) error {
	reservationID, err := reservationFromMetadata(session.Metadata)
	if err != nil {
		return err
	}

	input := reconcileInput{
		eventRowID:        row.ID,
		reservationID:     reservationID,
		providerPaymentID: session.PaymentIntentID,
		checkoutSessionID: session.ID,
		amount:            session.TotalAmount(),
		currency:          session.Currency(),
	}
	if attempt := session.LatestPayment(); attempt != nil {
		if input.providerPaymentID == "" {
			input.providerPaymentID = attempt.ID
		}
		input.source = attempt.Source
		input.failureCode = attempt.FailureCode
		input.failureMessage = attempt.FailureMessage
	}
	return s.reconcile(ctx, input)
}

func (s *service) handleIntentSucceeded(ctx context.Context, row *domain.WebhookEvent, intent *provider.PaymentIntent) error {
	reservationID, err := reservationFromMetadata(intent.Metadata)
	if err != nil {
		return err
	}

	return s.reconcile(ctx, reconcileInput{
		eventRowID:        row.ID,
		reservationID:     reservationID,
		providerPaymentID: intent.ID,
		amount:            intent.Amount,
		currency:          intent.Currency,
		fee:               intent.Fee,
		netAmount:         intent.NetAmount,
		source:            intent.Source,
		succeeded:         true,
	})
}

func (s *service) handleIntentFailed(ctx context.Context, row *domain.WebhookEvent, intent *provider.PaymentIntent) error {
	reservationID, err := reservationFromMetadata(intent.Metadata)
	if err != nil {
		return err
	}

	input := reconcileInput{
		eventRowID:        row.ID,
		reservationID:     reservationID,
		providerPaymentID: intent.ID,
		amount:            intent.Amount,
		currency:          intent.Currency,
		source:            intent.Source,
	}
	if intent.LastPaymentError != nil {
		input.failureCode = intent.LastPaymentError.Code
		input.failureMessage = intent.LastPaymentError.Detail
	}
	return s.reconcile(ctx, input)
}

// markFailed records a processing failure on the event row. Transient failures
// get a next_retry_at so the poller picks them up; permanent ones do not.
func (s *service) markFailed(ctx context.Context, row *domain.WebhookEvent, cause error) {
	now := s.clock.Now()
	var nextRetryAt *time.Time
	if !domain.IsPermanentFailure(cause) {
		at := now.Add(domain.RetryBackoff)
		nextRetryAt = &at
	}
	if err := s.repo.MarkFailed(ctx, s.db, row.ID, cause.Error(), nextRetryAt, now); err != nil {
		s.log.Error("failed to record webhook failure",
			zap.String("event_id", row.EventID),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("webhook event failed",
		zap.String("event_id", row.EventID),
		zap.String("event_type", row.EventType),
		zap.Bool("retryable", nextRetryAt != nil),
		zap.Error(cause),
	)
}

func (s *service) recordEvent(ctx context.Context, eventType, status string) {
	s.metrics.RecordWebhookEvent(ctx, eventType, status)
}

func reservationFromMetadata(metadata map[string]string) (snowflake.ID, error) {
	raw, ok := metadata[metadataReservationKey]
	if !ok || raw == "" {
		return 0, domain.ErrMissingReservationID
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, domain.ErrMissingReservationID
	}
	return snowflake.ID(parsed), nil
}

func encodeHeaders(headers http.Header) datatypes.JSON {
	if len(headers) == 0 {
		return nil
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
