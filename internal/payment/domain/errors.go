package domain

import (
	"errors"

	reservationdomain "github.com/staylane/atrium/internal/reservation/domain"
)

var (
	// ErrInvalidSignature rejects an event before any persistence.
	ErrInvalidSignature = errors.New("invalid_signature")
	// ErrInvalidEnvelope marks a payload that does not match the provider
	// envelope; provider-side bug, never retried.
	ErrInvalidEnvelope = errors.New("invalid_event_structure")
	// ErrMissingReservationID marks an event whose metadata carries no
	// reservation linkage. Permanent: no target will ever appear.
	ErrMissingReservationID = errors.New("missing_reservation_id")
	// ErrInvalidEvent marks an event failing basic validation.
	ErrInvalidEvent = errors.New("invalid_event")
)

// IsPermanentFailure reports whether a processing error can never succeed on
// retry. Permanent failures are recorded without a next_retry_at so the
// internal poller leaves them alone.
func IsPermanentFailure(err error) bool {
	return errors.Is(err, ErrMissingReservationID) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidEnvelope) ||
		errors.Is(err, reservationdomain.ErrNotFound)
}
