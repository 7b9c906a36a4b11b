package provider

import "strings"

// Provider event names this core understands.
const (
	EventCheckoutCompleted     = "checkout_session.completed"
	EventCheckoutPaymentFailed = "checkout_session.payment_failed"
	EventIntentSucceeded       = "payment_intent.succeeded"
	EventIntentPaymentFailed   = "payment_intent.payment_failed"
)

// Provider resource families.
const (
	ResourceCheckoutSession = "checkout_session"
	ResourcePaymentIntent   = "payment_intent"
)

// Classification resolves an event type to its resource family and outcome.
// Unknown types are Handled=false: the event is stored and acknowledged but no
// handler runs, so harmless types are never retried.
type Classification struct {
	Family    string
	Succeeded bool
	Handled   bool
}

func Classify(eventType string) Classification {
	switch strings.TrimSpace(eventType) {
	case EventCheckoutCompleted:
		return Classification{Family: ResourceCheckoutSession, Succeeded: true, Handled: true}
	case EventCheckoutPaymentFailed:
		return Classification{Family: ResourceCheckoutSession, Succeeded: false, Handled: true}
	case EventIntentSucceeded:
		return Classification{Family: ResourcePaymentIntent, Succeeded: true, Handled: true}
	case EventIntentPaymentFailed:
		return Classification{Family: ResourcePaymentIntent, Succeeded: false, Handled: true}
	default:
		return Classification{}
	}
}
