package provider

import (
	"encoding/json"
	"strconv"
	"strings"

	paymentdomain "github.com/staylane/atrium/internal/payment/domain"
)

// Event is a decoded provider notification. Resource is nil when the event
// type is unhandled.
type Event struct {
	ID           string
	Type         string
	ResourceType string
	ResourceID   string
	Resource     Resource
}

// Resource is the closed set of provider object shapes this core decodes.
type Resource interface {
	Family() string
}

type CheckoutSession struct {
	ID              string
	PaymentIntentID string
	LineItems       []LineItem
	Payments        []PaymentAttempt
	Metadata        map[string]string
}

func (CheckoutSession) Family() string { return ResourceCheckoutSession }

// TotalAmount sums line items in minor currency units.
func (s CheckoutSession) TotalAmount() int64 {
	var total int64
	for _, item := range s.LineItems {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		total += item.Amount * quantity
	}
	return total
}

// Currency returns the line-item currency, falling back across items.
func (s CheckoutSession) Currency() string {
	for _, item := range s.LineItems {
		if currency := strings.TrimSpace(item.Currency); currency != "" {
			return strings.ToUpper(currency)
		}
	}
	return ""
}

// LatestPayment returns the last recorded payment attempt, if any.
func (s CheckoutSession) LatestPayment() *PaymentAttempt {
	if len(s.Payments) == 0 {
		return nil
	}
	return &s.Payments[len(s.Payments)-1]
}

type PaymentIntent struct {
	ID               string
	Amount           int64
	Currency         string
	Fee              int64
	NetAmount        int64
	Source           *Source
	LastPaymentError *PaymentError
	Metadata         map[string]string
}

func (PaymentIntent) Family() string { return ResourcePaymentIntent }

type LineItem struct {
	Name     string
	Amount   int64
	Currency string
	Quantity int64
}

type PaymentAttempt struct {
	ID             string
	Fee            int64
	NetAmount      int64
	Source         *Source
	FailureCode    string
	FailureMessage string
}

type Source struct {
	Type    string
	Brand   string
	Last4   string
	Country string
}

type PaymentError struct {
	Code   string
	Detail string
}

// Wire shapes. The envelope is
// {data:{id, attributes:{type, data:{id, type, attributes}}}}.
type envelope struct {
	Data envelopeData `json:"data"`
}

type envelopeData struct {
	ID         string             `json:"id"`
	Attributes envelopeAttributes `json:"attributes"`
}

type envelopeAttributes struct {
	Type string           `json:"type"`
	Data envelopeResource `json:"data"`
}

type envelopeResource struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type wireCheckoutSession struct {
	PaymentIntent struct {
		ID string `json:"id"`
	} `json:"payment_intent"`
	LineItems []struct {
		Name     string `json:"name"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Quantity int64  `json:"quantity"`
	} `json:"line_items"`
	Payments []wirePayment  `json:"payments"`
	Metadata map[string]any `json:"metadata"`
}

type wirePayment struct {
	ID         string `json:"id"`
	Attributes struct {
		Fee            int64       `json:"fee"`
		NetAmount      int64       `json:"net_amount"`
		Source         *wireSource `json:"source"`
		FailureCode    string      `json:"failure_code"`
		FailureMessage string      `json:"failure_message"`
	} `json:"attributes"`
}

type wireSource struct {
	Type    string `json:"type"`
	Brand   string `json:"brand"`
	Last4   string `json:"last4"`
	Country string `json:"country"`
}

type wirePaymentIntent struct {
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	Fee              int64       `json:"fee"`
	NetAmount        int64       `json:"net_amount"`
	Source           *wireSource `json:"source"`
	LastPaymentError *struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"last_payment_error"`
	Metadata map[string]any `json:"metadata"`
}

// Decode parses the provider envelope and, for handled event types, the
// resource payload. Malformed envelopes fail with ErrInvalidEnvelope.
func Decode(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, paymentdomain.ErrInvalidEnvelope
	}

	eventID := strings.TrimSpace(env.Data.ID)
	eventType := strings.TrimSpace(env.Data.Attributes.Type)
	if eventID == "" || eventType == "" {
		return nil, paymentdomain.ErrInvalidEnvelope
	}

	event := &Event{
		ID:           eventID,
		Type:         eventType,
		ResourceType: strings.TrimSpace(env.Data.Attributes.Data.Type),
		ResourceID:   strings.TrimSpace(env.Data.Attributes.Data.ID),
	}

	classification := Classify(eventType)
	if !classification.Handled {
		return event, nil
	}
	if event.ResourceID == "" || len(env.Data.Attributes.Data.Attributes) == 0 {
		return nil, paymentdomain.ErrInvalidEnvelope
	}

	switch classification.Family {
	case ResourceCheckoutSession:
		resource, err := decodeCheckoutSession(event.ResourceID, env.Data.Attributes.Data.Attributes)
		if err != nil {
			return nil, err
		}
		event.Resource = resource
	case ResourcePaymentIntent:
		resource, err := decodePaymentIntent(event.ResourceID, env.Data.Attributes.Data.Attributes)
		if err != nil {
			return nil, err
		}
		event.Resource = resource
	}

	return event, nil
}

func decodeCheckoutSession(id string, raw json.RawMessage) (*CheckoutSession, error) {
	var wire wireCheckoutSession
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, paymentdomain.ErrInvalidEnvelope
	}

	session := &CheckoutSession{
		ID:              id,
		PaymentIntentID: strings.TrimSpace(wire.PaymentIntent.ID),
		Metadata:        normalizeMetadata(wire.Metadata),
	}
	for _, item := range wire.LineItems {
		session.LineItems = append(session.LineItems, LineItem{
			Name:     strings.TrimSpace(item.Name),
			Amount:   item.Amount,
			Currency: strings.ToUpper(strings.TrimSpace(item.Currency)),
			Quantity: item.Quantity,
		})
	}
	for _, payment := range wire.Payments {
		session.Payments = append(session.Payments, PaymentAttempt{
			ID:             strings.TrimSpace(payment.ID),
			Fee:            payment.Attributes.Fee,
			NetAmount:      payment.Attributes.NetAmount,
			Source:         decodeSource(payment.Attributes.Source),
			FailureCode:    strings.TrimSpace(payment.Attributes.FailureCode),
			FailureMessage: strings.TrimSpace(payment.Attributes.FailureMessage),
		})
	}
	return session, nil
}

func decodePaymentIntent(id string, raw json.RawMessage) (*PaymentIntent, error) {
	var wire wirePaymentIntent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, paymentdomain.ErrInvalidEnvelope
	}

	intent := &PaymentIntent{
		ID:        id,
		Amount:    wire.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(wire.Currency)),
		Fee:       wire.Fee,
		NetAmount: wire.NetAmount,
		Source:    decodeSource(wire.Source),
		Metadata:  normalizeMetadata(wire.Metadata),
	}
	if wire.LastPaymentError != nil {
		intent.LastPaymentError = &PaymentError{
			Code:   strings.TrimSpace(wire.LastPaymentError.Code),
			Detail: strings.TrimSpace(wire.LastPaymentError.Detail),
		}
	}
	return intent, nil
}

func decodeSource(wire *wireSource) *Source {
	if wire == nil {
		return nil
	}
	return &Source{
		Type:    strings.ToLower(strings.TrimSpace(wire.Type)),
		Brand:   strings.TrimSpace(wire.Brand),
		Last4:   strings.TrimSpace(wire.Last4),
		Country: strings.ToUpper(strings.TrimSpace(wire.Country)),
	}
}

// normalizeMetadata flattens metadata values to strings; providers round-trip
// ids as strings or numbers depending on the SDK that set them.
func normalizeMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		switch cast := value.(type) {
		case string:
			out[key] = strings.TrimSpace(cast)
		case float64:
			out[key] = strconv.FormatInt(int64(cast), 10)
		case json.Number:
			out[key] = cast.String()
		case int64:
			out[key] = strconv.FormatInt(cast, 10)
		case int:
			out[key] = strconv.Itoa(cast)
		}
	}
	return out
}
