// Package intake authenticates and parses inbound payment-provider events.
//
// Verification happens exactly once at the boundary: a raw body either
// becomes a fully-typed Event or is rejected, so nothing downstream ever
// re-checks payload shapes. This component never writes storage beyond
// the immutable external_events audit record.
package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSignatureInvalid means the cryptographic check failed. The caller
	// must reject with a client error and never process the payload.
	ErrSignatureInvalid = errors.New("intake: signature invalid")
	// ErrSchemaInvalid means an authenticated payload did not match any
	// known event shape. Logged and acknowledged without effect.
	ErrSchemaInvalid = errors.New("intake: schema invalid")
)

// EventType is a recognized provider event type.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventChargeRefunded   EventType = "charge.refunded"
)

// Payment is the normalized object of a payment.succeeded/payment.failed event.
type Payment struct {
	EntityID       string `json:"entity_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	AccountID      string `json:"account_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// Refund is the normalized object of a charge.refunded event. Exactly one
// of EntityID or SubscriptionID references the charge being reversed.
type Refund struct {
	EntityID       string `json:"entity_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	AccountID      string `json:"account_id"`
	AmountCents    int64  `json:"amount_cents"`
}

// Event is a verified, normalized provider event. Exactly one of Payment
// or Refund is set for recognized types; both are nil for unrecognized
// types, which callers acknowledge without action.
type Event struct {
	ID         string
	Type       EventType
	ReceivedAt time.Time
	Raw        json.RawMessage

	Payment *Payment
	Refund  *Refund
}

// Recognized reports whether the event type carries a payload this core
// acts on.
func (e *Event) Recognized() bool {
	return e.Payment != nil || e.Refund != nil
}

// envelope is the provider's wire format.
type envelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	ObjectPayload json.RawMessage `json:"object_payload"`
}

// Verify authenticates rawBody against signatureHeader (hex-encoded
// HMAC-SHA256 of the body) and normalizes it into an Event.
//
// Fails with ErrSignatureInvalid on a bad signature and ErrSchemaInvalid
// when an authenticated payload does not parse. Unrecognized but
// well-formed event types succeed with Payment and Refund both nil.
func Verify(rawBody []byte, signatureHeader, secret string) (*Event, error) {
	if !validSignature(rawBody, signatureHeader, secret) {
		return nil, ErrSignatureInvalid
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if env.EventID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing event_id or type", ErrSchemaInvalid)
	}

	event := &Event{
		ID:         env.EventID,
		Type:       EventType(env.Type),
		ReceivedAt: time.Now(),
		Raw:        append(json.RawMessage(nil), rawBody...),
	}

	switch event.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var p Payment
		if err := json.Unmarshal(env.ObjectPayload, &p); err != nil {
			return nil, fmt.Errorf("%w: payment object: %v", ErrSchemaInvalid, err)
		}
		if p.EntityID == "" && p.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: payment object missing entity_id", ErrSchemaInvalid)
		}
		if p.AccountID == "" {
			return nil, fmt.Errorf("%w: payment object missing account_id", ErrSchemaInvalid)
		}
		if p.AmountCents < 0 {
			return nil, fmt.Errorf("%w: negative amount", ErrSchemaInvalid)
		}
		event.Payment = &p
	case EventChargeRefunded:
		var r Refund
		if err := json.Unmarshal(env.ObjectPayload, &r); err != nil {
			return nil, fmt.Errorf("%w: refund object: %v", ErrSchemaInvalid, err)
		}
		if (r.EntityID == "" && r.SubscriptionID == "") || r.AccountID == "" {
			return nil, fmt.Errorf("%w: refund object missing entity_id or account_id", ErrSchemaInvalid)
		}
		event.Refund = &r
	default:
		// Unrecognized type: acknowledged without action.
	}

	return event, nil
}

// Sign computes the signature for a body. Used by tests and by providers
// integrating against this endpoint.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func validSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hmac.Equal(h.Sum(nil), want)
}
