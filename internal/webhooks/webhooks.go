// Package webhooks receives payment processor event notifications, verifies
// their signatures and routes them into risk evaluation or customer
// lifecycle notifications.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a processor notification.
type EventType string

const (
	EventReturnCreated       EventType = "return.created"
	EventChargebackCreated   EventType = "chargeback.created"
	EventDisputeCreated      EventType = "dispute.created"
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentFailed       EventType = "invoice.payment_failed"
)

// IsDispute reports whether the event represents money being pulled back.
func (t EventType) IsDispute() bool {
	switch t {
	case EventReturnCreated, EventChargebackCreated, EventDisputeCreated:
		return true
	}
	return false
}

// Event is one inbound processor notification.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	CustomerEmail string    `json:"customerEmail"`
	OrderID       string    `json:"orderId,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Created       time.Time `json:"created"`
}

// ParseEvent decodes and validates an event payload.
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("event missing id or type")
	}
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	return &e, nil
}

// Sign computes the hex HMAC-SHA256 signature for a payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the signature header against the payload using a
// constant-time comparison. An empty secret disables verification.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
