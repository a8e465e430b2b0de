// Package processor talks to the payment processor's REST API.
//
// The engine needs three capabilities from the processor: the list of
// returns/disputes in a trailing window, the order volume for the same
// window, and the ability to create a refund. Both are defined as small
// interfaces so tests can substitute fakes and so the Stripe refund path can
// coexist with the FastSpring-style returns API.
package processor

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors
var (
	ErrNotConfigured = errors.New("processor: API credentials not configured")
	ErrUnavailable   = errors.New("processor: API unavailable")
)

// Dispute is one processor-reported return, chargeback, or open dispute.
type Dispute struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"orderId,omitempty"`
	CustomerEmail string    `json:"customerEmail,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Status        string    `json:"status"` // "open", "completed", "declined"
	Amount        float64   `json:"amount"`
	Created       time.Time `json:"created"`
}

// IsOpen reports whether the dispute is still unresolved.
func (d *Dispute) IsOpen() bool { return d.Status == "open" }

// DisputeFetcher reads dispute and order-volume data from the processor.
type DisputeFetcher interface {
	// ListReturns returns all returns/disputes created in [since, now].
	ListReturns(ctx context.Context, since time.Time) ([]Dispute, error)
	// CountOrders returns the processor-side order count for [since, now].
	CountOrders(ctx context.Context, since time.Time) (int, error)
}

// RefundRequest describes one refund to execute.
type RefundRequest struct {
	OrderID string
	Email   string
	Amount  float64
	Reason  string
	Comment string
}

// Refunder creates refunds. Implementations must honor the order ID as an
// idempotency key so the same order is never refunded twice.
type Refunder interface {
	CreateRefund(ctx context.Context, req RefundRequest) (refundID string, err error)
}
