package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/Aguti1902/iqmind-sub000/internal/retry"
)

const stripeBaseDelay = time.Second

// StripeRefunder executes refunds through the Stripe API for orders paid via
// Stripe. The order's payment intent ID is the refund target; the order ID is
// passed as the idempotency key so retried calls collapse into one refund.
type StripeRefunder struct {
	api *client.API
}

// NewStripeRefunder creates a Stripe-backed refunder. Returns nil when no
// secret key is configured; callers fall back to the processor REST refund
// path.
func NewStripeRefunder(secretKey string) *StripeRefunder {
	if secretKey == "" {
		return nil
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeRefunder{api: api}
}

// CreateRefund refunds the payment intent named by req.OrderID.
func (r *StripeRefunder) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	if r == nil || r.api == nil {
		return "", ErrNotConfigured
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.OrderID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(int64(math.Round(req.Amount * 100)))
	}
	params.Context = ctx
	params.SetIdempotencyKey("preventive_" + req.OrderID)
	params.AddMetadata("preventive", "true")
	params.AddMetadata("reason", req.Reason)

	var refundID string
	err := retry.Do(ctx, 3, stripeBaseDelay, func() error {
		ref, err := r.api.Refunds.New(params)
		if err != nil {
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
				return retry.Permanent(fmt.Errorf("stripe rejected refund for %s: %w", req.OrderID, err))
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		refundID = ref.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return refundID, nil
}
