// Package executor carries out preventive actions decided by the policy
// layer: automatic refunds, proactive customer outreach, review flags and
// subscription cancellations. Refunds are bounded by a per-UTC-day cap and
// a per-order amount cap; anything over a cap is downgraded to a review
// flag instead of being silently dropped.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/metrics"
	"github.com/Aguti1902/iqmind-sub000/internal/notify"
	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
	"github.com/Aguti1902/iqmind-sub000/internal/retry"
	"github.com/Aguti1902/iqmind-sub000/internal/traces"
)

// ErrAlreadyExecuted is returned when an action has already been carried out.
var ErrAlreadyExecuted = errors.New("action already executed")

// Store persists actions for audit and review.
type Store interface {
	SaveAction(ctx context.Context, action *policy.PreventiveAction) error
	GetAction(ctx context.Context, id string) (*policy.PreventiveAction, error)
	MarkExecuted(ctx context.Context, id, refundID string, at time.Time) error
	ListRecent(ctx context.Context, limit int) ([]*policy.PreventiveAction, error)
	ListPending(ctx context.Context, olderThan time.Time) ([]*policy.PreventiveAction, error)
}

// Canceler terminates a subscription at the billing provider.
type Canceler interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Notifier receives executed-action events for operator alerting.
type Notifier interface {
	PreventiveRefundExecuted(ctx context.Context, action *policy.PreventiveAction, refundID string)
	ActionDowngraded(ctx context.Context, action *policy.PreventiveAction, reason string)
}

// Result describes the outcome of executing one action.
type Result struct {
	Action     *policy.PreventiveAction
	RefundID   string
	Downgraded bool
	Reason     string // set when Downgraded
}

// Executor applies preventive actions through the payment processor and
// mailer, recording everything in the audit store.
type Executor struct {
	store    Store
	refunder processor.Refunder
	canceler Canceler
	mailer   notify.Mailer
	notifier Notifier
	th       config.Thresholds
	log      *slog.Logger

	counter refundCounter
}

// Option configures an Executor.
type Option func(*Executor)

// WithCanceler enables automatic subscription cancellation.
func WithCanceler(c Canceler) Option {
	return func(e *Executor) { e.canceler = c }
}

// WithNotifier wires operator alerting for executed actions.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// New creates an Executor. refunder may be nil, in which case every
// AutoRefund downgrades to a review flag.
func New(store Store, refunder processor.Refunder, mailer notify.Mailer, th config.Thresholds, log *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		refunder: refunder,
		mailer:   mailer,
		th:       th,
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Execute carries out the action and records the outcome. The action is
// persisted before any side effect so a crash mid-execution leaves an
// auditable pending record. Execution is idempotent per action ID.
func (e *Executor) Execute(ctx context.Context, action *policy.PreventiveAction) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "action.execute",
		traces.ActionID(action.ID),
		traces.ActionKind(string(action.Kind)))
	defer span.End()

	log := e.log

	if existing, err := e.store.GetAction(ctx, action.ID); err == nil && existing != nil && existing.Executed {
		return nil, ErrAlreadyExecuted
	}
	if err := e.store.SaveAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist action: %w", err)
	}

	switch action.Kind {
	case policy.ActionAutoRefund:
		return e.executeRefund(ctx, action)
	case policy.ActionProactiveEmail:
		return e.executeOutreach(ctx, action)
	case policy.ActionAutoCancel:
		return e.executeCancel(ctx, action)
	case policy.ActionFlagForReview:
		if err := e.store.MarkExecuted(ctx, action.ID, "", time.Now().UTC()); err != nil {
			return nil, err
		}
		log.Info("user flagged for review",
			"action_id", action.ID,
			"user_id", action.SubjectUserID,
			"reason", action.Reason)
		return &Result{Action: action}, nil
	default:
		return nil, fmt.Errorf("unknown action kind: %s", action.Kind)
	}
}

func (e *Executor) executeRefund(ctx context.Context, action *policy.PreventiveAction) (*Result, error) {
	log := e.log

	if reason := e.refundBlocked(action); reason != "" {
		return e.downgrade(ctx, action, reason)
	}

	// Reserve a slot under the daily cap before calling out. A failed
	// refund releases its slot: only refunds that actually land count.
	if !e.counter.tryReserve(time.Now().UTC(), e.th.MaxAutoRefundsPerDay) {
		return e.downgrade(ctx, action,
			fmt.Sprintf("daily auto-refund cap reached (%d)", e.th.MaxAutoRefundsPerDay))
	}

	refundID, err := e.refunder.CreateRefund(ctx, processor.RefundRequest{
		OrderID: action.OrderID,
		Email:   action.SubjectEmail,
		Amount:  action.Amount,
		Reason:  "requested_by_customer",
		Comment: action.Reason,
	})
	if err != nil {
		e.counter.release(time.Now().UTC())
		if retry.IsPermanent(err) {
			log.Warn("processor rejected preventive refund, flagging instead",
				"action_id", action.ID, "order_id", action.OrderID, "error", err)
			return e.downgrade(ctx, action, fmt.Sprintf("refund rejected: %v", err))
		}
		return nil, fmt.Errorf("refund failed for order %s: %w", action.OrderID, err)
	}

	if err := e.store.MarkExecuted(ctx, action.ID, refundID, time.Now().UTC()); err != nil {
		// The refund went through; surfacing the store error would make the
		// caller retry a refund that already happened.
		log.Error("refund executed but not recorded", "action_id", action.ID, "error", err)
	}
	metrics.RefundsToday.Set(float64(e.RefundsToday()))
	log.Info("preventive refund executed",
		"action_id", action.ID,
		"order_id", action.OrderID,
		"refund_id", refundID,
		"amount", action.Amount,
		"user_id", action.SubjectUserID)

	if e.notifier != nil {
		e.notifier.PreventiveRefundExecuted(ctx, action, refundID)
	}
	return &Result{Action: action, RefundID: refundID}, nil
}

// refundBlocked returns the reason a refund cannot run, or "" if it can.
func (e *Executor) refundBlocked(action *policy.PreventiveAction) string {
	if e.refunder == nil {
		return "no refund provider configured"
	}
	if action.OrderID == "" {
		return "no order associated with subject"
	}
	if e.th.MaxAutoRefundAmount > 0 && action.Amount > e.th.MaxAutoRefundAmount {
		return fmt.Sprintf("amount %.2f exceeds auto-refund limit %.2f",
			action.Amount, e.th.MaxAutoRefundAmount)
	}
	return ""
}

func (e *Executor) executeOutreach(ctx context.Context, action *policy.PreventiveAction) (*Result, error) {
	log := e.log

	if action.SubjectEmail == "" {
		return e.downgrade(ctx, action, "no email address for subject")
	}
	err := e.mailer.Send(ctx, notify.Message{
		To:         []string{action.SubjectEmail},
		Subject:    "About your recent experience",
		TemplateID: notify.TemplateProactiveOutreach,
		Data: map[string]any{
			"user_id": action.SubjectUserID,
		},
	})
	if err != nil {
		if errors.Is(err, notify.ErrNotConfigured) {
			return e.downgrade(ctx, action, "mailer not configured")
		}
		return nil, fmt.Errorf("outreach email failed: %w", err)
	}
	if err := e.store.MarkExecuted(ctx, action.ID, "", time.Now().UTC()); err != nil {
		return nil, err
	}
	log.Info("proactive outreach sent", "action_id", action.ID, "email", action.SubjectEmail)
	return &Result{Action: action}, nil
}

func (e *Executor) executeCancel(ctx context.Context, action *policy.PreventiveAction) (*Result, error) {
	log := e.log

	if e.canceler == nil {
		return e.downgrade(ctx, action, "no cancellation provider configured")
	}
	if action.SubscriptionID == "" {
		return e.downgrade(ctx, action, "no subscription associated with subject")
	}
	if err := e.canceler.CancelSubscription(ctx, action.SubscriptionID); err != nil {
		if retry.IsPermanent(err) {
			return e.downgrade(ctx, action, fmt.Sprintf("cancellation rejected: %v", err))
		}
		return nil, fmt.Errorf("cancellation failed for %s: %w", action.SubscriptionID, err)
	}
	if err := e.store.MarkExecuted(ctx, action.ID, "", time.Now().UTC()); err != nil {
		return nil, err
	}
	log.Info("subscription cancelled",
		"action_id", action.ID, "subscription_id", action.SubscriptionID)
	return &Result{Action: action}, nil
}

// downgrade rewrites the action as a review flag and records it.
func (e *Executor) downgrade(ctx context.Context, action *policy.PreventiveAction, reason string) (*Result, error) {
	log := e.log

	original := action.Kind
	action.Kind = policy.ActionFlagForReview
	action.Reason = fmt.Sprintf("%s (downgraded from %s: %s)", action.Reason, original, reason)
	if err := e.store.SaveAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist downgraded action: %w", err)
	}
	if err := e.store.MarkExecuted(ctx, action.ID, "", time.Now().UTC()); err != nil {
		return nil, err
	}
	log.Warn("action downgraded to review flag",
		"action_id", action.ID,
		"original_kind", original,
		"downgrade_reason", reason)

	if e.notifier != nil {
		e.notifier.ActionDowngraded(ctx, action, reason)
	}
	return &Result{Action: action, Downgraded: true, Reason: reason}, nil
}

// RefundsToday reports how many auto-refunds have executed in the current
// UTC day. Exposed for dashboards and health reporting.
func (e *Executor) RefundsToday() int {
	return e.counter.count(time.Now().UTC())
}

// refundCounter tracks successful auto-refunds within a UTC day. The count
// resets when the day rolls over.
type refundCounter struct {
	mu  sync.Mutex
	day string // YYYY-MM-DD in UTC
	n   int
}

func (c *refundCounter) tryReserve(now time.Time, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	if max > 0 && c.n >= max {
		return false
	}
	c.n++
	return true
}

func (c *refundCounter) release(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	if c.n > 0 {
		c.n--
	}
}

func (c *refundCounter) count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	return c.n
}

func (c *refundCounter) roll(now time.Time) {
	day := now.Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.n = 0
	}
}
