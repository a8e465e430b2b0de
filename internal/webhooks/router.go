package webhooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/metrics"
	"github.com/Aguti1902/iqmind-sub000/internal/notify"
	"github.com/Aguti1902/iqmind-sub000/internal/scanner"
)

// seenTTL bounds how long processed event IDs are remembered for replay
// suppression.
const seenTTL = 24 * time.Hour

// DisputeChecker triggers an immediate ratio recomputation.
type DisputeChecker interface {
	Check(ctx context.Context) error
}

// Router routes verified processor events into evaluation and customer
// notifications. Processing is idempotent per event ID.
type Router struct {
	engine  *scanner.Engine
	checker DisputeChecker
	mailer  notify.Mailer
	log     *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewRouter creates an event router. checker and mailer may be nil.
func NewRouter(engine *scanner.Engine, checker DisputeChecker, mailer notify.Mailer, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if mailer == nil {
		mailer = notify.NopMailer{}
	}
	return &Router{
		engine:  engine,
		checker: checker,
		mailer:  mailer,
		log:     log,
		seen:    make(map[string]time.Time),
	}
}

// Route processes one event. Replayed event IDs are absorbed silently so
// processor redelivery cannot double-execute anything.
func (r *Router) Route(ctx context.Context, e *Event) error {
	if r.replay(e.ID) {
		r.log.Debug("webhook replay absorbed", "event_id", e.ID, "type", e.Type)
		return nil
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(e.Type)).Inc()

	if e.Type.IsDispute() {
		return r.routeDispute(ctx, e)
	}

	switch e.Type {
	case EventSubscriptionCreated:
		r.sendLifecycle(ctx, e, notify.TemplateSubscriptionCreated, "Welcome to your subscription")
		// A fresh signup is the cheapest moment to catch disposable or
		// duplicate emails.
		if _, err := r.engine.EvaluateSignup(ctx, e.CustomerEmail); err != nil {
			r.log.Warn("signup evaluation failed", "event_id", e.ID, "error", err)
		}
	case EventSubscriptionDeleted:
		r.sendLifecycle(ctx, e, notify.TemplateSubscriptionDeleted, "Your subscription has ended")
	case EventPaymentFailed:
		r.sendLifecycle(ctx, e, notify.TemplatePaymentFailed, "Problem with your payment")
	default:
		r.log.Info("unhandled webhook event", "event_id", e.ID, "type", e.Type)
	}
	return nil
}

func (r *Router) routeDispute(ctx context.Context, e *Event) error {
	r.log.Warn("dispute event received",
		"event_id", e.ID,
		"type", e.Type,
		"order_id", e.OrderID,
		"email", e.CustomerEmail,
		"reason", e.Reason)

	if _, err := r.engine.EvaluateDispute(ctx, e.CustomerEmail, e.OrderID, e.Reason); err != nil {
		r.log.Error("dispute evaluation failed", "event_id", e.ID, "error", err)
	}
	if r.checker != nil {
		// Recompute the ratio right away instead of waiting for the next
		// tick; the monitor raises the operator alert.
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.checker.Check(cctx); err != nil {
				r.log.Warn("dispute ratio check failed", "error", err)
			}
		}()
	}
	return nil
}

func (r *Router) sendLifecycle(ctx context.Context, e *Event, template, subject string) {
	if e.CustomerEmail == "" {
		return
	}
	err := r.mailer.Send(ctx, notify.Message{
		To:         []string{e.CustomerEmail},
		Subject:    subject,
		TemplateID: template,
		Data: map[string]any{
			"eventId": e.ID,
			"orderId": e.OrderID,
		},
	})
	if err != nil {
		r.log.Warn("lifecycle email failed",
			"event_id", e.ID, "template", template, "error", err)
	}
}

// replay records the event ID and reports whether it was already seen.
func (r *Router) replay(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if t, ok := r.seen[id]; ok && now.Sub(t) < seenTTL {
		return true
	}
	for k, t := range r.seen {
		if now.Sub(t) >= seenTTL {
			delete(r.seen, k)
		}
	}
	r.seen[id] = now
	return false
}
