// Package scanner orchestrates risk evaluation: it runs the signal
// collectors over an event or account, asks the policy for a decision and
// hands the resulting action to the executor. Evaluations for the same
// subject are serialized so concurrent events cannot double-execute.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/executor"
	"github.com/Aguti1902/iqmind-sub000/internal/idgen"
	"github.com/Aguti1902/iqmind-sub000/internal/metrics"
	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/signals"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
	"github.com/Aguti1902/iqmind-sub000/internal/syncutil"
	"github.com/Aguti1902/iqmind-sub000/internal/traces"
)

// Outcome is the result of one evaluation pass over a subject.
type Outcome struct {
	Signals []signals.RiskSignal
	Action  *policy.PreventiveAction // nil when no action was warranted
	Result  *executor.Result         // nil when no action was warranted
}

// Engine ties collectors, policy and executor together.
type Engine struct {
	store store.Store
	exec  *executor.Executor
	th    config.Thresholds
	log   *slog.Logger

	// subjects serializes evaluation per subject key so two concurrent
	// events about the same user resolve one after the other.
	subjects syncutil.ShardedMutex
}

// New creates the evaluation engine.
func New(st store.Store, exec *executor.Executor, th config.Thresholds, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, exec: exec, th: th, log: log}
}

// subjectKey resolves the serialization key for a subject. Evaluations
// arrive keyed by user ID (scheduled scans) or by email (signups,
// complaints, processor webhooks); both must map to the same key or a
// scheduled scan and a webhook-triggered scan for one subscriber would run
// unserialized and could refund the same order twice. The user ID wins; an
// email that resolves to no account falls back to its lowercased form.
func (e *Engine) subjectKey(ctx context.Context, userID, email string) string {
	if userID != "" {
		return userID
	}
	if u, err := e.store.UserByEmail(ctx, email); err == nil {
		return u.ID
	}
	return strings.ToLower(email)
}

// lookup adapts the persistence layer to the collectors' account view.
func (e *Engine) lookup() signals.UserLookup {
	return signals.UserLookupFunc(func(ctx context.Context, email string) (*signals.Account, bool) {
		u, err := e.store.UserByEmail(ctx, email)
		if err != nil {
			return nil, false
		}
		return e.account(ctx, u), true
	})
}

// account converts a stored user plus recent test results into the
// collectors' view.
func (e *Engine) account(ctx context.Context, u *store.User) *signals.Account {
	acct := &signals.Account{
		ID:                 u.ID,
		Email:              u.Email,
		Name:               u.Name,
		SubscriptionID:     u.SubscriptionID,
		SubscriptionStatus: u.SubscriptionStatus,
		CreatedAt:          u.CreatedAt,
		LastLogin:          u.LastLogin,
	}
	results, err := e.store.TestResultsByUser(ctx, u.ID, 10)
	if err != nil {
		e.log.Warn("failed to load test results", "user_id", u.ID, "error", err)
		return acct
	}
	for _, r := range results {
		acct.TestResults = append(acct.TestResults, signals.TestRecord{
			TakenAt:            r.TakenAt,
			TimeElapsedSeconds: r.TimeElapsedSeconds,
			CorrectAnswers:     r.CorrectAnswers,
			TotalQuestions:     r.TotalQuestions,
		})
	}
	return acct
}

// EvaluateTestSubmission scores one completed test session.
func (e *Engine) EvaluateTestSubmission(ctx context.Context, t signals.TestTelemetry) (*Outcome, error) {
	unlock := e.subjects.Lock(e.subjectKey(ctx, t.UserID, t.Email))
	defer unlock()

	sigs := signals.DetectTestIntegrity(t, e.th)
	return e.resolve(ctx, "test_submission", t.UserID, t.Email, sigs)
}

// EvaluateSignup scores a new signup email before the subscription is
// provisioned.
func (e *Engine) EvaluateSignup(ctx context.Context, email string) (*Outcome, error) {
	unlock := e.subjects.Lock(e.subjectKey(ctx, "", email))
	defer unlock()

	sigs := signals.DetectEmail(ctx, email, e.lookup(), e.th)
	return e.resolve(ctx, "signup", "", email, sigs)
}

// EvaluateComplaint scores an inbound support email. Complaints from
// addresses without an active subscription are ignored.
func (e *Engine) EvaluateComplaint(ctx context.Context, from, subject, body string) (*Outcome, error) {
	unlock := e.subjects.Lock(e.subjectKey(ctx, "", from))
	defer unlock()

	sig, ok := signals.DetectComplaint(ctx, from, subject, body, e.lookup(), e.th)
	if !ok {
		return &Outcome{}, nil
	}
	return e.resolve(ctx, "complaint", sig.SubjectUserID, sig.SubjectEmail, []signals.RiskSignal{*sig})
}

// EvaluateDispute handles a confirmed dispute from the processor. The money
// is already lost, so no refund is attempted; the subscription is cancelled
// to stop further charges from the same customer.
func (e *Engine) EvaluateDispute(ctx context.Context, email, orderID, reason string) (*Outcome, error) {
	unlock := e.subjects.Lock(e.subjectKey(ctx, "", email))
	defer unlock()

	sig := signals.RiskSignal{
		Kind:         signals.KindUnauthorizedComplaintKeyword,
		Severity:     signals.SeverityCritical,
		Description:  fmt.Sprintf("processor dispute received: %s", reason),
		SubjectEmail: email,
		ObservedAt:   time.Now().UTC(),
	}
	metrics.SignalsDetected.WithLabelValues("dispute").Inc()

	action := &policy.PreventiveAction{
		ID:           idgen.WithPrefix("act"),
		Kind:         policy.ActionAutoCancel,
		Reason:       fmt.Sprintf("subscription cancelled after dispute on order %s", orderID),
		Signals:      []signals.RiskSignal{sig},
		SubjectEmail: email,
		OrderID:      orderID,
		CreatedAt:    time.Now().UTC(),
	}
	e.enrich(ctx, action)

	out := &Outcome{Signals: action.Signals, Action: action}
	res, err := e.exec.Execute(ctx, action)
	if err != nil {
		metrics.ActionsFailed.WithLabelValues(string(action.Kind)).Inc()
		return out, err
	}
	metrics.ActionsExecuted.WithLabelValues(string(res.Action.Kind)).Inc()
	out.Action = res.Action
	out.Result = res
	return out, nil
}

// EvaluateUser runs the account-usage collectors over one stored user.
func (e *Engine) EvaluateUser(ctx context.Context, userID string) (*Outcome, error) {
	u, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return e.evaluateAccount(ctx, u)
}

func (e *Engine) evaluateAccount(ctx context.Context, u *store.User) (*Outcome, error) {
	unlock := e.subjects.Lock(u.ID)
	defer unlock()

	acct := e.account(ctx, u)
	sigs := signals.DetectAccountUsage(acct, time.Now().UTC(), e.th)
	return e.resolve(ctx, "account_scan", u.ID, u.Email, sigs)
}

// resolve turns collected signals into a decision and executes it.
// Callers must hold the subject lock.
func (e *Engine) resolve(ctx context.Context, source, userID, email string, sigs []signals.RiskSignal) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "risk.evaluate",
		attribute.String("evaluation.source", source),
		traces.SignalCount(len(sigs)))
	defer span.End()

	metrics.SignalsDetected.WithLabelValues(source).Add(float64(len(sigs)))

	out := &Outcome{Signals: sigs}
	action, ok := policy.Decide(sigs)
	if !ok {
		return out, nil
	}

	action.ID = idgen.WithPrefix("act")
	action.CreatedAt = time.Now().UTC()
	if action.SubjectUserID == "" {
		action.SubjectUserID = userID
	}
	if action.SubjectEmail == "" {
		action.SubjectEmail = email
	}
	e.enrich(ctx, action)

	e.log.Info("preventive action decided",
		"source", source,
		"action_id", action.ID,
		"kind", action.Kind,
		"user_id", action.SubjectUserID,
		"email", action.SubjectEmail,
		"signals", len(sigs))

	res, err := e.exec.Execute(ctx, action)
	if err != nil {
		if errors.Is(err, executor.ErrAlreadyExecuted) {
			out.Action = action
			return out, nil
		}
		metrics.ActionsFailed.WithLabelValues(string(action.Kind)).Inc()
		return out, err
	}
	metrics.ActionsExecuted.WithLabelValues(string(res.Action.Kind)).Inc()

	out.Action = res.Action
	out.Result = res
	if res.RefundID != "" && action.OrderID != "" {
		if err := e.store.MarkOrderRefunded(ctx, action.OrderID); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("failed to mark order refunded", "order_id", action.OrderID, "error", err)
		}
	}
	return out, nil
}

// enrich fills the order and subscription context a refund or cancellation
// needs. Missing context is fine; the executor downgrades what it cannot
// execute.
func (e *Engine) enrich(ctx context.Context, action *policy.PreventiveAction) {
	if action.SubjectEmail == "" && action.SubjectUserID != "" {
		if u, err := e.store.UserByID(ctx, action.SubjectUserID); err == nil {
			action.SubjectEmail = u.Email
		}
	}
	if action.SubjectEmail == "" {
		return
	}
	if action.SubjectUserID == "" || action.SubscriptionID == "" {
		if u, err := e.store.UserByEmail(ctx, action.SubjectEmail); err == nil {
			if action.SubjectUserID == "" {
				action.SubjectUserID = u.ID
			}
			if action.SubscriptionID == "" {
				action.SubscriptionID = u.SubscriptionID
			}
		}
	}
	if action.OrderID == "" {
		order, err := e.store.LatestOrderByEmail(ctx, action.SubjectEmail)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.log.Warn("failed to load latest order", "email", action.SubjectEmail, "error", err)
			}
			return
		}
		if order.Refunded {
			return
		}
		action.OrderID = order.ID
		action.Amount = order.Amount
	}
}
