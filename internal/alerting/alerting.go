// Package alerting turns engine events into operator notifications: new
// disputes, executed preventive actions, daily ratio reports and monitor
// failures. Delivery is best effort; a failed alert is logged, never
// propagated back into the pipeline that raised it.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/disputes"
	"github.com/Aguti1902/iqmind-sub000/internal/notify"
	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
)

// Publisher pushes events to live operator feeds. Optional.
type Publisher interface {
	Publish(event string, payload any)
}

// Alerts delivers operator notifications over email and, when configured,
// a realtime feed.
type Alerts struct {
	mailer     notify.Mailer
	recipients []string
	publisher  Publisher
	log        *slog.Logger
}

// New creates the operator alerter. publisher may be nil.
func New(mailer notify.Mailer, recipients []string, publisher Publisher, log *slog.Logger) *Alerts {
	if log == nil {
		log = slog.Default()
	}
	return &Alerts{
		mailer:     mailer,
		recipients: recipients,
		publisher:  publisher,
		log:        log,
	}
}

// PreventiveRefundExecuted notifies operators that a refund went out before
// the customer could escalate to a dispute.
func (a *Alerts) PreventiveRefundExecuted(ctx context.Context, action *policy.PreventiveAction, refundID string) {
	subject := fmt.Sprintf("Preventive refund executed: %s (%.2f)", action.OrderID, action.Amount)
	body := map[string]any{
		"kind":       "preventive_refund",
		"actionId":   action.ID,
		"orderId":    action.OrderID,
		"refundId":   refundID,
		"userId":     action.SubjectUserID,
		"email":      action.SubjectEmail,
		"amount":     action.Amount,
		"reason":     action.Reason,
		"note":       "Refunded preventively; this charge will not count against the dispute ratio.",
		"signals":    signalSummary(action),
		"executedAt": time.Now().UTC(),
	}
	a.send(ctx, subject, body)
	a.publish("preventive_refund", body)
}

// ActionDowngraded notifies operators that an automatic action was capped
// and needs a human decision.
func (a *Alerts) ActionDowngraded(ctx context.Context, action *policy.PreventiveAction, reason string) {
	subject := fmt.Sprintf("Action needs review: %s", action.SubjectUserID)
	body := map[string]any{
		"kind":     "action_downgraded",
		"actionId": action.ID,
		"userId":   action.SubjectUserID,
		"email":    action.SubjectEmail,
		"orderId":  action.OrderID,
		"reason":   reason,
		"signals":  signalSummary(action),
	}
	a.send(ctx, subject, body)
	a.publish("action_downgraded", body)
}

// NewDispute notifies operators about a dispute the monitor has not seen
// before, with the current ratio for context. At Danger and Critical the
// subject and body escalate so the alert cannot be read as routine.
func (a *Alerts) NewDispute(ctx context.Context, d processor.Dispute, stats disputes.Stats) {
	level := strings.ToUpper(string(stats.Level))
	subject := fmt.Sprintf("New dispute %s (%s): ratio %.2f%% [%s]",
		d.ID, d.Reason, stats.Ratio, level)
	var warning string
	switch stats.Level {
	case disputes.LevelDanger:
		subject = fmt.Sprintf("ACTION REQUIRED [%s]: new dispute %s, ratio %.2f%% nearing the processor limit",
			level, d.ID, stats.Ratio)
		warning = "The dispute ratio is close to the processor's program limit. Review open disputes and refund at-risk orders before more land."
	case disputes.LevelCritical:
		subject = fmt.Sprintf("URGENT [%s]: new dispute %s, ratio %.2f%% at the processor limit",
			level, d.ID, stats.Ratio)
		warning = "The dispute ratio has hit the processor's program limit. Every further dispute risks account termination; stop the source now."
	}
	body := map[string]any{
		"kind":          "new_dispute",
		"disputeId":     d.ID,
		"orderId":       d.OrderID,
		"customerEmail": d.CustomerEmail,
		"reason":        d.Reason,
		"amount":        d.Amount,
		"ratio":         stats.Ratio,
		"level":         stats.Level,
	}
	if warning != "" {
		body["warning"] = warning
	}
	a.send(ctx, subject, body)
	a.publish("new_dispute", body)
}

// DailyReport sends the once-a-day ratio summary with the open dispute list
// and the ratio trend over the recent snapshot history (most recent first).
func (a *Alerts) DailyReport(ctx context.Context, stats disputes.Stats, open []processor.Dispute, history []disputes.Stats) {
	subject := fmt.Sprintf("Daily dispute report: %.2f%% (%d/%d) [%s]",
		stats.Ratio, stats.DisputeCount, stats.OrderCount, strings.ToUpper(string(stats.Level)))

	openList := make([]map[string]any, 0, len(open))
	for _, d := range open {
		openList = append(openList, map[string]any{
			"disputeId":     d.ID,
			"orderId":       d.OrderID,
			"customerEmail": d.CustomerEmail,
			"reason":        d.Reason,
			"amount":        d.Amount,
		})
	}
	status := "All clear: no open disputes."
	if len(open) > 0 {
		status = fmt.Sprintf("%d dispute(s) currently open.", len(open))
	}
	body := map[string]any{
		"kind":         "daily_report",
		"status":       status,
		"orderCount":   stats.OrderCount,
		"disputeCount": stats.DisputeCount,
		"openDisputes": openList,
		"ratio":        stats.Ratio,
		"level":        stats.Level,
		"periodDays":   stats.PeriodDays,
		"trend":        ratioTrend(stats, history),
		"ratioHistory": ratioSeries(history),
	}
	a.send(ctx, subject, body)
	a.publish("daily_report", body)
}

// ratioTrend compares the current ratio against the oldest retained
// snapshot. Movements under a hundredth of a percent read as steady.
func ratioTrend(stats disputes.Stats, history []disputes.Stats) string {
	if len(history) < 2 {
		return "no trend data yet"
	}
	oldest := history[len(history)-1]
	delta := stats.Ratio - oldest.Ratio
	switch {
	case delta > 0.01:
		return fmt.Sprintf("rising (%.2f%% from %.2f%%)", stats.Ratio, oldest.Ratio)
	case delta < -0.01:
		return fmt.Sprintf("falling (%.2f%% from %.2f%%)", stats.Ratio, oldest.Ratio)
	default:
		return fmt.Sprintf("steady at %.2f%%", stats.Ratio)
	}
}

func ratioSeries(history []disputes.Stats) []float64 {
	out := make([]float64, 0, len(history))
	for _, s := range history {
		out = append(out, s.Ratio)
	}
	return out
}

// MonitorFailure notifies operators that the dispute monitor cannot reach
// the processor. Continuous failure here means the ratio is flying blind.
func (a *Alerts) MonitorFailure(ctx context.Context, err error) {
	body := map[string]any{
		"kind":  "monitor_failure",
		"error": err.Error(),
	}
	a.send(ctx, "Dispute monitor failure", body)
	a.publish("monitor_failure", body)
}

// StuckActions notifies operators about actions persisted but never
// executed, typically after a crash mid-execution.
func (a *Alerts) StuckActions(ctx context.Context, actions []*policy.PreventiveAction) {
	if len(actions) == 0 {
		return
	}
	ids := make([]string, 0, len(actions))
	for _, act := range actions {
		ids = append(ids, act.ID)
	}
	body := map[string]any{
		"kind":      "stuck_actions",
		"actionIds": ids,
		"count":     len(actions),
	}
	a.send(ctx, fmt.Sprintf("%d preventive action(s) stuck pending", len(actions)), body)
	a.publish("stuck_actions", body)
}

func (a *Alerts) send(ctx context.Context, subject string, data map[string]any) {
	if len(a.recipients) == 0 {
		return
	}
	for _, to := range a.recipients {
		err := a.mailer.Send(ctx, notify.Message{
			To:         []string{to},
			Subject:    subject,
			TemplateID: notify.TemplateOperatorAlert,
			Data:       data,
		})
		if err != nil {
			a.log.Warn("operator alert delivery failed",
				"recipient", to, "subject", subject, "error", err)
		}
	}
}

func (a *Alerts) publish(event string, payload any) {
	if a.publisher != nil {
		a.publisher.Publish(event, payload)
	}
}

func signalSummary(action *policy.PreventiveAction) []string {
	out := make([]string, 0, len(action.Signals))
	for _, s := range action.Signals {
		out = append(out, fmt.Sprintf("%s (%s): %s", s.Kind, s.Severity, s.Description))
	}
	return out
}
