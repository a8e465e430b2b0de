// Package policy maps a set of risk signals to a single preventive action.
//
// The escalation table is deliberately literal data, not nested conditionals,
// so the whole decision surface can be audited and tested in isolation.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/idgen"
	"github.com/Aguti1902/iqmind-sub000/internal/signals"
)

// ActionKind identifies the preventive measure to take.
type ActionKind string

const (
	ActionAutoRefund     ActionKind = "auto_refund"
	ActionProactiveEmail ActionKind = "proactive_email"
	ActionFlagForReview  ActionKind = "flag_for_review"
	ActionAutoCancel     ActionKind = "auto_cancel"
)

// PreventiveAction is a decision plus its execution state. It is proposed by
// Decide and becomes Executed only after the executor completes the
// corresponding external call (review flags execute immediately, they have no
// external effect).
type PreventiveAction struct {
	ID             string               `json:"id"`
	Kind           ActionKind           `json:"kind"`
	Reason         string               `json:"reason"`
	Signals        []signals.RiskSignal `json:"signals"`
	SubjectUserID  string               `json:"subjectUserId,omitempty"`
	SubjectEmail   string               `json:"subjectEmail,omitempty"`
	OrderID        string               `json:"orderId,omitempty"`
	SubscriptionID string               `json:"subscriptionId,omitempty"`
	Amount         float64              `json:"amount,omitempty"`
	Executed       bool                 `json:"executed"`
	ExecutedAt     *time.Time           `json:"executedAt,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// TopSignal returns the most severe signal attached to the action, breaking
// ties by position. Used by alert and email formatters.
func (a *PreventiveAction) TopSignal() *signals.RiskSignal {
	if len(a.Signals) == 0 {
		return nil
	}
	top := 0
	for i := 1; i < len(a.Signals); i++ {
		if a.Signals[i].Severity > a.Signals[top].Severity {
			top = i
		}
	}
	return &a.Signals[top]
}

// rule is one row of the escalation table. Rows are evaluated top to bottom;
// the first match wins.
type rule struct {
	name    string
	matches func(critical, high, medium, low int) bool
	action  ActionKind
}

// escalationTable is evaluated in fixed priority order. Tie-breaks resolve by
// severity rank, never by signal order.
var escalationTable = []rule{
	{
		name:    "critical or repeated high",
		matches: func(critical, high, _, _ int) bool { return critical >= 1 || high >= 2 },
		action:  ActionAutoRefund,
	},
	{
		name:    "single high",
		matches: func(critical, high, _, _ int) bool { return critical == 0 && high == 1 },
		action:  ActionProactiveEmail,
	},
	{
		name:    "medium or lower",
		matches: func(_, _, medium, low int) bool { return medium >= 1 || low >= 1 },
		action:  ActionFlagForReview,
	},
}

// Decide maps an evaluation pass's signals to at most one preventive action.
// The full triggering signal list is attached verbatim for audit. Returns
// false for an empty signal list.
func Decide(sigs []signals.RiskSignal) (*PreventiveAction, bool) {
	if len(sigs) == 0 {
		return nil, false
	}

	var critical, high, medium, low int
	for _, s := range sigs {
		switch s.Severity {
		case signals.SeverityCritical:
			critical++
		case signals.SeverityHigh:
			high++
		case signals.SeverityMedium:
			medium++
		default:
			low++
		}
	}

	for _, r := range escalationTable {
		if !r.matches(critical, high, medium, low) {
			continue
		}
		action := &PreventiveAction{
			ID:        idgen.WithPrefix("act_"),
			Kind:      r.action,
			Reason:    summarize(r.action, sigs, critical, high),
			Signals:   sigs,
			CreatedAt: time.Now(),
		}
		// Subject identifiers come from the signals themselves; all signals
		// in a pass share one subject, so the first non-empty value wins.
		for _, s := range sigs {
			if action.SubjectUserID == "" {
				action.SubjectUserID = s.SubjectUserID
			}
			if action.SubjectEmail == "" {
				action.SubjectEmail = s.SubjectEmail
			}
		}
		return action, true
	}

	return nil, false
}

// summarize builds the human-readable reason: the count of qualifying
// signals and their kinds, ordered by severity rank.
func summarize(kind ActionKind, sigs []signals.RiskSignal, critical, high int) string {
	ordered := make([]signals.RiskSignal, len(sigs))
	copy(ordered, sigs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity > ordered[j].Severity
	})

	kinds := make([]string, 0, len(ordered))
	seen := make(map[signals.Kind]bool)
	for _, s := range ordered {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			kinds = append(kinds, string(s.Kind))
		}
	}

	switch kind {
	case ActionAutoRefund:
		return fmt.Sprintf("%d critical / %d high signals: %s", critical, high, strings.Join(kinds, ", "))
	case ActionProactiveEmail:
		return fmt.Sprintf("1 high signal: %s", strings.Join(kinds, ", "))
	default:
		return fmt.Sprintf("%d low-grade signals: %s", len(sigs), strings.Join(kinds, ", "))
	}
}
