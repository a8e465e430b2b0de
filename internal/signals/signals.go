// Package signals turns raw behavioral and transactional facts into risk
// signals.
//
// Each collector inspects one input domain (test telemetry, email strings,
// account usage history, inbound support mail) and emits zero or more
// RiskSignal values. Collectors are pure: no side effects beyond the injected
// read-only lookups, deterministic for a fixed clock, and an empty result is
// an empty slice, never an error.
package signals

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is the closed set of signal types the engine knows how to score.
type Kind string

const (
	KindNoUsage                      Kind = "no_usage"
	KindTemporaryEmail               Kind = "temporary_email"
	KindSuspiciousTestTiming         Kind = "suspicious_test_timing"
	KindRepeatedAnswerPattern        Kind = "repeated_answer_pattern"
	KindUnauthorizedComplaintKeyword Kind = "unauthorized_complaint_keyword"
	KindExcessiveCorrectAnswers      Kind = "excessive_correct_answers"
	KindDuplicateSubscription        Kind = "duplicate_subscription"
	KindInvalidEmailFormat           Kind = "invalid_email_format"
	KindSpamPattern                  Kind = "spam_pattern"
	KindSuspiciousPattern            Kind = "suspicious_pattern"
)

// Severity orders signals from least to most alarming.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Metadata is the kind-specific payload attached to a signal. Each variant
// carries only the fields relevant to its kind, so the scorer and alert
// formatters can switch exhaustively instead of digging through an untyped
// map.
type Metadata interface {
	isMetadata()
}

// TimingMeta accompanies SuspiciousTestTiming.
type TimingMeta struct {
	Seconds int `json:"timeElapsedSeconds"`
}

// RepetitionMeta accompanies RepeatedAnswerPattern.
type RepetitionMeta struct {
	Rate   float64 `json:"repetitionRate"`
	Choice int     `json:"choice"`
}

// UsageMeta accompanies NoUsage.
type UsageMeta struct {
	DaysSinceLastLogin int `json:"daysSinceLastLogin"`
}

// EmailMeta accompanies TemporaryEmail and InvalidEmailFormat.
type EmailMeta struct {
	Domain string `json:"domain,omitempty"`
}

// KeywordMeta accompanies UnauthorizedComplaintKeyword.
type KeywordMeta struct {
	Keyword string `json:"keyword"`
}

// AnswersMeta accompanies ExcessiveCorrectAnswers and SpamPattern.
type AnswersMeta struct {
	Correct int `json:"correctAnswers"`
	Total   int `json:"totalQuestions"`
}

// TrialMeta accompanies the trial-with-no-activity SuspiciousPattern.
type TrialMeta struct {
	DaysSinceSignup int `json:"daysSinceSignup"`
}

// SubscriptionMeta accompanies DuplicateSubscription.
type SubscriptionMeta struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (TimingMeta) isMetadata()       {}
func (RepetitionMeta) isMetadata()   {}
func (UsageMeta) isMetadata()        {}
func (EmailMeta) isMetadata()        {}
func (KeywordMeta) isMetadata()      {}
func (AnswersMeta) isMetadata()      {}
func (TrialMeta) isMetadata()        {}
func (SubscriptionMeta) isMetadata() {}

// RiskSignal is an immutable fact about one subject at one instant.
// Signals are never mutated after creation; a decision is derived from the
// list captured in a single evaluation pass, not from persisted history.
type RiskSignal struct {
	Kind          Kind      `json:"kind"`
	Severity      Severity  `json:"severity"`
	Description   string    `json:"description"`
	SubjectUserID string    `json:"subjectUserId,omitempty"`
	SubjectEmail  string    `json:"subjectEmail,omitempty"`
	ObservedAt    time.Time `json:"observedAt"`
	Metadata      Metadata  `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the kind-specific metadata variant based on the
// signal's Kind. Unknown kinds keep their metadata nil rather than failing,
// so old records survive kind removals.
func (s *RiskSignal) UnmarshalJSON(data []byte) error {
	type alias struct {
		Kind          Kind            `json:"kind"`
		Severity      Severity        `json:"severity"`
		Description   string          `json:"description"`
		SubjectUserID string          `json:"subjectUserId"`
		SubjectEmail  string          `json:"subjectEmail"`
		ObservedAt    time.Time       `json:"observedAt"`
		Metadata      json.RawMessage `json:"metadata"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.Kind = a.Kind
	s.Severity = a.Severity
	s.Description = a.Description
	s.SubjectUserID = a.SubjectUserID
	s.SubjectEmail = a.SubjectEmail
	s.ObservedAt = a.ObservedAt
	s.Metadata = nil
	if len(a.Metadata) == 0 || string(a.Metadata) == "null" {
		return nil
	}

	decode := func(v Metadata) error {
		// v arrives as a pointer; store the dereferenced value so
		// comparisons against freshly built signals keep working.
		if err := json.Unmarshal(a.Metadata, v); err != nil {
			return err
		}
		s.Metadata = deref(v)
		return nil
	}
	switch a.Kind {
	case KindSuspiciousTestTiming:
		return decode(&TimingMeta{})
	case KindSuspiciousPattern:
		return decode(&TrialMeta{})
	case KindRepeatedAnswerPattern:
		return decode(&RepetitionMeta{})
	case KindNoUsage:
		return decode(&UsageMeta{})
	case KindTemporaryEmail, KindInvalidEmailFormat, KindSpamPattern:
		return decode(&EmailMeta{})
	case KindUnauthorizedComplaintKeyword:
		return decode(&KeywordMeta{})
	case KindExcessiveCorrectAnswers:
		return decode(&AnswersMeta{})
	case KindDuplicateSubscription:
		return decode(&SubscriptionMeta{})
	}
	return nil
}

func deref(m Metadata) Metadata {
	switch v := m.(type) {
	case *TimingMeta:
		return *v
	case *RepetitionMeta:
		return *v
	case *UsageMeta:
		return *v
	case *EmailMeta:
		return *v
	case *KeywordMeta:
		return *v
	case *AnswersMeta:
		return *v
	case *TrialMeta:
		return *v
	case *SubscriptionMeta:
		return *v
	}
	return m
}

// TestTelemetry is one completed test session as reported by the test UI.
// Answers may contain nil entries for skipped questions.
type TestTelemetry struct {
	UserID             string
	Email              string
	TimeElapsedSeconds int
	CorrectAnswers     int
	TotalQuestions     int
	Answers            []*int
}

// Account is the read-only view of a user the collectors need.
type Account struct {
	ID                 string
	Email              string
	Name               string
	SubscriptionID     string
	SubscriptionStatus string // "active", "trial", "cancelled", "none"
	CreatedAt          time.Time
	LastLogin          time.Time
	TestResults        []TestRecord
}

// TestRecord is a stored test result, most recent first.
type TestRecord struct {
	TakenAt            time.Time
	TimeElapsedSeconds int
	CorrectAnswers     int
	TotalQuestions     int
}

// HasActiveSubscription reports whether the account holds a live subscription.
func (a *Account) HasActiveSubscription() bool {
	return a.SubscriptionID != "" &&
		(a.SubscriptionStatus == "active" || a.SubscriptionStatus == "trial")
}

// UserLookup resolves an email to an account. Injected so collectors stay
// deterministic under test with a fake.
type UserLookup interface {
	UserByEmail(ctx context.Context, email string) (*Account, bool)
}

// UserLookupFunc adapts a function to the UserLookup interface.
type UserLookupFunc func(ctx context.Context, email string) (*Account, bool)

// UserByEmail implements UserLookup.
func (f UserLookupFunc) UserByEmail(ctx context.Context, email string) (*Account, bool) {
	return f(ctx, email)
}
