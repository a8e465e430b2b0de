package signals

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
)

// emailRegex is deliberately simple: it rejects obviously malformed input
// without trying to implement RFC 5322.
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// storedTimingCutoff is the completion time below which a stored test result
// is treated as suspicious during account scans. Live telemetry uses the
// configurable MinCompletionSeconds instead.
const storedTimingCutoff = 180

// DetectTestIntegrity inspects one completed test session. All rules are
// independently evaluable and may fire together.
func DetectTestIntegrity(t TestTelemetry, th config.Thresholds) []RiskSignal {
	now := time.Now()
	var out []RiskSignal

	base := RiskSignal{
		SubjectUserID: t.UserID,
		SubjectEmail:  t.Email,
		ObservedAt:    now,
	}

	if t.TimeElapsedSeconds < th.MinCompletionSeconds {
		s := base
		s.Kind = KindSuspiciousTestTiming
		s.Severity = SeverityCritical
		s.Description = fmt.Sprintf("test completed in %ds, below the %ds minimum (bot-speed completion)",
			t.TimeElapsedSeconds, th.MinCompletionSeconds)
		s.Metadata = TimingMeta{Seconds: t.TimeElapsedSeconds}
		out = append(out, s)
	}

	if t.TimeElapsedSeconds > th.MaxCompletionSeconds {
		s := base
		s.Kind = KindSuspiciousTestTiming
		s.Severity = SeverityMedium
		s.Description = fmt.Sprintf("test took %ds, above the %ds maximum (abandoned or idle session)",
			t.TimeElapsedSeconds, th.MaxCompletionSeconds)
		s.Metadata = TimingMeta{Seconds: t.TimeElapsedSeconds}
		out = append(out, s)
	}

	if t.CorrectAnswers > th.TooManyCorrect {
		s := base
		s.Kind = KindExcessiveCorrectAnswers
		s.Severity = SeverityCritical
		s.Description = fmt.Sprintf("%d/%d correct answers exceeds the %d plausibility cutoff",
			t.CorrectAnswers, t.TotalQuestions, th.TooManyCorrect)
		s.Metadata = AnswersMeta{Correct: t.CorrectAnswers, Total: t.TotalQuestions}
		out = append(out, s)
	}

	if t.CorrectAnswers < 5 && t.TotalQuestions > th.TooManyWrongQuestions {
		s := base
		s.Kind = KindSpamPattern
		s.Severity = SeverityHigh
		s.Description = fmt.Sprintf("only %d correct out of %d questions", t.CorrectAnswers, t.TotalQuestions)
		s.Metadata = AnswersMeta{Correct: t.CorrectAnswers, Total: t.TotalQuestions}
		out = append(out, s)
	}

	if choice, rate, ok := repetitionRate(t.Answers); ok && rate >= th.SameAnswerRate {
		s := base
		s.Kind = KindRepeatedAnswerPattern
		s.Severity = SeverityCritical
		s.Description = fmt.Sprintf("answer choice %d repeated at rate %.2f", choice, rate)
		s.Metadata = RepetitionMeta{Rate: rate, Choice: choice}
		out = append(out, s)
	}

	return out
}

// repetitionRate returns the most common non-nil answer choice and its share
// of all non-nil answers. ok is false when there are no answers to inspect.
func repetitionRate(answers []*int) (choice int, rate float64, ok bool) {
	counts := make(map[int]int)
	total := 0
	for _, a := range answers {
		if a == nil {
			continue
		}
		counts[*a]++
		total++
	}
	if total == 0 {
		return 0, 0, false
	}
	max := 0
	for c, n := range counts {
		if n > max {
			max = n
			choice = c
		}
	}
	return choice, float64(max) / float64(total), true
}

// DetectEmail inspects an email address for disposable domains, malformed
// input, and duplicate subscriptions.
func DetectEmail(ctx context.Context, email string, lookup UserLookup, th config.Thresholds) []RiskSignal {
	now := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))
	var out []RiskSignal

	if domain, blocked := blockedDomain(email, th.BlockedEmailDomains); blocked {
		out = append(out, RiskSignal{
			Kind:         KindTemporaryEmail,
			Severity:     SeverityCritical,
			Description:  fmt.Sprintf("disposable email domain %q", domain),
			SubjectEmail: email,
			ObservedAt:   now,
			Metadata:     EmailMeta{Domain: domain},
		})
	}

	if !emailRegex.MatchString(email) {
		out = append(out, RiskSignal{
			Kind:         KindInvalidEmailFormat,
			Severity:     SeverityHigh,
			Description:  "email address fails format validation",
			SubjectEmail: email,
			ObservedAt:   now,
		})
	}

	if lookup != nil {
		if u, found := lookup.UserByEmail(ctx, email); found && u.HasActiveSubscription() {
			out = append(out, RiskSignal{
				Kind:          KindDuplicateSubscription,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("email already holds active subscription %s", u.SubscriptionID),
				SubjectUserID: u.ID,
				SubjectEmail:  email,
				ObservedAt:    now,
				Metadata:      SubscriptionMeta{SubscriptionID: u.SubscriptionID},
			})
		}
	}

	return out
}

func blockedDomain(email string, blocklist []string) (string, bool) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", false
	}
	domain := email[at+1:]
	for _, b := range blocklist {
		if domain == strings.ToLower(b) {
			return domain, true
		}
	}
	return "", false
}

// DetectAccountUsage inspects a user's stored history for abandonment and
// pre-dispute warning signs. now is passed in so scans are reproducible.
func DetectAccountUsage(u *Account, now time.Time, th config.Thresholds) []RiskSignal {
	if u == nil {
		return nil
	}
	var out []RiskSignal

	if !u.LastLogin.IsZero() {
		days := daysBetween(u.LastLogin, now)
		if days >= th.NoUsageDays {
			out = append(out, RiskSignal{
				Kind:          KindNoUsage,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("no login for %d days", days),
				SubjectUserID: u.ID,
				SubjectEmail:  u.Email,
				ObservedAt:    now,
				Metadata:      UsageMeta{DaysSinceLastLogin: days},
			})
		}
	}

	if u.SubscriptionStatus == "trial" && len(u.TestResults) == 0 {
		if days := daysBetween(u.CreatedAt, now); days >= 2 {
			out = append(out, RiskSignal{
				Kind:          KindSuspiciousPattern,
				Severity:      SeverityMedium,
				Description:   fmt.Sprintf("trial account with no activity %d days after signup", days),
				SubjectUserID: u.ID,
				SubjectEmail:  u.Email,
				ObservedAt:    now,
				Metadata:      TrialMeta{DaysSinceSignup: days},
			})
		}
	}

	if len(u.TestResults) > 0 {
		latest := u.TestResults[0]
		if latest.TimeElapsedSeconds > 0 && latest.TimeElapsedSeconds < storedTimingCutoff {
			out = append(out, RiskSignal{
				Kind:          KindSuspiciousTestTiming,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("most recent stored test completed in %ds", latest.TimeElapsedSeconds),
				SubjectUserID: u.ID,
				SubjectEmail:  u.Email,
				ObservedAt:    now,
				Metadata:      TimingMeta{Seconds: latest.TimeElapsedSeconds},
			})
		}
	}

	return out
}

func daysBetween(from, to time.Time) int {
	if from.After(to) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// DetectComplaint matches an inbound support email against the complaint
// keyword list. A signal fires only when the sender resolves to a known user
// with an active subscription; without a resolvable subject there is nothing
// to act on.
func DetectComplaint(ctx context.Context, fromEmail, subject, body string, lookup UserLookup, th config.Thresholds) (*RiskSignal, bool) {
	haystack := strings.ToLower(subject + " " + body)

	var matched string
	for _, kw := range th.ComplaintKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			matched = kw
			break
		}
	}
	if matched == "" || lookup == nil {
		return nil, false
	}

	u, found := lookup.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(fromEmail)))
	if !found || !u.HasActiveSubscription() {
		return nil, false
	}

	return &RiskSignal{
		Kind:          KindUnauthorizedComplaintKeyword,
		Severity:      SeverityHigh,
		Description:   fmt.Sprintf("support email from subscriber contains complaint keyword %q", matched),
		SubjectUserID: u.ID,
		SubjectEmail:  u.Email,
		ObservedAt:    time.Now(),
		Metadata:      KeywordMeta{Keyword: matched},
	}, true
}
