package signals

import (
	"context"
	"testing"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
)

func testThresholds() config.Thresholds {
	return config.LoadThresholds()
}

func intp(v int) *int { return &v }

func hasKind(sigs []RiskSignal, kind Kind, sev Severity) bool {
	for _, s := range sigs {
		if s.Kind == kind && s.Severity == sev {
			return true
		}
	}
	return false
}

func TestDetectTestIntegrity_BotSpeedAndExcessiveCorrect(t *testing.T) {
	sigs := DetectTestIntegrity(TestTelemetry{
		UserID:             "u1",
		TimeElapsedSeconds: 45,
		CorrectAnswers:     18,
		TotalQuestions:     20,
	}, testThresholds())

	if !hasKind(sigs, KindSuspiciousTestTiming, SeverityCritical) {
		t.Error("expected critical timing signal for 45s completion")
	}
	if !hasKind(sigs, KindExcessiveCorrectAnswers, SeverityCritical) {
		t.Error("expected critical excessive-correct signal for 18/20")
	}
}

func TestDetectTestIntegrity_IdleSession(t *testing.T) {
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 5000,
		CorrectAnswers:     10,
		TotalQuestions:     20,
	}, testThresholds())

	if !hasKind(sigs, KindSuspiciousTestTiming, SeverityMedium) {
		t.Errorf("expected medium timing signal for idle session, got %v", sigs)
	}
}

func TestDetectTestIntegrity_SpamPattern(t *testing.T) {
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 600,
		CorrectAnswers:     2,
		TotalQuestions:     20,
	}, testThresholds())

	if !hasKind(sigs, KindSpamPattern, SeverityHigh) {
		t.Errorf("expected spam pattern signal, got %v", sigs)
	}
}

func TestDetectTestIntegrity_RepetitionFiresAtThreshold(t *testing.T) {
	// 8 of 10 identical answers = 0.8 repetition, meets the 0.8 threshold.
	answers := []*int{intp(0), intp(0), intp(0), intp(0), intp(0), intp(0), intp(0), intp(0), intp(1), intp(2)}
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 600,
		CorrectAnswers:     8,
		TotalQuestions:     10,
		Answers:            answers,
	}, testThresholds())

	found := false
	for _, s := range sigs {
		if s.Kind == KindRepeatedAnswerPattern {
			found = true
			meta, ok := s.Metadata.(RepetitionMeta)
			if !ok {
				t.Fatalf("expected RepetitionMeta, got %T", s.Metadata)
			}
			if meta.Rate != 0.8 {
				t.Errorf("expected literal rate 0.8 in metadata, got %f", meta.Rate)
			}
			if meta.Choice != 0 {
				t.Errorf("expected choice 0, got %d", meta.Choice)
			}
		}
	}
	if !found {
		t.Error("expected repeated-answer signal at 0.8 rate")
	}
}

func TestDetectTestIntegrity_VariedAnswersDoNotFire(t *testing.T) {
	answers := []*int{intp(0), intp(1), intp(2), intp(3), intp(4), intp(5), intp(0), intp(1), intp(2), intp(3)}
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 600,
		CorrectAnswers:     8,
		TotalQuestions:     10,
		Answers:            answers,
	}, testThresholds())

	for _, s := range sigs {
		if s.Kind == KindRepeatedAnswerPattern {
			t.Errorf("repetition signal fired at max repeat 2/10: %v", s)
		}
	}
}

func TestDetectTestIntegrity_NilAnswersIgnored(t *testing.T) {
	// 4 of 5 non-nil answers identical: rate 0.8 over answered questions only.
	answers := []*int{intp(1), intp(1), intp(1), intp(1), intp(2), nil, nil, nil, nil, nil}
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 600,
		CorrectAnswers:     5,
		TotalQuestions:     10,
		Answers:            answers,
	}, testThresholds())

	if !hasKind(sigs, KindRepeatedAnswerPattern, SeverityCritical) {
		t.Error("expected repetition rate computed over non-nil answers only")
	}
}

func TestDetectTestIntegrity_CleanRunEmpty(t *testing.T) {
	sigs := DetectTestIntegrity(TestTelemetry{
		TimeElapsedSeconds: 900,
		CorrectAnswers:     12,
		TotalQuestions:     20,
		Answers:            []*int{intp(0), intp(1), intp(2), intp(3)},
	}, testThresholds())

	if len(sigs) != 0 {
		t.Errorf("expected no signals for a clean run, got %v", sigs)
	}
}

func lookupWith(accounts map[string]*Account) UserLookup {
	return UserLookupFunc(func(ctx context.Context, email string) (*Account, bool) {
		a, ok := accounts[email]
		return a, ok
	})
}

func TestDetectEmail_TemporaryDomain(t *testing.T) {
	sigs := DetectEmail(context.Background(), "user@tempmail.com", lookupWith(nil), testThresholds())

	if !hasKind(sigs, KindTemporaryEmail, SeverityCritical) {
		t.Errorf("expected critical temporary-email signal, got %v", sigs)
	}
}

func TestDetectEmail_InvalidFormat(t *testing.T) {
	sigs := DetectEmail(context.Background(), "not-an-email", lookupWith(nil), testThresholds())

	if !hasKind(sigs, KindInvalidEmailFormat, SeverityHigh) {
		t.Errorf("expected invalid-format signal, got %v", sigs)
	}
}

func TestDetectEmail_DuplicateSubscription(t *testing.T) {
	accounts := map[string]*Account{
		"dup@example.com": {
			ID:                 "u9",
			Email:              "dup@example.com",
			SubscriptionID:     "sub_123",
			SubscriptionStatus: "active",
		},
	}
	sigs := DetectEmail(context.Background(), "Dup@Example.com", lookupWith(accounts), testThresholds())

	if !hasKind(sigs, KindDuplicateSubscription, SeverityHigh) {
		t.Errorf("expected duplicate-subscription signal, got %v", sigs)
	}
}

func TestDetectEmail_CleanAddress(t *testing.T) {
	sigs := DetectEmail(context.Background(), "fine@example.com", lookupWith(nil), testThresholds())
	if len(sigs) != 0 {
		t.Errorf("expected no signals, got %v", sigs)
	}
}

func TestDetectAccountUsage_NoUsage(t *testing.T) {
	now := time.Now()
	u := &Account{
		ID:                 "u1",
		Email:              "u1@example.com",
		SubscriptionStatus: "active",
		SubscriptionID:     "sub_1",
		CreatedAt:          now.AddDate(0, -3, 0),
		LastLogin:          now.AddDate(0, 0, -45),
	}

	sigs := DetectAccountUsage(u, now, testThresholds())
	if !hasKind(sigs, KindNoUsage, SeverityHigh) {
		t.Errorf("expected no-usage signal after 45 days, got %v", sigs)
	}
}

func TestDetectAccountUsage_IdleTrial(t *testing.T) {
	now := time.Now()
	u := &Account{
		ID:                 "u2",
		SubscriptionStatus: "trial",
		CreatedAt:          now.AddDate(0, 0, -3),
		LastLogin:          now.AddDate(0, 0, -1),
	}

	sigs := DetectAccountUsage(u, now, testThresholds())
	if !hasKind(sigs, KindSuspiciousPattern, SeverityMedium) {
		t.Errorf("expected trial-with-no-activity signal, got %v", sigs)
	}
}

func TestDetectAccountUsage_FastStoredTest(t *testing.T) {
	now := time.Now()
	u := &Account{
		ID:                 "u3",
		SubscriptionStatus: "active",
		CreatedAt:          now.AddDate(0, -1, 0),
		LastLogin:          now,
		TestResults: []TestRecord{
			{TakenAt: now.AddDate(0, 0, -1), TimeElapsedSeconds: 90, CorrectAnswers: 15, TotalQuestions: 20},
		},
	}

	sigs := DetectAccountUsage(u, now, testThresholds())
	if !hasKind(sigs, KindSuspiciousTestTiming, SeverityHigh) {
		t.Errorf("expected timing signal for 90s stored test, got %v", sigs)
	}
}

func TestDetectAccountUsage_HealthyUserEmpty(t *testing.T) {
	now := time.Now()
	u := &Account{
		ID:                 "u4",
		SubscriptionStatus: "active",
		CreatedAt:          now.AddDate(0, -1, 0),
		LastLogin:          now.AddDate(0, 0, -2),
		TestResults: []TestRecord{
			{TakenAt: now, TimeElapsedSeconds: 800, CorrectAnswers: 11, TotalQuestions: 20},
		},
	}

	if sigs := DetectAccountUsage(u, now, testThresholds()); len(sigs) != 0 {
		t.Errorf("expected no signals, got %v", sigs)
	}
}

func TestDetectComplaint_SubscriberKeyword(t *testing.T) {
	accounts := map[string]*Account{
		"angry@example.com": {
			ID:                 "u5",
			Email:              "angry@example.com",
			SubscriptionID:     "sub_5",
			SubscriptionStatus: "active",
		},
	}

	sig, ok := DetectComplaint(context.Background(), "angry@example.com",
		"Refund now", "I will file a CHARGEBACK with my bank", lookupWith(accounts), testThresholds())
	if !ok {
		t.Fatal("expected complaint signal")
	}
	if sig.Kind != KindUnauthorizedComplaintKeyword || sig.Severity != SeverityHigh {
		t.Errorf("unexpected signal: %+v", sig)
	}
}

func TestDetectComplaint_UnknownSenderIgnored(t *testing.T) {
	_, ok := DetectComplaint(context.Background(), "stranger@example.com",
		"chargeback", "fraud", lookupWith(nil), testThresholds())
	if ok {
		t.Error("complaint from unresolvable sender must not produce a signal")
	}
}

func TestDetectComplaint_NoKeyword(t *testing.T) {
	accounts := map[string]*Account{
		"calm@example.com": {ID: "u6", SubscriptionID: "sub_6", SubscriptionStatus: "active"},
	}
	_, ok := DetectComplaint(context.Background(), "calm@example.com",
		"Question", "How do I change my password?", lookupWith(accounts), testThresholds())
	if ok {
		t.Error("benign support email must not produce a signal")
	}
}
