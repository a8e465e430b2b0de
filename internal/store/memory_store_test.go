package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUserLookup(t *testing.T) {
	s := NewMemoryStore()
	s.PutUser(&User{ID: "usr_1", Email: "Casey@Example.com", SubscriptionStatus: "active"})

	u, err := s.UserByID(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if u.Email != "Casey@Example.com" {
		t.Errorf("unexpected user: %+v", u)
	}

	// Email lookup is case-insensitive.
	if _, err := s.UserByEmail(context.Background(), "casey@example.com"); err != nil {
		t.Errorf("UserByEmail should be case-insensitive: %v", err)
	}

	if _, err := s.UserByID(context.Background(), "usr_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupsReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	s.PutUser(&User{ID: "usr_1", Email: "a@b.c", SubscriptionStatus: "active"})

	u, _ := s.UserByID(context.Background(), "usr_1")
	u.SubscriptionStatus = "cancelled"

	again, _ := s.UserByID(context.Background(), "usr_1")
	if again.SubscriptionStatus != "active" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestListScanCandidates(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	s.PutUser(&User{ID: "usr_a", Email: "a@x.io", SubscriptionStatus: "active", LastLogin: now.AddDate(0, 0, -30)})
	s.PutUser(&User{ID: "usr_b", Email: "b@x.io", SubscriptionStatus: "trial", LastLogin: now.AddDate(0, 0, -2)})
	s.PutUser(&User{ID: "usr_c", Email: "c@x.io", SubscriptionStatus: "cancelled", LastLogin: now.AddDate(0, 0, -90)})

	got, err := s.ListScanCandidates(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListScanCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cancelled accounts must be excluded, got %d candidates", len(got))
	}
	if got[0].ID != "usr_a" {
		t.Errorf("stalest login should come first, got %s", got[0].ID)
	}

	got, _ = s.ListScanCandidates(context.Background(), 1)
	if len(got) != 1 {
		t.Errorf("limit not applied, got %d", len(got))
	}
}

func TestTestResultsMostRecentFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		s.PutTestResult(&TestResult{
			UserID:         "usr_1",
			TakenAt:        base.Add(time.Duration(i) * time.Hour),
			CorrectAnswers: 10 + i,
			TotalQuestions: 20,
		})
	}

	got, err := s.TestResultsByUser(context.Background(), "usr_1", 2)
	if err != nil {
		t.Fatalf("TestResultsByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if !got[0].TakenAt.After(got[1].TakenAt) {
		t.Error("results should be most recent first")
	}
}

func TestOrders(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	s.PutOrder(&Order{ID: "ord_1", Email: "a@x.io", Amount: 29.99, CreatedAt: base.AddDate(0, 0, -10)})
	s.PutOrder(&Order{ID: "ord_2", Email: "A@X.IO", Amount: 9.99, CreatedAt: base.AddDate(0, 0, -1)})

	latest, err := s.LatestOrderByEmail(context.Background(), "a@x.io")
	if err != nil {
		t.Fatalf("LatestOrderByEmail: %v", err)
	}
	if latest.ID != "ord_2" {
		t.Errorf("expected newest order, got %s", latest.ID)
	}

	n, _ := s.CountOrdersSince(context.Background(), base.AddDate(0, 0, -5))
	if n != 1 {
		t.Errorf("expected 1 order in window, got %d", n)
	}

	if err := s.MarkOrderRefunded(context.Background(), "ord_2"); err != nil {
		t.Fatalf("MarkOrderRefunded: %v", err)
	}
	latest, _ = s.LatestOrderByEmail(context.Background(), "a@x.io")
	if !latest.Refunded {
		t.Error("refund marker not persisted")
	}

	if err := s.MarkOrderRefunded(context.Background(), "ord_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
