// Package store provides read access to users, test results, and orders.
//
// The engine treats persistent storage as a collaborator: it reads account
// and order records to build signals, and writes only the refunded marker
// after a successful preventive refund. Postgres is used when DATABASE_URL is
// set, otherwise the in-memory implementation serves tests and local runs.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("store: not found")
)

// User is one subscriber account.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name,omitempty"`
	SubscriptionID     string    `json:"subscriptionId,omitempty"`
	SubscriptionStatus string    `json:"subscriptionStatus"` // "active", "trial", "cancelled", "none"
	StripeCustomerID   string    `json:"stripeCustomerId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	LastLogin          time.Time `json:"lastLogin"`
}

// TestResult is one stored test completion.
type TestResult struct {
	UserID             string    `json:"userId"`
	TakenAt            time.Time `json:"takenAt"`
	TimeElapsedSeconds int       `json:"timeElapsedSeconds"`
	CorrectAnswers     int       `json:"correctAnswers"`
	TotalQuestions     int       `json:"totalQuestions"`
}

// Order is one processor-side purchase tracked locally.
type Order struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId,omitempty"`
	Email          string    `json:"email"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Provider       string    `json:"provider"` // "stripe" or "fastspring"
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Refunded       bool      `json:"refunded"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is the read-mostly record store the engine depends on.
type Store interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	// ListScanCandidates returns users with a live subscription, oldest
	// login first, for the periodic high-risk scan.
	ListScanCandidates(ctx context.Context, limit int) ([]*User, error)
	// TestResultsByUser returns results most recent first.
	TestResultsByUser(ctx context.Context, userID string, limit int) ([]*TestResult, error)
	LatestOrderByEmail(ctx context.Context, email string) (*Order, error)
	// CountOrdersSince supports the dispute ratio's local order count.
	CountOrdersSince(ctx context.Context, since time.Time) (int, error)
	MarkOrderRefunded(ctx context.Context, orderID string) error
}
