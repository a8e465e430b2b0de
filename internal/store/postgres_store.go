package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists users, test results, and orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the record tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id                  VARCHAR(64) PRIMARY KEY,
			email               VARCHAR(320) NOT NULL,
			name                VARCHAR(200) NOT NULL DEFAULT '',
			subscription_id     VARCHAR(64) NOT NULL DEFAULT '',
			subscription_status VARCHAR(16) NOT NULL DEFAULT 'none',
			stripe_customer_id  VARCHAR(64) NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (LOWER(email));

		CREATE TABLE IF NOT EXISTS test_results (
			id           BIGSERIAL PRIMARY KEY,
			user_id      VARCHAR(64) NOT NULL REFERENCES users(id),
			taken_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			time_elapsed INT NOT NULL,
			correct      INT NOT NULL,
			total        INT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_test_results_user
			ON test_results (user_id, taken_at DESC);

		CREATE TABLE IF NOT EXISTS orders (
			id              VARCHAR(64) PRIMARY KEY,
			user_id         VARCHAR(64) NOT NULL DEFAULT '',
			email           VARCHAR(320) NOT NULL,
			subscription_id VARCHAR(64) NOT NULL DEFAULT '',
			provider        VARCHAR(16) NOT NULL,
			amount          NUMERIC(10,2) NOT NULL,
			currency        VARCHAR(3) NOT NULL DEFAULT 'USD',
			refunded        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_orders_email ON orders (LOWER(email), created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_created ON orders (created_at);
	`)
	return err
}

const userColumns = `id, email, name, subscription_id, subscription_status, stripe_customer_id, created_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.SubscriptionID,
		&u.SubscriptionStatus, &u.StripeCustomerID, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
	return scanUser(row)
}

func (s *PostgresStore) ListScanCandidates(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE subscription_status IN ('active', 'trial')
		ORDER BY last_login ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan candidates: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TestResultsByUser(ctx context.Context, userID string, limit int) ([]*TestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, taken_at, time_elapsed, correct, total
		FROM test_results
		WHERE user_id = $1
		ORDER BY taken_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer rows.Close()

	var out []*TestResult
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.UserID, &r.TakenAt, &r.TimeElapsedSeconds,
			&r.CorrectAnswers, &r.TotalQuestions); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestOrderByEmail(ctx context.Context, email string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, subscription_id, provider, amount, currency, refunded, created_at
		FROM orders
		WHERE LOWER(email) = LOWER($1)
		ORDER BY created_at DESC
		LIMIT 1
	`, strings.TrimSpace(email))

	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.Email, &o.SubscriptionID, &o.Provider,
		&o.Amount, &o.Currency, &o.Refunded, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE created_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkOrderRefunded(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET refunded = TRUE WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order refunded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
