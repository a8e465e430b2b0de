package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/policy"
	"github.com/Aguti1902/iqmind-sub000/internal/signals"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
)

// PostgresStore persists preventive actions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed action audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the preventive_actions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS preventive_actions (
			id               VARCHAR(40) PRIMARY KEY,
			kind             VARCHAR(20) NOT NULL,
			reason           TEXT NOT NULL DEFAULT '',
			subject_user_id  VARCHAR(64) NOT NULL DEFAULT '',
			email            VARCHAR(255) NOT NULL DEFAULT '',
			order_id         VARCHAR(64) NOT NULL DEFAULT '',
			subscription_id  VARCHAR(64) NOT NULL DEFAULT '',
			amount           NUMERIC(10,2) NOT NULL DEFAULT 0,
			signals          JSONB NOT NULL DEFAULT '[]',
			refund_id        VARCHAR(64) NOT NULL DEFAULT '',
			executed         BOOLEAN NOT NULL DEFAULT FALSE,
			executed_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_preventive_actions_created
			ON preventive_actions (created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_preventive_actions_pending
			ON preventive_actions (created_at) WHERE executed = FALSE;
	`)
	return err
}

func (s *PostgresStore) SaveAction(ctx context.Context, action *policy.PreventiveAction) error {
	signalsJSON, err := json.Marshal(action.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preventive_actions
			(id, kind, reason, subject_user_id, email, order_id, subscription_id, amount, signals, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			reason = EXCLUDED.reason
	`,
		action.ID,
		string(action.Kind),
		action.Reason,
		action.SubjectUserID,
		action.SubjectEmail,
		action.OrderID,
		action.SubscriptionID,
		action.Amount,
		signalsJSON,
		action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*policy.PreventiveAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, reason, subject_user_id, email, order_id, subscription_id,
		       amount, signals, executed, executed_at, created_at
		FROM preventive_actions
		WHERE id = $1
	`, id)
	return scanAction(row)
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, id, refundID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE preventive_actions
		SET executed = TRUE, executed_at = $2, refund_id = $3
		WHERE id = $1
	`, id, at, refundID)
	if err != nil {
		return fmt.Errorf("failed to mark action executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*policy.PreventiveAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, reason, subject_user_id, email, order_id, subscription_id,
		       amount, signals, executed, executed_at, created_at
		FROM preventive_actions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActions(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time) ([]*policy.PreventiveAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, reason, subject_user_id, email, order_id, subscription_id,
		       amount, signals, executed, executed_at, created_at
		FROM preventive_actions
		WHERE executed = FALSE AND created_at < $1
		ORDER BY created_at ASC
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*policy.PreventiveAction, error) {
	var (
		a           policy.PreventiveAction
		kind        string
		signalsJSON []byte
		executedAt  sql.NullTime
	)
	err := row.Scan(&a.ID, &kind, &a.Reason, &a.SubjectUserID, &a.SubjectEmail,
		&a.OrderID, &a.SubscriptionID, &a.Amount, &signalsJSON,
		&a.Executed, &executedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action: %w", err)
	}
	a.Kind = policy.ActionKind(kind)
	if executedAt.Valid {
		t := executedAt.Time
		a.ExecutedAt = &t
	}
	if len(signalsJSON) > 0 {
		var sigs []signals.RiskSignal
		if err := json.Unmarshal(signalsJSON, &sigs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
		}
		a.Signals = sigs
	}
	return &a, nil
}

func collectActions(rows *sql.Rows) ([]*policy.PreventiveAction, error) {
	var out []*policy.PreventiveAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
