package disputes

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists dispute ratio snapshots in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dispute_snapshots table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dispute_snapshots (
			id            BIGSERIAL PRIMARY KEY,
			order_count   INTEGER NOT NULL,
			dispute_count INTEGER NOT NULL,
			open_disputes INTEGER NOT NULL,
			ratio         NUMERIC(6,3) NOT NULL,
			level         VARCHAR(10) NOT NULL CHECK (level IN ('safe', 'warning', 'danger', 'critical')),
			period_days   INTEGER NOT NULL,
			computed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_dispute_snapshots_computed
			ON dispute_snapshots (computed_at DESC);
	`)
	return err
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, stats Stats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_snapshots
			(order_count, dispute_count, open_disputes, ratio, level, period_days, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		stats.OrderCount,
		stats.DisputeCount,
		stats.OpenDisputes,
		stats.Ratio,
		string(stats.Level),
		stats.PeriodDays,
		stats.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dispute snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]Stats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_count, dispute_count, open_disputes, ratio, level, period_days, computed_at
		FROM dispute_snapshots
		ORDER BY computed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Stats
	for rows.Next() {
		var st Stats
		var level string
		if err := rows.Scan(&st.OrderCount, &st.DisputeCount, &st.OpenDisputes,
			&st.Ratio, &level, &st.PeriodDays, &st.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispute snapshot: %w", err)
		}
		st.Level = RiskLevel(level)
		out = append(out, st)
	}
	return out, rows.Err()
}
