package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/metrics"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
)

// Notifier receives dispute events for operator alerting.
type Notifier interface {
	NewDispute(ctx context.Context, d processor.Dispute, stats Stats)
	DailyReport(ctx context.Context, stats Stats, open []processor.Dispute, history []Stats)
	MonitorFailure(ctx context.Context, err error)
}

// SnapshotStore persists dispute ratio snapshots for trend history.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, stats Stats) error
	ListSnapshots(ctx context.Context, limit int) ([]Stats, error)
}

// Monitor periodically recomputes the dispute ratio, raises an alert for
// every dispute it has not seen before and sends one report per UTC day.
type Monitor struct {
	agg      *Aggregator
	store    SnapshotStore
	notifier Notifier
	interval time.Duration
	reportAt int // UTC hour for the daily report
	log      *slog.Logger

	stop    chan struct{}
	running atomic.Bool

	mu           sync.Mutex
	seen         map[string]struct{}
	primed       bool
	lastStats    Stats
	lastReported string // YYYY-MM-DD of the last daily report
}

// NewMonitor creates a dispute monitor. store and notifier may be nil.
func NewMonitor(agg *Aggregator, store SnapshotStore, notifier Notifier, interval time.Duration, reportHourUTC int, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		agg:      agg,
		store:    store,
		notifier: notifier,
		interval: interval,
		reportAt: reportHourUTC,
		log:      log,
		stop:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// LastStats returns the most recently computed stats.
func (m *Monitor) LastStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStats
}

// Start begins the periodic monitoring loop. Call in a goroutine. One check
// runs immediately so dashboards have data before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	m.safeCheck(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheck(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in dispute monitor", "panic", fmt.Sprint(r))
		}
	}()

	if err := m.Check(ctx); err != nil {
		m.log.Warn("dispute check failed", "error", err)
		if m.notifier != nil {
			m.notifier.MonitorFailure(ctx, err)
		}
	}
}

// Check runs one monitoring pass: recompute stats, alert on unseen
// disputes, snapshot, and emit the daily report when due. The first pass
// only primes the seen set so a restart does not re-alert the backlog.
func (m *Monitor) Check(ctx context.Context) error {
	stats, disputes, err := m.agg.Compute(ctx)
	if err != nil {
		return err
	}

	fresh, open := m.ingest(stats, disputes)

	metrics.DisputeRatio.Set(stats.Ratio)
	metrics.OpenDisputes.Set(float64(stats.OpenDisputes))

	m.log.Info("dispute ratio computed",
		"orders", stats.OrderCount,
		"disputes", stats.DisputeCount,
		"ratio", fmt.Sprintf("%.2f%%", stats.Ratio),
		"level", stats.Level,
		"new", len(fresh))

	if m.notifier != nil {
		for _, d := range fresh {
			m.notifier.NewDispute(ctx, d, stats)
		}
	}
	if m.store != nil {
		if err := m.store.SaveSnapshot(ctx, stats); err != nil {
			m.log.Warn("failed to save dispute snapshot", "error", err)
		}
	}

	if m.reportDue(time.Now().UTC()) && m.notifier != nil {
		var history []Stats
		if m.store != nil {
			history, err = m.store.ListSnapshots(ctx, 7)
			if err != nil {
				m.log.Warn("failed to load snapshot history for report", "error", err)
			}
		}
		m.notifier.DailyReport(ctx, stats, open, history)
	}
	return nil
}

// ingest records stats and returns the disputes not seen before plus the
// currently open ones.
func (m *Monitor) ingest(stats Stats, disputes []processor.Dispute) (fresh, open []processor.Dispute) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastStats = stats
	for _, d := range disputes {
		if d.IsOpen() {
			open = append(open, d)
		}
		if _, ok := m.seen[d.ID]; ok {
			continue
		}
		m.seen[d.ID] = struct{}{}
		if m.primed {
			fresh = append(fresh, d)
		}
	}
	m.primed = true
	return fresh, open
}

// reportDue reports whether the daily report should fire now, at most once
// per UTC day once the report hour has passed.
func (m *Monitor) reportDue(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Hour() < m.reportAt {
		return false
	}
	day := now.Format("2006-01-02")
	if day == m.lastReported {
		return false
	}
	m.lastReported = day
	return true
}
