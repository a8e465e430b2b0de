package disputes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
)

type fakeFetcher struct {
	disputes []processor.Dispute
	orders   int
	listErr  error
	countErr error
}

func (f *fakeFetcher) ListReturns(ctx context.Context, since time.Time) ([]processor.Dispute, error) {
	return f.disputes, f.listErr
}

func (f *fakeFetcher) CountOrders(ctx context.Context, since time.Time) (int, error) {
	return f.orders, f.countErr
}

func testThresholds() config.Thresholds {
	th := config.Thresholds{}
	th.WarningRatio = 0.5
	th.DangerRatio = 0.75
	th.CriticalRatio = 1.0
	th.DisputePeriodDays = 30
	return th
}

func nDisputes(n int, status string) []processor.Dispute {
	out := make([]processor.Dispute, n)
	for i := range out {
		out[i] = processor.Dispute{
			ID:     string(rune('a' + i)),
			Status: status,
		}
	}
	return out
}

func TestComputeRatio(t *testing.T) {
	f := &fakeFetcher{orders: 1000, disputes: nDisputes(6, "open")}
	agg := NewAggregator(f, nil, testThresholds(), nil)

	stats, _, err := agg.Compute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Ratio != 0.6 {
		t.Errorf("expected ratio 0.6, got %v", stats.Ratio)
	}
	if stats.Level != LevelWarning {
		t.Errorf("expected warning, got %s", stats.Level)
	}
	if stats.OpenDisputes != 6 {
		t.Errorf("expected 6 open disputes, got %d", stats.OpenDisputes)
	}
}

func TestComputeLevels(t *testing.T) {
	cases := []struct {
		orders   int
		disputes int
		want     RiskLevel
	}{
		{1000, 0, LevelSafe},
		{1000, 4, LevelSafe},     // 0.4%
		{1000, 5, LevelWarning},  // 0.5% inclusive edge
		{1000, 7, LevelWarning},  // 0.7%
		{10000, 75, LevelDanger}, // 0.75% inclusive edge
		{1000, 9, LevelDanger},   // 0.9%
		{1000, 10, LevelCritical},
		{1000, 30, LevelCritical},
	}
	for _, tc := range cases {
		f := &fakeFetcher{orders: tc.orders, disputes: nDisputes(tc.disputes, "completed")}
		agg := NewAggregator(f, nil, testThresholds(), nil)
		stats, _, err := agg.Compute(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Level != tc.want {
			t.Errorf("%d/%d: expected %s, got %s (ratio %v)",
				tc.disputes, tc.orders, tc.want, stats.Level, stats.Ratio)
		}
	}
}

func TestComputeZeroOrders(t *testing.T) {
	f := &fakeFetcher{orders: 0, disputes: nDisputes(3, "open")}
	agg := NewAggregator(f, nil, testThresholds(), nil)

	stats, _, err := agg.Compute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Ratio != 0 {
		t.Errorf("zero orders must yield ratio 0, got %v", stats.Ratio)
	}
	if stats.Level != LevelSafe {
		t.Errorf("expected safe, got %s", stats.Level)
	}
}

func TestComputeFetchErrorReturnsSafeZero(t *testing.T) {
	f := &fakeFetcher{listErr: errors.New("connection refused")}
	agg := NewAggregator(f, nil, testThresholds(), nil)

	stats, _, err := agg.Compute(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if stats.Ratio != 0 || stats.DisputeCount != 0 || stats.Level != LevelSafe {
		t.Errorf("failed fetch must yield zeroed safe stats, got %+v", stats)
	}
}

type fakeCounter struct {
	count int
	err   error
}

func (f *fakeCounter) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	return f.count, f.err
}

func TestComputePrefersLocalOrderCount(t *testing.T) {
	// The processor count errors, so this only passes if the local mirror is
	// consulted first.
	f := &fakeFetcher{countErr: errors.New("rate limited"), disputes: nDisputes(6, "open")}
	agg := NewAggregator(f, &fakeCounter{count: 1000}, testThresholds(), nil)

	stats, _, err := agg.Compute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.OrderCount != 1000 {
		t.Errorf("expected locally tracked order count, got %d", stats.OrderCount)
	}
	if stats.Ratio != 0.6 {
		t.Errorf("expected ratio 0.6, got %v", stats.Ratio)
	}
}

func TestComputeFallsBackToProcessorCount(t *testing.T) {
	cases := []struct {
		name    string
		counter *fakeCounter
	}{
		{"local error", &fakeCounter{err: errors.New("db down")}},
		{"nothing tracked", &fakeCounter{count: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFetcher{orders: 500, disputes: nDisputes(1, "open")}
			agg := NewAggregator(f, tc.counter, testThresholds(), nil)

			stats, _, err := agg.Compute(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.OrderCount != 500 {
				t.Errorf("expected processor order count, got %d", stats.OrderCount)
			}
		})
	}
}

type recordingNotifier struct {
	newDisputes []processor.Dispute
	reports     int
	failures    int
}

func (r *recordingNotifier) NewDispute(ctx context.Context, d processor.Dispute, stats Stats) {
	r.newDisputes = append(r.newDisputes, d)
}
func (r *recordingNotifier) DailyReport(ctx context.Context, stats Stats, open []processor.Dispute, history []Stats) {
	r.reports++
}
func (r *recordingNotifier) MonitorFailure(ctx context.Context, err error) {
	r.failures++
}

func TestMonitorAlertsOnlyOnUnseenDisputes(t *testing.T) {
	f := &fakeFetcher{orders: 1000, disputes: nDisputes(2, "open")}
	n := &recordingNotifier{}
	m := NewMonitor(NewAggregator(f, nil, testThresholds(), nil), NewMemoryStore(), n, time.Hour, 23, nil)

	// First pass primes the seen set; the pre-existing backlog is not alerted.
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.newDisputes) != 0 {
		t.Fatalf("backlog should not alert, got %d", len(n.newDisputes))
	}

	f.disputes = append(f.disputes, processor.Dispute{ID: "fresh_1", Status: "open"})
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.newDisputes) != 1 || n.newDisputes[0].ID != "fresh_1" {
		t.Fatalf("expected one alert for fresh_1, got %+v", n.newDisputes)
	}

	// A third pass with no change stays quiet.
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.newDisputes) != 1 {
		t.Errorf("repeat disputes must not re-alert, got %d", len(n.newDisputes))
	}
}

func TestMonitorSavesSnapshots(t *testing.T) {
	f := &fakeFetcher{orders: 500, disputes: nDisputes(4, "open")}
	store := NewMemoryStore()
	m := NewMonitor(NewAggregator(f, nil, testThresholds(), nil), store, nil, time.Hour, 23, nil)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snaps, err := store.ListSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Ratio != 0.8 || snaps[0].Level != LevelDanger {
		t.Errorf("unexpected snapshot: %+v", snaps[0])
	}
}

func TestReportDueOncePerDay(t *testing.T) {
	m := NewMonitor(nil, nil, nil, time.Hour, 8, nil)

	morning := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	if m.reportDue(morning) {
		t.Error("report must not fire before the report hour")
	}
	at8 := time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)
	if !m.reportDue(at8) {
		t.Error("report should fire at the report hour")
	}
	later := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	if m.reportDue(later) {
		t.Error("report must fire at most once per day")
	}
	nextDay := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !m.reportDue(nextDay) {
		t.Error("report should fire again the next day")
	}
}
