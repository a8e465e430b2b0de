// Package disputes aggregates processor return/chargeback data into the
// dispute ratio the platform is judged by, classifies it into risk bands
// and keeps a snapshot history for trend reporting.
package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/processor"
)

// RiskLevel classifies the dispute ratio against the processor's program
// thresholds.
type RiskLevel string

const (
	LevelSafe     RiskLevel = "safe"
	LevelWarning  RiskLevel = "warning"
	LevelDanger   RiskLevel = "danger"
	LevelCritical RiskLevel = "critical"
)

// Stats is one computed view of the dispute ratio over a trailing window.
type Stats struct {
	OrderCount   int       `json:"orderCount"`
	DisputeCount int       `json:"disputeCount"`
	OpenDisputes int       `json:"openDisputes"`
	Ratio        float64   `json:"ratio"` // percent, disputes per 100 orders
	Level        RiskLevel `json:"level"`
	PeriodDays   int       `json:"periodDays"`
	ComputedAt   time.Time `json:"computedAt"`
}

// OrderCounter reports how many orders the local mirror has recorded since a
// point in time. The processor stays the source of truth whenever the mirror
// is empty or unavailable.
type OrderCounter interface {
	CountOrdersSince(ctx context.Context, since time.Time) (int, error)
}

// Aggregator computes dispute statistics from the payment processor,
// preferring locally tracked order counts over a processor round trip.
type Aggregator struct {
	fetcher processor.DisputeFetcher
	orders  OrderCounter
	th      config.Thresholds
	log     *slog.Logger
}

// NewAggregator creates a dispute aggregator. orders may be nil, in which
// case every order count goes to the processor.
func NewAggregator(fetcher processor.DisputeFetcher, orders OrderCounter, th config.Thresholds, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{fetcher: fetcher, orders: orders, th: th, log: log}
}

// Compute fetches orders and returns for the trailing window and derives
// the ratio. On any fetch failure it returns zeroed Safe stats alongside
// the error, so callers render "no data" rather than a spurious alarm.
func (a *Aggregator) Compute(ctx context.Context) (Stats, []processor.Dispute, error) {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -a.th.DisputePeriodDays)
	empty := Stats{Level: LevelSafe, PeriodDays: a.th.DisputePeriodDays, ComputedAt: now}

	disputes, err := a.fetcher.ListReturns(ctx, since)
	if err != nil {
		return empty, nil, fmt.Errorf("failed to fetch returns: %w", err)
	}
	orders, err := a.countOrders(ctx, since)
	if err != nil {
		return empty, nil, fmt.Errorf("failed to count orders: %w", err)
	}

	open := 0
	for _, d := range disputes {
		if d.IsOpen() {
			open++
		}
	}

	stats := Stats{
		OrderCount:   orders,
		DisputeCount: len(disputes),
		OpenDisputes: open,
		PeriodDays:   a.th.DisputePeriodDays,
		ComputedAt:   now,
	}
	if orders > 0 {
		stats.Ratio = float64(len(disputes)) / float64(orders) * 100
	}
	stats.Level = a.levelFor(stats.Ratio)
	return stats, disputes, nil
}

// countOrders prefers the local order mirror and only queries the processor
// when the mirror is missing, erroring, or has nothing tracked for the
// window.
func (a *Aggregator) countOrders(ctx context.Context, since time.Time) (int, error) {
	if a.orders != nil {
		n, err := a.orders.CountOrdersSince(ctx, since)
		if err == nil && n > 0 {
			return n, nil
		}
		if err != nil {
			a.log.Warn("local order count failed, falling back to processor", "error", err)
		}
	}
	return a.fetcher.CountOrders(ctx, since)
}

// levelFor maps a ratio (percent) onto a risk band. Bands are inclusive at
// their lower edge and ordered, so a rising ratio can only escalate.
func (a *Aggregator) levelFor(ratio float64) RiskLevel {
	switch {
	case ratio >= a.th.CriticalRatio:
		return LevelCritical
	case ratio >= a.th.DangerRatio:
		return LevelDanger
	case ratio >= a.th.WarningRatio:
		return LevelWarning
	default:
		return LevelSafe
	}
}
