package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/executor"
	"github.com/Aguti1902/iqmind-sub000/internal/policy"
)

// scanBatchSize bounds how many accounts one periodic pass evaluates.
const scanBatchSize = 200

// stuckAfter is how long an action may sit unexecuted before it is
// reported as stuck.
const stuckAfter = time.Hour

// StuckNotifier receives the list of actions stuck pending.
type StuckNotifier interface {
	StuckActions(ctx context.Context, actions []*policy.PreventiveAction)
}

// Timer periodically sweeps subscriber accounts through the usage
// collectors and reports actions stuck pending.
type Timer struct {
	engine   *Engine
	actions  executor.Store
	notifier StuckNotifier
	interval time.Duration
	log      *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a scan timer. notifier may be nil.
func NewTimer(engine *Engine, actions executor.Store, notifier StuckNotifier, interval time.Duration, log *slog.Logger) *Timer {
	if log == nil {
		log = slog.Default()
	}
	return &Timer{
		engine:   engine,
		actions:  actions,
		notifier: notifier,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic scan loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("panic in scan timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.RunOnce(ctx); err != nil {
		t.log.Warn("periodic scan failed", "error", err)
	}
}

// RunOnce performs one scan pass: evaluate scan candidates and sweep for
// stuck actions. A single failing account does not abort the pass.
func (t *Timer) RunOnce(ctx context.Context) error {
	users, err := t.engine.store.ListScanCandidates(ctx, scanBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list scan candidates: %w", err)
	}

	var evaluated, actions int
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := t.engine.evaluateAccount(ctx, u)
		if err != nil {
			t.log.Warn("account evaluation failed", "user_id", u.ID, "error", err)
			continue
		}
		evaluated++
		if out.Action != nil {
			actions++
		}
	}
	t.log.Info("periodic scan complete",
		"candidates", len(users),
		"evaluated", evaluated,
		"actions", actions)

	t.sweepStuck(ctx)
	return nil
}

func (t *Timer) sweepStuck(ctx context.Context) {
	if t.actions == nil || t.notifier == nil {
		return
	}
	stuck, err := t.actions.ListPending(ctx, time.Now().UTC().Add(-stuckAfter))
	if err != nil {
		t.log.Warn("failed to list pending actions", "error", err)
		return
	}
	if len(stuck) > 0 {
		t.log.Warn("actions stuck pending", "count", len(stuck))
		t.notifier.StuckActions(ctx, stuck)
	}
}
