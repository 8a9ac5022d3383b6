package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/talgya/hexhold/internal/loop"
)

// Janitor is the operational sweeper: it force-fails loop runs whose worker
// crashed without releasing them, garbage-collects cycles past the
// retention window together with their ledger entries, and purges expired
// ledger rows between cycle cleanups.
type Janitor struct {
	states    *loop.Store
	ledger    *loop.Ledger
	reapAfter time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewJanitor creates the sweeper. now is overridable for tests; nil means
// time.Now.
func NewJanitor(states *loop.Store, ledger *loop.Ledger, reapAfter, retention time.Duration, now func() time.Time) *Janitor {
	if now == nil {
		now = time.Now
	}
	return &Janitor{
		states:    states,
		ledger:    ledger,
		reapAfter: reapAfter,
		retention: retention,
		now:       now,
	}
}

// Sweep runs one pass. Every step is idempotent, so overlapping or retried
// sweeps are harmless.
func (j *Janitor) Sweep(ctx context.Context) error {
	reaped, err := j.states.ReapStale(ctx, j.reapAfter)
	if err != nil {
		return err
	}
	if reaped > 0 {
		slog.Warn("reaped stale loop runs", "count", reaped, "older_than", j.reapAfter)
	}

	cycles, err := j.states.CyclesBefore(ctx, j.now().Add(-j.retention))
	if err != nil {
		return err
	}
	for _, cycleID := range cycles {
		if err := j.ledger.Cleanup(ctx, cycleID); err != nil {
			return err
		}
		if err := j.states.DeleteCycle(ctx, cycleID); err != nil {
			return err
		}
	}
	if len(cycles) > 0 {
		slog.Info("garbage collected cycles", "count", len(cycles), "retention", j.retention)
	}

	purged, err := j.ledger.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		slog.Info("purged expired ledger entries", "count", purged)
	}

	return nil
}
