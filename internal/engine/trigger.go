package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
)

// Trigger periodically attempts to start one new play-loop cycle. It is
// fire-and-skip: a busy system drops trigger ticks rather than building a
// backlog of queued cycles.
type Trigger struct {
	states   *loop.Store
	dispatch queue.Dispatcher
	now      func() time.Time
}

// NewTrigger creates the scheduler trigger. now is overridable for tests;
// nil means time.Now.
func NewTrigger(states *loop.Store, dispatch queue.Dispatcher, now func() time.Time) *Trigger {
	if now == nil {
		now = time.Now
	}
	return &Trigger{states: states, dispatch: dispatch, now: now}
}

// Tick starts a new cycle if no play loop is running. Returns whether a
// cycle was started. The run is created before the job is enqueued; if the
// enqueue fails the run is immediately failed so the running row never
// dangles and blocks the next tick.
func (t *Trigger) Tick(ctx context.Context) (bool, error) {
	ok, err := t.states.CanStart(ctx, loop.KindPlayLoop, "")
	if err != nil {
		return false, &PersistenceError{Op: "check play loop", Err: err}
	}
	if !ok {
		slog.Info("play loop still running, trigger tick dropped")
		return false, nil
	}

	cycleID := loop.NewCycleID()
	if err := t.states.EnsureCycle(ctx, cycleID); err != nil {
		return false, &PersistenceError{Op: "ensure cycle", Err: err}
	}

	jobRef := fmt.Sprintf("scheduler-%d-%s", t.now().Unix(), uuid.NewString()[:8])
	run, err := t.states.Start(ctx, loop.KindPlayLoop, "", cycleID, jobRef)
	if errors.Is(err, loop.ErrAlreadyRunning) {
		// Lost the race to a concurrent trigger — their cycle wins.
		slog.Info("lost play loop start race, trigger tick dropped")
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "start play loop", Err: err}
	}

	job := queue.Job{Kind: queue.KindPlayLoop, CycleID: cycleID, RunID: run.ID}
	if err := t.dispatch.Enqueue(ctx, job); err != nil {
		detail := fmt.Sprintf("failed to enqueue play loop: %v", err)
		if failErr := t.states.Fail(ctx, run.ID, detail); failErr != nil {
			slog.Error("failed to release play loop run after enqueue error",
				"run", run.ID, "error", failErr)
		}
		return false, fmt.Errorf("enqueue play loop: %w", err)
	}

	slog.Info("play loop cycle started", "cycle", cycleID, "run", run.ID, "job_ref", jobRef)
	return true, nil
}
