package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
)

// Orchestrator runs the top-level play loop: one village tick dispatched
// per existing village, all tagged with a shared cycle id. The whole
// fan-out runs inside the global play_loop run for mutual exclusion
// against overlapping full-game ticks.
type Orchestrator struct {
	games    *game.Store
	states   *loop.Store
	ledger   *loop.Ledger
	dispatch queue.Dispatcher
}

// NewOrchestrator creates the play loop orchestrator.
func NewOrchestrator(games *game.Store, states *loop.Store, ledger *loop.Ledger, dispatch queue.Dispatcher) *Orchestrator {
	return &Orchestrator{games: games, states: states, ledger: ledger, dispatch: dispatch}
}

// PlayLoopResult reports one orchestrator pass.
type PlayLoopResult struct {
	CycleID         string `json:"cycle_id"`
	RunID           string `json:"run_id,omitempty"`
	VillagesQueued  int    `json:"villages_queued"`
	VillagesSkipped int    `json:"villages_skipped"`
	Skipped         bool   `json:"skipped"`
}

// Run enumerates all villages and dispatches one village tick each.
// An empty cycle id starts a fresh cycle. A non-empty run id attaches to
// the run the trigger already created; otherwise Run starts its own.
// Villages already marked in the cycle's ledger are not re-dispatched, so
// an interrupted fan-out resumes instead of restarting.
func (o *Orchestrator) Run(ctx context.Context, cycleID, runID string) (result PlayLoopResult, err error) {
	if cycleID == "" {
		cycleID = loop.NewCycleID()
	}
	if err := o.states.EnsureCycle(ctx, cycleID); err != nil {
		return PlayLoopResult{}, &PersistenceError{Op: "ensure cycle", Err: err}
	}

	result = PlayLoopResult{CycleID: cycleID}

	run, err := o.attachRun(ctx, cycleID, runID)
	if errors.Is(err, loop.ErrAlreadyRunning) {
		slog.Info("play loop already running, skipping", "cycle", cycleID)
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, err
	}
	if !run.Running() {
		// A retried job whose run already terminated has nothing to do.
		slog.Info("play loop run already terminal, skipping", "run", run.ID, "status", run.Status)
		result.Skipped = true
		return result, nil
	}
	result.RunID = run.ID

	defer func() {
		if err != nil {
			if failErr := o.states.Fail(ctx, run.ID, err.Error()); failErr != nil {
				slog.Error("failed to mark play loop failed", "run", run.ID, "error", failErr)
			}
		}
	}()

	villages, err := o.games.Villages(ctx)
	if err != nil {
		err = &PersistenceError{Op: "list villages", Err: err}
		return result, err
	}
	if len(villages) == 0 {
		err = ErrNoVillages
		return result, err
	}

	for _, village := range villages {
		done, lerr := o.ledger.IsProcessed(ctx, cycleID, entityVillage, village.ID, "")
		if lerr != nil {
			err = &PersistenceError{Op: "ledger read", Err: lerr}
			return result, err
		}
		if done {
			result.VillagesSkipped++
			continue
		}

		job := queue.Job{
			Kind:      queue.KindVillageTick,
			CycleID:   cycleID,
			RunID:     run.ID,
			VillageID: village.ID,
		}
		if qerr := o.dispatch.Enqueue(ctx, job); qerr != nil {
			err = fmt.Errorf("enqueue village tick for village %d: %w", village.ID, qerr)
			return result, err
		}

		if lerr := o.ledger.MarkProcessed(ctx, cycleID, entityVillage, village.ID, ""); lerr != nil {
			err = &PersistenceError{Op: "ledger mark", Err: lerr}
			return result, err
		}
		if perr := o.states.MarkQueued(ctx, run.ID, entityVillage, village.ID); perr != nil {
			err = &PersistenceError{Op: "mark queued", Err: perr}
			return result, err
		}
		result.VillagesQueued++
	}

	if err = o.states.Complete(ctx, run.ID); err != nil {
		err = &PersistenceError{Op: "complete play loop", Err: err}
		return result, err
	}

	slog.Info("play loop dispatched",
		"cycle", cycleID, "queued", result.VillagesQueued,
		"already_queued", result.VillagesSkipped)
	return result, nil
}

// attachRun resolves the play loop run for this pass: the one the trigger
// created when a run id is carried, a fresh one otherwise.
func (o *Orchestrator) attachRun(ctx context.Context, cycleID, runID string) (loop.Run, error) {
	if runID != "" {
		run, err := o.states.Find(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, loop.ErrRunNotFound) {
			return loop.Run{}, &PersistenceError{Op: "find run", Err: err}
		}
		// Run vanished (reaped and GC'd); fall through and start fresh.
		slog.Warn("carried run id not found, starting new run", "run", runID, "cycle", cycleID)
	}

	run, err := o.states.Start(ctx, loop.KindPlayLoop, "", cycleID, "")
	if err != nil {
		if errors.Is(err, loop.ErrAlreadyRunning) {
			return loop.Run{}, err
		}
		return loop.Run{}, &PersistenceError{Op: "start play loop", Err: err}
	}
	return run, nil
}
