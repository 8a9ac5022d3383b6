package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
)

// VillageTicker processes one village's tick: it groups the village's
// building instances by type and dispatches one production job per type,
// carrying the instance count as the multiplier. Each tick runs inside its
// own village_loop run so a village is never ticked twice concurrently.
type VillageTicker struct {
	games    *game.Store
	states   *loop.Store
	ledger   *loop.Ledger
	dispatch queue.Dispatcher
}

// NewVillageTicker creates the village tick processor.
func NewVillageTicker(games *game.Store, states *loop.Store, ledger *loop.Ledger, dispatch queue.Dispatcher) *VillageTicker {
	return &VillageTicker{games: games, states: states, ledger: ledger, dispatch: dispatch}
}

// VillageTickResult reports one village tick.
type VillageTickResult struct {
	VillageID          int64  `json:"village_id"`
	CycleID            string `json:"cycle_id"`
	RunID              string `json:"run_id,omitempty"`
	BuildingsProcessed int    `json:"buildings_processed"`
	Skipped            bool   `json:"skipped"`
}

// Process ticks one village. An empty cycle id starts a standalone cycle
// (direct invocation). If a tick for this village is already running the
// call is a logged no-op, not an error. Building groups already marked in
// the cycle's ledger are skipped, so a retried tick dispatches only the
// remaining groups.
func (t *VillageTicker) Process(ctx context.Context, villageID int64, cycleID string) (result VillageTickResult, err error) {
	if cycleID == "" {
		cycleID = loop.NewCycleID()
	}
	if err := t.states.EnsureCycle(ctx, cycleID); err != nil {
		return VillageTickResult{}, &PersistenceError{Op: "ensure cycle", Err: err}
	}

	result = VillageTickResult{VillageID: villageID, CycleID: cycleID}

	run, err := t.states.Start(ctx, loop.KindVillageLoop, strconv.FormatInt(villageID, 10), cycleID, "")
	if errors.Is(err, loop.ErrAlreadyRunning) {
		slog.Info("village loop already running, skipping", "village", villageID, "cycle", cycleID)
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, &PersistenceError{Op: "start village loop", Err: err}
	}
	result.RunID = run.ID

	// The run must never dangle in running state: fail it on any error
	// path so the next tick for this village is not blocked forever.
	defer func() {
		if err != nil {
			if failErr := t.states.Fail(ctx, run.ID, err.Error()); failErr != nil {
				slog.Error("failed to mark village run failed", "run", run.ID, "error", failErr)
			}
		}
	}()

	if _, err = t.games.Village(ctx, villageID); err != nil {
		if errors.Is(err, game.ErrNotFound) {
			err = fmt.Errorf("village %d: %w", villageID, ErrVillageNotFound)
			return result, err
		}
		err = &PersistenceError{Op: "load village", Err: err}
		return result, err
	}

	groups, err := t.games.BuildingGroups(ctx, villageID)
	if err != nil {
		err = &PersistenceError{Op: "load building groups", Err: err}
		return result, err
	}

	scope := villageScope(villageID)
	for _, group := range groups {
		done, lerr := t.ledger.IsProcessed(ctx, cycleID, entityBuilding, group.BuildingID, scope)
		if lerr != nil {
			err = &PersistenceError{Op: "ledger read", Err: lerr}
			return result, err
		}
		if done {
			slog.Info("building group already dispatched this cycle, skipping",
				"village", villageID, "building", group.BuildingID, "cycle", cycleID)
			continue
		}

		job := queue.Job{
			Kind:           queue.KindProduce,
			CycleID:        cycleID,
			RunID:          run.ID,
			VillageID:      villageID,
			BuildingTypeID: group.BuildingID,
			Multiplier:     group.Count,
		}
		if qerr := t.dispatch.Enqueue(ctx, job); qerr != nil {
			err = fmt.Errorf("enqueue production for building %d: %w", group.BuildingID, qerr)
			return result, err
		}

		if lerr := t.ledger.MarkProcessed(ctx, cycleID, entityBuilding, group.BuildingID, scope); lerr != nil {
			err = &PersistenceError{Op: "ledger mark", Err: lerr}
			return result, err
		}
		if perr := t.states.MarkQueued(ctx, run.ID, entityBuilding, group.BuildingID); perr != nil {
			err = &PersistenceError{Op: "mark queued", Err: perr}
			return result, err
		}
		result.BuildingsProcessed++
	}

	if err = t.states.Complete(ctx, run.ID); err != nil {
		err = &PersistenceError{Op: "complete village loop", Err: err}
		return result, err
	}

	slog.Info("village tick dispatched",
		"village", villageID, "cycle", cycleID,
		"buildings", result.BuildingsProcessed)
	return result, nil
}
