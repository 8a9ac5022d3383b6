package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
)

// janitorFixture wires the loop stores to a movable clock.
type janitorFixture struct {
	states *loop.Store
	ledger *loop.Ledger
	now    time.Time
}

func newJanitorFixture(t *testing.T) *janitorFixture {
	t.Helper()

	games, err := game.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { games.Close() })

	f := &janitorFixture{now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }

	f.states, err = loop.NewStore(games.DB(), clock)
	require.NoError(t, err)
	f.ledger, err = loop.NewLedger(games.DB(), 2*time.Hour, 2*time.Minute, clock)
	require.NoError(t, err)
	return f
}

func (f *janitorFixture) clock() func() time.Time {
	return func() time.Time { return f.now }
}

func TestSweepReapsStaleRuns(t *testing.T) {
	f := newJanitorFixture(t)
	janitor := NewJanitor(f.states, f.ledger, time.Hour, 24*time.Hour, f.clock())
	ctx := context.Background()

	run, err := f.states.Start(ctx, loop.KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)

	// Young run survives the sweep.
	require.NoError(t, janitor.Sweep(ctx))
	found, err := f.states.Find(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusRunning, found.Status)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, janitor.Sweep(ctx))
	found, err = f.states.Find(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusFailed, found.Status)
	require.NotNil(t, found.Error)

	// The scope is usable again.
	ok, err := f.states.CanStart(ctx, loop.KindPlayLoop, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepCollectsExpiredCycles(t *testing.T) {
	f := newJanitorFixture(t)
	janitor := NewJanitor(f.states, f.ledger, time.Hour, 24*time.Hour, f.clock())
	ctx := context.Background()

	require.NoError(t, f.states.EnsureCycle(ctx, "cycle-old"))
	run, err := f.states.Start(ctx, loop.KindPlayLoop, "", "cycle-old", "")
	require.NoError(t, err)
	require.NoError(t, f.states.Complete(ctx, run.ID))
	require.NoError(t, f.ledger.MarkProcessed(ctx, "cycle-old", "village", 1, ""))

	f.now = f.now.Add(12 * time.Hour)
	require.NoError(t, f.states.EnsureCycle(ctx, "cycle-new"))
	require.NoError(t, f.ledger.MarkProcessed(ctx, "cycle-new", "village", 1, ""))

	// 25h after cycle-old, 13h after cycle-new: only the old one goes.
	f.now = f.now.Add(13 * time.Hour)
	require.NoError(t, janitor.Sweep(ctx))

	cycles, err := f.states.CyclesBefore(ctx, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"cycle-new"}, cycles)

	_, err = f.states.Find(ctx, run.ID)
	assert.ErrorIs(t, err, loop.ErrRunNotFound, "runs of a collected cycle are removed")
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newJanitorFixture(t)
	janitor := NewJanitor(f.states, f.ledger, time.Hour, 24*time.Hour, f.clock())
	ctx := context.Background()

	require.NoError(t, f.states.EnsureCycle(ctx, "cycle-1"))
	require.NoError(t, f.ledger.MarkProcessed(ctx, "cycle-1", "village", 1, ""))

	f.now = f.now.Add(48 * time.Hour)
	require.NoError(t, janitor.Sweep(ctx))
	require.NoError(t, janitor.Sweep(ctx))
	require.NoError(t, janitor.Sweep(ctx))
}
