package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hexhold/internal/game"
)

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()

	games, err := game.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { games.Close() })

	store, err := NewStore(games.DB(), now)
	require.NoError(t, err)
	return store
}

func TestStartEnforcesMutualExclusion(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)

	_, err = store.Start(ctx, KindPlayLoop, "", "cycle-2", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different scope is an independent unit.
	_, err = store.Start(ctx, KindVillageLoop, "7", "cycle-1", "")
	require.NoError(t, err)
	_, err = store.Start(ctx, KindVillageLoop, "8", "cycle-1", "")
	require.NoError(t, err)
	_, err = store.Start(ctx, KindVillageLoop, "7", "cycle-1", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartConcurrentRace(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent start may succeed")
}

func TestCanStartReflectsLifecycle(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	ok, err := store.CanStart(ctx, KindPlayLoop, "")
	require.NoError(t, err)
	assert.True(t, ok)

	run, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)

	ok, err = store.CanStart(ctx, KindPlayLoop, "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Complete(ctx, run.ID))

	// Terminal rows are invisible to the exclusion check regardless of age.
	ok, err = store.CanStart(ctx, KindPlayLoop, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteAndFailAreIdempotent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	run, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, run.ID))
	// Double-complete and late fail must not raise or change state.
	require.NoError(t, store.Complete(ctx, run.ID))
	require.NoError(t, store.Fail(ctx, run.ID, "too late"))

	found, err := store.Find(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, found.Status)
	assert.Nil(t, found.Error)
	require.NotNil(t, found.CompletedAt)
}

func TestFailRecordsDetail(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	run, err := store.Start(ctx, KindVillageLoop, "3", "cycle-1", "")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, run.ID, "dispatch exploded"))

	found, err := store.Find(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, found.Status)
	require.NotNil(t, found.Error)
	assert.Equal(t, "dispatch exploded", *found.Error)

	// Failure releases the scope for the next tick.
	_, err = store.Start(ctx, KindVillageLoop, "3", "cycle-2", "")
	require.NoError(t, err)
}

func TestFindUnknownRun(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Find(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunningLookup(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, ok, err := store.Running(ctx, KindPlayLoop, "")
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "ref-1")
	require.NoError(t, err)

	got, ok, err := store.Running(ctx, KindPlayLoop, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "ref-1", got.JobRef)
}

func TestQueuedEntityProgress(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	run, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)

	require.NoError(t, store.MarkQueued(ctx, run.ID, "village", 1))
	require.NoError(t, store.MarkQueued(ctx, run.ID, "village", 2))
	// Marking twice is a no-op.
	require.NoError(t, store.MarkQueued(ctx, run.ID, "village", 2))

	ids, err := store.QueuedEntities(ctx, run.ID, "village")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	n, err := store.QueuedCountForCycle(ctx, "cycle-1", "village")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReapStaleForceFailsOldRuns(t *testing.T) {
	current := time.Unix(1_000_000, 0)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	stuck, err := store.Start(ctx, KindPlayLoop, "", "cycle-1", "")
	require.NoError(t, err)

	// Not yet stale.
	reaped, err := store.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	current = current.Add(11 * time.Minute)
	reaped, err = store.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	found, err := store.Find(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, found.Status)

	// The scope is free again.
	_, err = store.Start(ctx, KindPlayLoop, "", "cycle-2", "")
	require.NoError(t, err)
}

func TestCycleLifecycle(t *testing.T) {
	current := time.Unix(1_000_000, 0)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	require.NoError(t, store.EnsureCycle(ctx, "old-cycle"))
	require.NoError(t, store.EnsureCycle(ctx, "old-cycle")) // idempotent

	run, err := store.Start(ctx, KindPlayLoop, "", "old-cycle", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkQueued(ctx, run.ID, "village", 1))
	require.NoError(t, store.Complete(ctx, run.ID))

	current = current.Add(48 * time.Hour)
	require.NoError(t, store.EnsureCycle(ctx, "new-cycle"))

	old, err := store.CyclesBefore(ctx, current.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old-cycle"}, old)

	require.NoError(t, store.DeleteCycle(ctx, "old-cycle"))

	ids, err := store.QueuedEntities(ctx, run.ID, "village")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = store.Find(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
