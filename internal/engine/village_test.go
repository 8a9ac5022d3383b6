package engine

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
)

func TestVillageTickDispatchesOneJobPerBuildingType(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)
	ctx := context.Background()

	v := f.addVillage(t, "Milltown")
	farm := f.addBuilding(t, v.ID, "Farm", map[string]int64{"Food": 1}, 2)
	woodcutter := f.addBuilding(t, v.ID, "Woodcutter", map[string]int64{"Wood": 1}, 1)
	// No outputs — must not be dispatched.
	f.addBuilding(t, v.ID, "Statue", nil, 1)

	result, err := ticker.Process(ctx, v.ID, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.BuildingsProcessed)
	assert.False(t, result.Skipped)

	jobs := dispatch.captured()
	require.Len(t, jobs, 2)
	byBuilding := map[int64]queue.Job{}
	for _, j := range jobs {
		assert.Equal(t, queue.KindProduce, j.Kind)
		assert.Equal(t, "cycle-1", j.CycleID)
		assert.Equal(t, v.ID, j.VillageID)
		byBuilding[j.BuildingTypeID] = j
	}
	assert.Equal(t, int64(2), byBuilding[farm].Multiplier, "instances collapse into the multiplier")
	assert.Equal(t, int64(1), byBuilding[woodcutter].Multiplier)

	// The village run completed.
	run, err := f.states.Find(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, run.Status)
}

func TestVillageTickSkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)
	ctx := context.Background()

	v := f.addVillage(t, "Milltown")
	f.addBuilding(t, v.ID, "Farm", map[string]int64{"Food": 1}, 1)

	// Another worker holds this village's loop.
	_, err := f.states.Start(ctx, loop.KindVillageLoop, strconv.FormatInt(v.ID, 10), "cycle-1", "")
	require.NoError(t, err)

	result, err := ticker.Process(ctx, v.ID, "cycle-1")
	require.NoError(t, err, "already-running is a skip, not a failure")
	assert.True(t, result.Skipped)
	assert.Empty(t, dispatch.captured())
}

func TestVillageTickResumesAfterPartialDispatch(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)
	ctx := context.Background()

	v := f.addVillage(t, "Milltown")
	farm := f.addBuilding(t, v.ID, "Farm", map[string]int64{"Food": 1}, 1)
	woodcutter := f.addBuilding(t, v.ID, "Woodcutter", map[string]int64{"Wood": 1}, 1)

	// A previous attempt already dispatched the farm group before dying.
	require.NoError(t, f.ledger.MarkProcessed(ctx, "cycle-1", "building", farm, villageScope(v.ID)))

	result, err := ticker.Process(ctx, v.ID, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.BuildingsProcessed)

	jobs := dispatch.captured()
	require.Len(t, jobs, 1)
	assert.Equal(t, woodcutter, jobs[0].BuildingTypeID)
}

func TestVillageTickUnknownVillageFailsRun(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)
	ctx := context.Background()

	result, err := ticker.Process(ctx, 999, "cycle-1")
	assert.ErrorIs(t, err, ErrVillageNotFound)

	// The run must not dangle in running state.
	run, ferr := f.states.Find(ctx, result.RunID)
	require.NoError(t, ferr)
	assert.Equal(t, loop.StatusFailed, run.Status)
	require.NotNil(t, run.Error)

	// The scope is free for the next tick.
	ok, err := f.states.CanStart(ctx, loop.KindVillageLoop, "999")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVillageTickDispatchFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{err: assert.AnError}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)
	ctx := context.Background()

	v := f.addVillage(t, "Milltown")
	f.addBuilding(t, v.ID, "Farm", map[string]int64{"Food": 1}, 1)

	result, err := ticker.Process(ctx, v.ID, "cycle-1")
	require.Error(t, err)

	run, ferr := f.states.Find(ctx, result.RunID)
	require.NoError(t, ferr)
	assert.Equal(t, loop.StatusFailed, run.Status)
}

func TestVillageTickStartsStandaloneCycle(t *testing.T) {
	f := newFixture(t)
	dispatch := &captureDispatcher{}
	ticker := NewVillageTicker(f.games, f.states, f.ledger, dispatch)

	v := f.addVillage(t, "Milltown")
	f.addBuilding(t, v.ID, "Farm", map[string]int64{"Food": 1}, 1)

	result, err := ticker.Process(context.Background(), v.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.CycleID, "direct invocation mints its own cycle")

	jobs := dispatch.captured()
	require.Len(t, jobs, 1)
	assert.Equal(t, result.CycleID, jobs[0].CycleID)
}
