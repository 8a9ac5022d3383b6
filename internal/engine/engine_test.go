package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
	"github.com/talgya/hexhold/internal/world"
)

// fixture bundles the stores every loop service needs, over one in-memory
// database.
type fixture struct {
	games  *game.Store
	states *loop.Store
	ledger *loop.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	games, err := game.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { games.Close() })

	states, err := loop.NewStore(games.DB(), nil)
	require.NoError(t, err)
	ledger, err := loop.NewLedger(games.DB(), 2*time.Hour, 2*time.Minute, nil)
	require.NoError(t, err)

	return &fixture{games: games, states: states, ledger: ledger}
}

var tileSeq int

func (f *fixture) addVillage(t *testing.T, name string) game.Village {
	t.Helper()
	tileSeq++
	tileID, err := f.games.InsertTile(context.Background(), tileSeq, -tileSeq, int(world.TerrainPlains))
	require.NoError(t, err)
	v, err := f.games.CreateVillage(context.Background(), name, tileID)
	require.NoError(t, err)
	return v
}

// addBuilding creates a building type with the given per-tick outputs and
// places count instances of it in the village.
func (f *fixture) addBuilding(t *testing.T, villageID int64, name string, outputs map[string]int64, count int) int64 {
	t.Helper()
	ctx := context.Background()

	buildingID, err := f.games.UpsertBuilding(ctx, name)
	require.NoError(t, err)
	for resource, qty := range outputs {
		resourceID, err := f.games.UpsertResource(ctx, resource)
		require.NoError(t, err)
		require.NoError(t, f.games.SetBuildingOutput(ctx, buildingID, resourceID, qty))
	}
	for i := 0; i < count; i++ {
		require.NoError(t, f.games.PlaceBuilding(ctx, villageID, buildingID))
	}
	return buildingID
}

// stocksByName returns a village's stocks keyed by resource name.
func (f *fixture) stocksByName(t *testing.T, villageID int64) map[string]int64 {
	t.Helper()
	stocks, err := f.games.Stocks(context.Background(), villageID)
	require.NoError(t, err)

	out := make(map[string]int64, len(stocks))
	for _, s := range stocks {
		out[s.ResourceName] = s.Count
	}
	return out
}

// captureDispatcher records enqueued jobs instead of running them.
type captureDispatcher struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error // returned by Enqueue when set
}

func (d *captureDispatcher) Enqueue(_ context.Context, job queue.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *captureDispatcher) captured() []queue.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]queue.Job(nil), d.jobs...)
}
