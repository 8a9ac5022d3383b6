package game

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/hexhold/internal/world"
)

// CatalogEntry names a building type and what it yields per tick.
type CatalogEntry struct {
	Building string
	Outputs  map[string]int64 // resource name → quantity per tick
}

// DefaultCatalog is the building catalog seeded into a fresh world.
var DefaultCatalog = []CatalogEntry{
	{Building: "Woodcutter", Outputs: map[string]int64{"Wood": 1}},
	{Building: "Farm", Outputs: map[string]int64{"Food": 1}},
	{Building: "Quarry", Outputs: map[string]int64{"Stone": 1}},
}

// Seeded reports whether the world has already been seeded.
func (s *Store) Seeded(ctx context.Context) (bool, error) {
	n, err := s.TileCount(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SeedCatalog creates the resource and building catalogs. Idempotent.
func (s *Store) SeedCatalog(ctx context.Context, catalog []CatalogEntry) error {
	for _, entry := range catalog {
		buildingID, err := s.UpsertBuilding(ctx, entry.Building)
		if err != nil {
			return err
		}
		for resource, qty := range entry.Outputs {
			resourceID, err := s.UpsertResource(ctx, resource)
			if err != nil {
				return err
			}
			if err := s.SetBuildingOutput(ctx, buildingID, resourceID, qty); err != nil {
				return err
			}
		}
	}
	return nil
}

// SeedWorld generates the tile map, seeds the catalog, and founds demo
// villages on free land so a fresh install has something to tick.
func (s *Store) SeedWorld(ctx context.Context, cfg world.GenConfig, villages int) error {
	tiles := world.Generate(cfg)
	land := 0
	for _, t := range tiles {
		if _, err := s.InsertTile(ctx, t.Coord.Q, t.Coord.R, int(t.Terrain)); err != nil {
			return err
		}
		if t.Terrain.Claimable() {
			land++
		}
	}
	slog.Info("map generated", "tiles", len(tiles), "land", land, "seed", cfg.Seed)

	if err := s.SeedCatalog(ctx, DefaultCatalog); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	claimable := []int{
		int(world.TerrainPlains),
		int(world.TerrainForest),
		int(world.TerrainMountain),
		int(world.TerrainCoast),
	}
	free, err := s.FreeClaimableTiles(ctx, claimable, villages)
	if err != nil {
		return err
	}

	for i, tile := range free {
		v, err := s.CreateVillage(ctx, fmt.Sprintf("Village %d", i+1), tile.ID)
		if err != nil {
			return err
		}
		// Every demo village starts with a woodcutter and a farm.
		for _, name := range []string{"Woodcutter", "Farm"} {
			buildingID, err := s.UpsertBuilding(ctx, name)
			if err != nil {
				return err
			}
			if err := s.PlaceBuilding(ctx, v.ID, buildingID); err != nil {
				return err
			}
		}
		slog.Info("village founded", "village", v.ID, "name", v.Name,
			"tile", tile.ID, "terrain", tile.TerrainName())
	}

	return nil
}
