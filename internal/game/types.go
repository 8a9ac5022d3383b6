// Package game provides the domain entities and their SQLite-backed store:
// tiles, villages, buildings, building outputs, and resource stocks.
package game

import "github.com/talgya/hexhold/internal/world"

// Tile is one claimable hex on the game map.
type Tile struct {
	ID      int64 `db:"id" json:"id"`
	Q       int   `db:"q" json:"q"`
	R       int   `db:"r" json:"r"`
	Terrain int   `db:"terrain" json:"terrain"`
}

// TerrainName returns the display name for the tile's terrain.
func (t Tile) TerrainName() string {
	return world.TerrainName(world.Terrain(t.Terrain))
}

// Village is a player settlement on a claimed tile.
type Village struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	TileID int64  `db:"tile_id" json:"tile_id"`
}

// Resource is a catalog entry for a producible resource type.
type Resource struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Building is a catalog entry for a constructible building type.
type Building struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// BuildingOutput defines one resource a building type yields per tick.
type BuildingOutput struct {
	BuildingID int64 `db:"building_id" json:"building_id"`
	ResourceID int64 `db:"resource_id" json:"resource_id"`
	Quantity   int64 `db:"quantity" json:"quantity"`
}

// BuildingGroup is the instances of one building type within a village,
// collapsed to a count. The count becomes the production multiplier.
type BuildingGroup struct {
	BuildingID int64 `db:"building_id" json:"building_id"`
	Count      int64 `db:"count" json:"count"`
}

// Stock is a village's current count of one resource. Count never goes
// negative.
type Stock struct {
	VillageID    int64  `db:"village_id" json:"village_id"`
	ResourceID   int64  `db:"resource_id" json:"resource_id"`
	ResourceName string `db:"resource_name" json:"resource_name"`
	Count        int64  `db:"count" json:"count"`
}
