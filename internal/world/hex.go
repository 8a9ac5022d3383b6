// Package world provides the hex tile grid and terrain generation for the
// game map. Uses axial coordinates (q, r).
package world

// HexCoord represents a position on the hex grid using axial coordinates.
// The third cube coordinate s is derived: s = -q - r.
type HexCoord struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// S returns the implicit third cube coordinate.
func (h HexCoord) S() int {
	return -h.Q - h.R
}

// Neighbors returns the six adjacent coordinates.
func (h HexCoord) Neighbors() [6]HexCoord {
	var out [6]HexCoord
	for i, d := range hexNeighborDirections {
		out[i] = HexCoord{Q: h.Q + d.Q, R: h.R + d.R}
	}
	return out
}

var hexNeighborDirections = [6]HexCoord{
	{Q: 1, R: 0},
	{Q: 1, R: -1},
	{Q: 0, R: -1},
	{Q: -1, R: 0},
	{Q: -1, R: 1},
	{Q: 0, R: 1},
}

// Terrain types for map tiles.
type Terrain uint8

const (
	TerrainPlains   Terrain = iota // Farmland — claimable
	TerrainForest                  // Timber — claimable
	TerrainMountain                // Stone and ore — claimable
	TerrainCoast                   // Land bordering water — claimable
	TerrainWater                   // Not claimable
)

// TerrainName returns a display name for a terrain type.
func TerrainName(t Terrain) string {
	switch t {
	case TerrainPlains:
		return "plains"
	case TerrainForest:
		return "forest"
	case TerrainMountain:
		return "mountain"
	case TerrainCoast:
		return "coast"
	case TerrainWater:
		return "water"
	}
	return "unknown"
}

// Claimable reports whether a village can be founded on this terrain.
func (t Terrain) Claimable() bool {
	return t != TerrainWater
}

// Tile is a single map tile produced by generation. Persistence assigns ids.
type Tile struct {
	Coord   HexCoord `json:"coord"`
	Terrain Terrain  `json:"terrain"`
}
