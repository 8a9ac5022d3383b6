// Map generation using layered simplex noise. Elevation and rainfall maps
// are sampled per tile, then terrain is derived from thresholds.
package world

import (
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// GenConfig holds map generation parameters.
type GenConfig struct {
	Radius      int     // Hex grid radius
	Seed        int64   // Random seed (0 = random)
	SeaLevel    float64 // Elevation threshold for water (0.0–1.0)
	MountainLvl float64 // Elevation threshold for mountains (0.0–1.0)
}

// DefaultGenConfig returns a reasonable starting configuration.
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Radius:      12,
		Seed:        0,
		SeaLevel:    0.25,
		MountainLvl: 0.72,
	}
}

// SmallTestConfig returns a tiny map for tests.
func SmallTestConfig() GenConfig {
	return GenConfig{
		Radius:      4,
		Seed:        42,
		SeaLevel:    0.15,
		MountainLvl: 0.85,
	}
}

// Generate creates the full tile set for a map. Deterministic for a fixed
// seed; tiles are ordered by (q, r) so seeding the database is stable.
func Generate(cfg GenConfig) []Tile {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	elevNoise := opensimplex.NewNormalized(seed)
	rainNoise := opensimplex.NewNormalized(seed + 1)

	var tiles []Tile
	for q := -cfg.Radius; q <= cfg.Radius; q++ {
		for r := -cfg.Radius; r <= cfg.Radius; r++ {
			coord := HexCoord{Q: q, R: r}
			if maxCube(coord) > cfg.Radius {
				continue
			}

			// Hex axial → cartesian for noise sampling.
			x := float64(q) + float64(r)*0.5
			y := float64(r) * math.Sqrt(3.0) / 2.0

			elev := octaveNoise(elevNoise, x, y, 4, 0.12, 0.5)
			rain := octaveNoise(rainNoise, x, y, 3, 0.09, 0.5)

			// Push elevation down toward the edges so the map ends in water.
			distFromCenter := math.Sqrt(x*x+y*y) / float64(cfg.Radius)
			edgeFalloff := 1.0 - math.Pow(distFromCenter, 3.5)
			if edgeFalloff < 0 {
				edgeFalloff = 0
			}
			elev *= edgeFalloff

			tiles = append(tiles, Tile{
				Coord:   coord,
				Terrain: deriveTerrain(elev, rain, cfg),
			})
		}
	}

	markCoastalTiles(tiles)
	return tiles
}

func deriveTerrain(elev, rain float64, cfg GenConfig) Terrain {
	if elev < cfg.SeaLevel {
		return TerrainWater
	}
	if elev > cfg.MountainLvl {
		return TerrainMountain
	}
	if rain > 0.5 {
		return TerrainForest
	}
	return TerrainPlains
}

// markCoastalTiles converts land tiles adjacent to water into coast.
func markCoastalTiles(tiles []Tile) {
	byCoord := make(map[HexCoord]int, len(tiles))
	for i, t := range tiles {
		byCoord[t.Coord] = i
	}

	for i, t := range tiles {
		if t.Terrain == TerrainWater {
			continue
		}
		for _, n := range t.Coord.Neighbors() {
			j, ok := byCoord[n]
			if ok && tiles[j].Terrain == TerrainWater {
				tiles[i].Terrain = TerrainCoast
				break
			}
		}
	}
}

// octaveNoise samples layered noise for natural-looking variation.
func octaveNoise(n opensimplex.Noise, x, y float64, octaves int, freq, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxValue := 0.0

	for i := 0; i < octaves; i++ {
		total += n.Eval2(x*freq, y*freq) * amplitude
		maxValue += amplitude
		amplitude *= persistence
		freq *= 2
	}

	return total / maxValue
}

func maxCube(c HexCoord) int {
	aq, ar, as := abs(c.Q), abs(c.R), abs(c.S())
	max := aq
	if ar > max {
		max = ar
	}
	if as > max {
		max = as
	}
	return max
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
