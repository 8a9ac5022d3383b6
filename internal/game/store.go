package game

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite connection for domain entity storage.
type Store struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path, creating the
// parent directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// OpenMemory opens a fresh in-memory database, used by tests. The pool is
// pinned to one connection so every caller sees the same database.
func OpenMemory() (*Store, error) {
	conn, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// DB exposes the underlying connection so the loop state tables can share
// one database file with the domain tables.
func (s *Store) DB() *sqlx.DB {
	return s.conn
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		q INTEGER NOT NULL,
		r INTEGER NOT NULL,
		terrain INTEGER NOT NULL,
		UNIQUE(q, r)
	);

	CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS buildings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS building_outputs (
		building_id INTEGER NOT NULL REFERENCES buildings(id),
		resource_id INTEGER NOT NULL REFERENCES resources(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		PRIMARY KEY (building_id, resource_id)
	);

	CREATE TABLE IF NOT EXISTS villages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		tile_id INTEGER NOT NULL UNIQUE REFERENCES tiles(id)
	);

	CREATE TABLE IF NOT EXISTS village_buildings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		village_id INTEGER NOT NULL REFERENCES villages(id),
		building_id INTEGER NOT NULL REFERENCES buildings(id)
	);

	CREATE TABLE IF NOT EXISTS village_resources (
		village_id INTEGER NOT NULL REFERENCES villages(id),
		resource_id INTEGER NOT NULL REFERENCES resources(id),
		count INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
		PRIMARY KEY (village_id, resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_village_buildings_village
		ON village_buildings(village_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// ── Tiles ─────────────────────────────────────────────────────────────

// InsertTile stores a generated map tile and returns its id.
func (s *Store) InsertTile(ctx context.Context, q, r, terrain int) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO tiles (q, r, terrain) VALUES (?, ?, ?)", q, r, terrain)
	if err != nil {
		return 0, fmt.Errorf("insert tile (%d,%d): %w", q, r, err)
	}
	return res.LastInsertId()
}

// FreeClaimableTiles returns tiles with claimable terrain and no village,
// ordered by id for deterministic placement.
func (s *Store) FreeClaimableTiles(ctx context.Context, claimable []int, limit int) ([]Tile, error) {
	query, args, err := sqlx.In(`
		SELECT t.id, t.q, t.r, t.terrain FROM tiles t
		WHERE t.terrain IN (?)
		  AND NOT EXISTS (SELECT 1 FROM villages v WHERE v.tile_id = t.id)
		ORDER BY t.id LIMIT ?`, claimable, limit)
	if err != nil {
		return nil, err
	}

	var tiles []Tile
	if err := s.conn.SelectContext(ctx, &tiles, query, args...); err != nil {
		return nil, fmt.Errorf("select free tiles: %w", err)
	}
	return tiles, nil
}

// TileCount returns the number of map tiles.
func (s *Store) TileCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM tiles")
	return n, err
}

// ── Catalog ───────────────────────────────────────────────────────────

// UpsertResource creates a resource catalog entry if absent and returns its id.
func (s *Store) UpsertResource(ctx context.Context, name string) (int64, error) {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO resources (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name)
	if err != nil {
		return 0, fmt.Errorf("upsert resource %s: %w", name, err)
	}
	var id int64
	if err := s.conn.GetContext(ctx, &id, "SELECT id FROM resources WHERE name = ?", name); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertBuilding creates a building catalog entry if absent and returns its id.
func (s *Store) UpsertBuilding(ctx context.Context, name string) (int64, error) {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO buildings (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name)
	if err != nil {
		return 0, fmt.Errorf("upsert building %s: %w", name, err)
	}
	var id int64
	if err := s.conn.GetContext(ctx, &id, "SELECT id FROM buildings WHERE name = ?", name); err != nil {
		return 0, err
	}
	return id, nil
}

// SetBuildingOutput defines (or redefines) one per-tick output of a building type.
func (s *Store) SetBuildingOutput(ctx context.Context, buildingID, resourceID, quantity int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO building_outputs (building_id, resource_id, quantity)
		VALUES (?, ?, ?)
		ON CONFLICT(building_id, resource_id) DO UPDATE SET quantity = excluded.quantity`,
		buildingID, resourceID, quantity)
	if err != nil {
		return fmt.Errorf("set building output: %w", err)
	}
	return nil
}

// Building looks up a building type by id.
func (s *Store) Building(ctx context.Context, id int64) (Building, error) {
	var b Building
	err := s.conn.GetContext(ctx, &b, "SELECT id, name FROM buildings WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Building{}, ErrNotFound
	}
	return b, err
}

// BuildingOutputs returns the per-tick outputs a building type defines.
func (s *Store) BuildingOutputs(ctx context.Context, buildingID int64) ([]BuildingOutput, error) {
	var outputs []BuildingOutput
	err := s.conn.SelectContext(ctx, &outputs, `
		SELECT building_id, resource_id, quantity FROM building_outputs
		WHERE building_id = ? ORDER BY resource_id`, buildingID)
	if err != nil {
		return nil, fmt.Errorf("select building outputs: %w", err)
	}
	return outputs, nil
}

// ── Villages ──────────────────────────────────────────────────────────

// CreateVillage founds a village on a tile and returns it.
func (s *Store) CreateVillage(ctx context.Context, name string, tileID int64) (Village, error) {
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO villages (name, tile_id) VALUES (?, ?)", name, tileID)
	if err != nil {
		return Village{}, fmt.Errorf("create village %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Village{}, err
	}
	return Village{ID: id, Name: name, TileID: tileID}, nil
}

// Village looks up a village by id.
func (s *Store) Village(ctx context.Context, id int64) (Village, error) {
	var v Village
	err := s.conn.GetContext(ctx, &v, "SELECT id, name, tile_id FROM villages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Village{}, ErrNotFound
	}
	return v, err
}

// Villages returns all villages ordered by id.
func (s *Store) Villages(ctx context.Context) ([]Village, error) {
	var villages []Village
	err := s.conn.SelectContext(ctx, &villages, "SELECT id, name, tile_id FROM villages ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("select villages: %w", err)
	}
	return villages, nil
}

// PlaceBuilding adds one building instance to a village.
func (s *Store) PlaceBuilding(ctx context.Context, villageID, buildingID int64) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO village_buildings (village_id, building_id) VALUES (?, ?)",
		villageID, buildingID)
	if err != nil {
		return fmt.Errorf("place building: %w", err)
	}
	return nil
}

// BuildingGroups returns a village's building instances grouped by type,
// restricted to types that define outputs. The count is the production
// multiplier for the group.
func (s *Store) BuildingGroups(ctx context.Context, villageID int64) ([]BuildingGroup, error) {
	var groups []BuildingGroup
	err := s.conn.SelectContext(ctx, &groups, `
		SELECT vb.building_id AS building_id, COUNT(*) AS count
		FROM village_buildings vb
		WHERE vb.village_id = ?
		  AND EXISTS (SELECT 1 FROM building_outputs bo WHERE bo.building_id = vb.building_id)
		GROUP BY vb.building_id
		ORDER BY vb.building_id`, villageID)
	if err != nil {
		return nil, fmt.Errorf("select building groups: %w", err)
	}
	return groups, nil
}

// ── Stocks ────────────────────────────────────────────────────────────

// AddStock atomically adds amount to a village's stock of a resource,
// creating a zero-initialized row if absent, and returns the new total.
// The increment happens inside the database so concurrent producers for
// the same stock row never lose updates.
func (s *Store) AddStock(ctx context.Context, villageID, resourceID, amount int64) (int64, error) {
	var total int64
	err := s.conn.GetContext(ctx, &total, `
		INSERT INTO village_resources (village_id, resource_id, count)
		VALUES (?, ?, ?)
		ON CONFLICT(village_id, resource_id) DO UPDATE SET count = count + excluded.count
		RETURNING count`,
		villageID, resourceID, amount)
	if err != nil {
		return 0, fmt.Errorf("add stock village=%d resource=%d: %w", villageID, resourceID, err)
	}
	return total, nil
}

// Stocks returns a village's resource stocks with resource names.
func (s *Store) Stocks(ctx context.Context, villageID int64) ([]Stock, error) {
	var stocks []Stock
	err := s.conn.SelectContext(ctx, &stocks, `
		SELECT vr.village_id, vr.resource_id, r.name AS resource_name, vr.count
		FROM village_resources vr
		JOIN resources r ON r.id = vr.resource_id
		WHERE vr.village_id = ?
		ORDER BY vr.resource_id`, villageID)
	if err != nil {
		return nil, fmt.Errorf("select stocks: %w", err)
	}
	return stocks, nil
}
