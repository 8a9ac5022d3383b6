package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
)

// Producer applies one building type's per-tick output to a village's
// stock, exactly once per (cycle, village, building, resource).
type Producer struct {
	games  *game.Store
	ledger *loop.Ledger
}

// NewProducer creates the resource production engine.
func NewProducer(games *game.Store, ledger *loop.Ledger) *Producer {
	return &Producer{games: games, ledger: ledger}
}

// ProducedResource is one applied stock delta.
type ProducedResource struct {
	ResourceID int64 `json:"resource_id"`
	Quantity   int64 `json:"quantity"`
	NewTotal   int64 `json:"new_total"`
}

// ProductionResult reports what one production step applied.
type ProductionResult struct {
	BuildingID    int64              `json:"building_id"`
	VillageID     int64              `json:"village_id"`
	Resources     []ProducedResource `json:"resources"`
	TotalQuantity int64              `json:"total_quantity"`
}

// Produce applies every output the building type defines, multiplied by the
// instance count. With a cycle id, each (building, village, resource)
// triple goes through the idempotency ledger: already-processed outputs are
// skipped with an info log, and a claim is taken before each increment so a
// replayed job racing a live one cannot double-apply. Without a cycle id
// (backfill tooling) the ledger is bypassed.
func (p *Producer) Produce(ctx context.Context, buildingID, villageID, multiplier int64, cycleID string) (ProductionResult, error) {
	if multiplier < 1 {
		multiplier = 1
	}

	building, err := p.games.Building(ctx, buildingID)
	if errors.Is(err, game.ErrNotFound) {
		return ProductionResult{}, fmt.Errorf("building %d: %w", buildingID, ErrBuildingNotFound)
	}
	if err != nil {
		return ProductionResult{}, &PersistenceError{Op: "load building", Err: err}
	}

	if _, err := p.games.Village(ctx, villageID); err != nil {
		if errors.Is(err, game.ErrNotFound) {
			return ProductionResult{}, fmt.Errorf("village %d: %w", villageID, ErrVillageNotFound)
		}
		return ProductionResult{}, &PersistenceError{Op: "load village", Err: err}
	}

	outputs, err := p.games.BuildingOutputs(ctx, buildingID)
	if err != nil {
		return ProductionResult{}, &PersistenceError{Op: "load outputs", Err: err}
	}

	result := ProductionResult{BuildingID: buildingID, VillageID: villageID}
	scope := buildingScope(villageID, buildingID)

	for _, output := range outputs {
		if cycleID != "" {
			done, err := p.ledger.IsProcessed(ctx, cycleID, entityResource, output.ResourceID, scope)
			if err != nil {
				return result, &PersistenceError{Op: "ledger read", Err: err}
			}
			if done {
				slog.Info("resource already produced this cycle, skipping",
					"cycle", cycleID, "village", villageID,
					"building", building.Name, "resource", output.ResourceID)
				continue
			}

			claimed, err := p.ledger.Claim(ctx, cycleID, entityResource, output.ResourceID, scope)
			if err != nil {
				return result, &PersistenceError{Op: "ledger claim", Err: err}
			}
			if !claimed {
				slog.Info("resource claimed by concurrent producer, skipping",
					"cycle", cycleID, "village", villageID,
					"building", building.Name, "resource", output.ResourceID)
				continue
			}
		}

		quantity := output.Quantity * multiplier
		total, err := p.games.AddStock(ctx, villageID, output.ResourceID, quantity)
		if err != nil {
			// The claim must not outlive the failed attempt: the queue
			// retry has to find the work item open, not skip a live claim.
			p.releaseClaim(ctx, cycleID, output.ResourceID, scope)
			return result, &PersistenceError{Op: "add stock", Err: err}
		}

		if cycleID != "" {
			if err := p.ledger.MarkProcessed(ctx, cycleID, entityResource, output.ResourceID, scope); err != nil {
				p.releaseClaim(ctx, cycleID, output.ResourceID, scope)
				return result, &PersistenceError{Op: "ledger mark", Err: err}
			}
		}

		result.Resources = append(result.Resources, ProducedResource{
			ResourceID: output.ResourceID,
			Quantity:   quantity,
			NewTotal:   total,
		})
		result.TotalQuantity += quantity

		slog.Info("resources produced",
			"village", villageID, "building", building.Name,
			"resource", output.ResourceID, "quantity", quantity,
			"multiplier", multiplier, "total", total)
	}

	return result, nil
}

// releaseClaim returns a failed work item's claim to the ledger. Best
// effort: if the release itself fails the claim TTL is the fallback.
func (p *Producer) releaseClaim(ctx context.Context, cycleID string, resourceID int64, scope string) {
	if cycleID == "" {
		return
	}
	if err := p.ledger.Release(ctx, cycleID, entityResource, resourceID, scope); err != nil {
		slog.Error("failed to release production claim",
			"cycle", cycleID, "resource", resourceID, "error", err)
	}
}
