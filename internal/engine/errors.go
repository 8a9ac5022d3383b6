// Package engine implements the game-loop services: resource production,
// village ticks, the play-loop orchestrator, and the scheduler trigger.
// Each service is callable directly (synchronous) and is also wired to a
// queue handler for asynchronous fan-out.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrVillageNotFound means the referenced village vanished between
	// enqueue and execution.
	ErrVillageNotFound = errors.New("village not found")

	// ErrBuildingNotFound means the referenced building type does not exist.
	ErrBuildingNotFound = errors.New("building not found")

	// ErrNoVillages means the orchestrator found an empty world. Surfaced
	// as a failure so operators notice the misconfiguration instead of a
	// loop silently ticking over nothing.
	ErrNoVillages = errors.New("no villages found")
)

// PersistenceError wraps a storage failure. The owning loop run is failed
// before this propagates, so mutual exclusion is released even though the
// queue will retry the job.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Ledger entity types and parent scope composition. The same physical
// resource is tracked independently per owning building, per owning
// village, per cycle.
const (
	entityVillage  = "village"
	entityBuilding = "building"
	entityResource = "resource"
)

func villageScope(villageID int64) string {
	return fmt.Sprintf("village:%d", villageID)
}

func buildingScope(villageID, buildingID int64) string {
	return fmt.Sprintf("village:%d:building:%d", villageID, buildingID)
}
