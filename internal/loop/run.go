// Package loop tracks game-loop execution state: cycles, mutually-exclusive
// loop runs, and the cycle-scoped idempotency ledger. Everything here exists
// so that a tick of the game survives job retries, worker crashes, and
// concurrent scheduler invocations without double-producing resources.
package loop

import "errors"

// Kind identifies which scheduled unit a run tracks.
type Kind string

const (
	KindPlayLoop    Kind = "play_loop"    // Global scope
	KindVillageLoop Kind = "village_loop" // Scoped by village id
)

// Status is the lifecycle state of a run. Running is the only non-terminal
// state; no transition ever leaves a terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one tracked unit of scheduled work. At most one running Run may
// exist per (kind, scope) — that invariant is what prevents overlapping
// ticks.
type Run struct {
	ID          string  `db:"id" json:"id"`
	Kind        Kind    `db:"kind" json:"kind"`
	Scope       string  `db:"scope" json:"scope,omitempty"` // "" for the global play loop
	CycleID     string  `db:"cycle_id" json:"cycle_id,omitempty"`
	Status      Status  `db:"status" json:"status"`
	JobRef      string  `db:"job_ref" json:"job_ref,omitempty"`
	Error       *string `db:"error" json:"error,omitempty"`
	StartedAt   int64   `db:"started_at" json:"started_at"`
	CompletedAt *int64  `db:"completed_at" json:"completed_at,omitempty"`
}

// Running reports whether the run is still in flight.
func (r Run) Running() bool {
	return r.Status == StatusRunning
}

var (
	// ErrAlreadyRunning means a start attempt lost the mutual-exclusion
	// race. Callers treat it as a skip, not a failure.
	ErrAlreadyRunning = errors.New("loop already running")

	// ErrRunNotFound means the referenced run id does not exist.
	ErrRunNotFound = errors.New("loop run not found")
)
