package loop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists cycles, loop runs, and per-run progress. It shares the
// game database so a run and its side effects commit to the same file.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates the loop state store, migrating its tables.
// now is overridable for tests; nil means time.Now.
func NewStore(db *sqlx.DB, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	s := &Store{db: db, now: now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate loop state: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loop_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		cycle_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		job_ref TEXT NOT NULL DEFAULT '',
		error TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	-- The mutual-exclusion invariant: at most one running run per
	-- (kind, scope). Terminal rows are invisible to this index.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loop_runs_running
		ON loop_runs(kind, scope) WHERE status = 'running';

	CREATE INDEX IF NOT EXISTS idx_loop_runs_cycle ON loop_runs(cycle_id);

	CREATE TABLE IF NOT EXISTS loop_progress (
		run_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, entity_type, entity_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ── Cycles ────────────────────────────────────────────────────────────

// NewCycleID returns a fresh cycle identifier.
func NewCycleID() string {
	return uuid.NewString()
}

// EnsureCycle records a cycle id, creating it if absent. Safe to call from
// any work item that carries the id.
func (s *Store) EnsureCycle(ctx context.Context, cycleID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cycles (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		cycleID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("ensure cycle %s: %w", cycleID, err)
	}
	return nil
}

// CyclesBefore returns ids of cycles created before the cutoff, used by
// retention garbage collection.
func (s *Store) CyclesBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM cycles WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("select old cycles: %w", err)
	}
	return ids, nil
}

// DeleteCycle removes a cycle row and the progress of its runs. Ledger
// entries are cleaned separately by Ledger.Cleanup.
func (s *Store) DeleteCycle(ctx context.Context, cycleID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM loop_progress WHERE run_id IN (SELECT id FROM loop_runs WHERE cycle_id = ?)",
		cycleID); err != nil {
		return fmt.Errorf("delete cycle progress: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM loop_runs WHERE cycle_id = ? AND status != 'running'", cycleID); err != nil {
		return fmt.Errorf("delete cycle runs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cycles WHERE id = ?", cycleID); err != nil {
		return fmt.Errorf("delete cycle: %w", err)
	}
	return nil
}

// ── Runs ──────────────────────────────────────────────────────────────

// CanStart reports whether no running run exists for (kind, scope).
// Purely advisory — Start is the authoritative, atomic check.
func (s *Store) CanStart(ctx context.Context, kind Kind, scope string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM loop_runs WHERE kind = ? AND scope = ? AND status = 'running'",
		kind, scope)
	if err != nil {
		return false, fmt.Errorf("check running loop: %w", err)
	}
	return n == 0, nil
}

// Start atomically creates a running run for (kind, scope). The partial
// unique index makes the insert itself the mutual-exclusion check: of two
// concurrent callers exactly one succeeds and the other gets
// ErrAlreadyRunning.
func (s *Store) Start(ctx context.Context, kind Kind, scope, cycleID, jobRef string) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     scope,
		CycleID:   cycleID,
		Status:    StatusRunning,
		JobRef:    jobRef,
		StartedAt: s.now().Unix(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_runs (id, kind, scope, cycle_id, status, job_ref, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Scope, run.CycleID, run.Status, run.JobRef, run.StartedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Run{}, ErrAlreadyRunning
		}
		return Run{}, fmt.Errorf("start %s/%s: %w", kind, scope, err)
	}
	return run, nil
}

// Complete transitions a run to completed. No-op if the run is already
// terminal, so retrying handlers can call it safely.
func (s *Store) Complete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE loop_runs SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'running'`,
		s.now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

// Fail transitions a run to failed with an error detail. No-op if the run
// is already terminal.
func (s *Store) Fail(ctx context.Context, runID, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE loop_runs SET status = 'failed', completed_at = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		s.now().Unix(), detail, runID)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	return nil
}

// Find returns a run by id, or ErrRunNotFound.
func (s *Store) Find(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `
		SELECT id, kind, scope, cycle_id, status, job_ref, error, started_at, completed_at
		FROM loop_runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run %s: %w", runID, err)
	}
	return run, nil
}

// Running returns the in-flight run for (kind, scope), if any.
func (s *Store) Running(ctx context.Context, kind Kind, scope string) (Run, bool, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `
		SELECT id, kind, scope, cycle_id, status, job_ref, error, started_at, completed_at
		FROM loop_runs WHERE kind = ? AND scope = ? AND status = 'running'`,
		kind, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("find running %s/%s: %w", kind, scope, err)
	}
	return run, true, nil
}

// RecentRuns returns the most recently started runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, kind, scope, cycle_id, status, job_ref, error, started_at, completed_at
		FROM loop_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent runs: %w", err)
	}
	return runs, nil
}

// ── Progress ──────────────────────────────────────────────────────────

// MarkQueued records that an entity has been queued under a run. Marking
// twice is a no-op.
func (s *Store) MarkQueued(ctx context.Context, runID, entityType string, entityID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loop_progress (run_id, entity_type, entity_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, entity_type, entity_id) DO NOTHING`,
		runID, entityType, entityID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("mark queued %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// QueuedEntities returns the ids of a type queued under a run.
func (s *Store) QueuedEntities(ctx context.Context, runID, entityType string) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT entity_id FROM loop_progress
		WHERE run_id = ? AND entity_type = ? ORDER BY entity_id`,
		runID, entityType)
	if err != nil {
		return nil, fmt.Errorf("select queued entities: %w", err)
	}
	return ids, nil
}

// QueuedCountForCycle counts entities of a type queued across all runs of
// a cycle, for the inspection API.
func (s *Store) QueuedCountForCycle(ctx context.Context, cycleID, entityType string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM loop_progress p
		JOIN loop_runs r ON r.id = p.run_id
		WHERE r.cycle_id = ? AND p.entity_type = ?`,
		cycleID, entityType)
	if err != nil {
		return 0, fmt.Errorf("count queued for cycle: %w", err)
	}
	return n, nil
}

// ── Reaper ────────────────────────────────────────────────────────────

// ReapStale force-fails running runs that started before the cutoff.
// A worker that crashed without calling Fail leaves a running row behind;
// without this sweep that row would block its (kind, scope) forever.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loop_runs SET status = 'failed', completed_at = ?, error = 'reaped: exceeded max runtime'
		WHERE status = 'running' AND started_at < ?`,
		s.now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale runs: %w", err)
	}
	return res.RowsAffected()
}
