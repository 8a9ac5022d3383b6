package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Ledger is the cycle-scoped idempotency ledger. An entry records that a
// unit of work — identified by (cycle, parent scope, entity type, entity
// id) — has been handled, so replayed jobs can skip it.
//
// Marks are written at completion, preceded by a short-lived claim taken
// just before the side effect. The claim suppresses concurrent duplicates
// during the work window; its short TTL means a crash mid-work only delays
// the retry instead of blocking it forever. Entries are a cache, not an
// audit log: everything expires.
type Ledger struct {
	db       *sqlx.DB
	now      func() time.Time
	ttl      time.Duration
	claimTTL time.Duration
}

const (
	stateClaimed   = "claimed"
	stateProcessed = "processed"

	// DefaultTTL bounds how long processed marks live.
	DefaultTTL = 2 * time.Hour
	// DefaultClaimTTL bounds how long a claim can block a retry.
	DefaultClaimTTL = 2 * time.Minute
)

// NewLedger creates the ledger, migrating its table. Zero durations select
// the defaults; nil now means time.Now.
func NewLedger(db *sqlx.DB, ttl, claimTTL time.Duration, now func() time.Time) (*Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	if now == nil {
		now = time.Now
	}

	l := &Ledger{db: db, now: now, ttl: ttl, claimTTL: claimTTL}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_records (
		cycle_id TEXT NOT NULL,
		parent_scope TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (cycle_id, parent_scope, entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_work_records_expiry ON work_records(expires_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// MarkProcessed records that an entity has been handled in a cycle.
// Marking twice is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, cycleID, entityType string, entityID int64, parentScope string) error {
	now := l.now().Unix()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO work_records (cycle_id, parent_scope, entity_type, entity_id, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id, parent_scope, entity_type, entity_id)
		DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`,
		cycleID, parentScope, entityType, entityID, stateProcessed, now, now+int64(l.ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("mark processed %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// MarkBatchProcessed marks several entities of one type in a single
// transaction. Same semantics as repeated MarkProcessed.
func (l *Ledger) MarkBatchProcessed(ctx context.Context, cycleID, entityType string, entityIDs []int64, parentScope string) error {
	if len(entityIDs) == 0 {
		return nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark batch: %w", err)
	}
	defer tx.Rollback()

	now := l.now().Unix()
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO work_records (cycle_id, parent_scope, entity_type, entity_id, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id, parent_scope, entity_type, entity_id)
		DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`)
	if err != nil {
		return fmt.Errorf("mark batch: %w", err)
	}
	defer stmt.Close()

	for _, id := range entityIDs {
		if _, err := stmt.ExecContext(ctx, cycleID, parentScope, entityType, id,
			stateProcessed, now, now+int64(l.ttl.Seconds())); err != nil {
			return fmt.Errorf("mark batch %s/%d: %w", entityType, id, err)
		}
	}

	return tx.Commit()
}

// IsProcessed reports whether an entity has an unexpired processed mark.
func (l *Ledger) IsProcessed(ctx context.Context, cycleID, entityType string, entityID int64, parentScope string) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM work_records
		WHERE cycle_id = ? AND parent_scope = ? AND entity_type = ? AND entity_id = ?
		  AND state = ? AND expires_at > ?`,
		cycleID, parentScope, entityType, entityID, stateProcessed, l.now().Unix())
	if err != nil {
		return false, fmt.Errorf("check processed %s/%d: %w", entityType, entityID, err)
	}
	return n > 0, nil
}

// Claim atomically takes a short-lived pre-mark for an entity. Returns
// false if an unexpired claim or processed mark already exists — the
// caller must then skip the work. The conditional upsert makes the whole
// check-and-take a single write.
func (l *Ledger) Claim(ctx context.Context, cycleID, entityType string, entityID int64, parentScope string) (bool, error) {
	now := l.now().Unix()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO work_records (cycle_id, parent_scope, entity_type, entity_id, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle_id, parent_scope, entity_type, entity_id)
		DO UPDATE SET state = excluded.state, created_at = excluded.created_at, expires_at = excluded.expires_at
		WHERE work_records.expires_at <= excluded.created_at`,
		cycleID, parentScope, entityType, entityID, stateClaimed, now, now+int64(l.claimTTL.Seconds()))
	if err != nil {
		return false, fmt.Errorf("claim %s/%d: %w", entityType, entityID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Release drops a live claim so the work item can be retried immediately
// instead of waiting out the claim TTL. Only claimed rows are touched; a
// processed mark is never rolled back.
func (l *Ledger) Release(ctx context.Context, cycleID, entityType string, entityID int64, parentScope string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM work_records
		WHERE cycle_id = ? AND parent_scope = ? AND entity_type = ? AND entity_id = ?
		  AND state = ?`,
		cycleID, parentScope, entityType, entityID, stateClaimed)
	if err != nil {
		return fmt.Errorf("release claim %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// Processed enumerates entity ids of a type with unexpired processed marks
// under a scope. Used to compute the remaining work set on resume.
func (l *Ledger) Processed(ctx context.Context, cycleID, entityType, parentScope string) ([]int64, error) {
	var ids []int64
	err := l.db.SelectContext(ctx, &ids, `
		SELECT entity_id FROM work_records
		WHERE cycle_id = ? AND parent_scope = ? AND entity_type = ?
		  AND state = ? AND expires_at > ?
		ORDER BY entity_id`,
		cycleID, parentScope, entityType, stateProcessed, l.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	return ids, nil
}

// Cleanup removes all entries for a cycle. Called when a cycle is garbage
// collected; safe to call repeatedly or never (TTL is the backstop).
func (l *Ledger) Cleanup(ctx context.Context, cycleID string) error {
	_, err := l.db.ExecContext(ctx, "DELETE FROM work_records WHERE cycle_id = ?", cycleID)
	if err != nil {
		return fmt.Errorf("cleanup cycle %s: %w", cycleID, err)
	}
	return nil
}

// PurgeExpired deletes expired entries of any state. Run periodically to
// bound table growth between cycle cleanups.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM work_records WHERE expires_at <= ?", l.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
