package resolve

import (
	"context"
	"fmt"
	"time"

	"horse.fit/tape/internal/db"
)

// queueStore is the persistence surface the queue drains against. The
// SQL-backed implementation is sqlStore; tests substitute an in-memory fake
// to exercise claim and retry behavior without a database.
type queueStore interface {
	// insertEntry adds an entry eligible at the given time; inserting an
	// item that is already queued is a no-op.
	insertEntry(ctx context.Context, itemID int64, eligibleAt time.Time) error
	// claimNext claims the oldest entry that is eligible at now and either
	// unclaimed or claimed before staleBefore. ok is false when none match.
	claimNext(ctx context.Context, now, staleBefore time.Time) (claimedEntry, bool, error)
	// itemRawURL returns db.ErrNoRows when the item row is gone.
	itemRawURL(ctx context.Context, itemID int64) (string, error)
	deleteEntry(ctx context.Context, entryID int64) error
	markResolved(ctx context.Context, entry claimedEntry, canonical string, now time.Time) error
	markTerminal(ctx context.Context, entry claimedEntry, reason string, now time.Time) error
	scheduleRetry(ctx context.Context, entry claimedEntry, attempt int, nextEligibleAt, now time.Time) error
	unclaim(ctx context.Context, entryID int64) error
	countRemaining(ctx context.Context, now, staleBefore time.Time) (int, error)
}

type sqlStore struct {
	pool *db.Pool
}

func (s *sqlStore) insertEntry(ctx context.Context, itemID int64, eligibleAt time.Time) error {
	const insertSQL = `
INSERT INTO wire.resolve_queue (item_id, next_eligible_at)
VALUES ($1, $2)
ON CONFLICT (item_id) DO NOTHING
`
	if _, err := s.pool.Exec(ctx, insertSQL, itemID, eligibleAt); err != nil {
		return fmt.Errorf("enqueue item %d: %w", itemID, err)
	}
	return nil
}

// claimNext marks the oldest eligible entry as claimed. SKIP LOCKED lets
// concurrent drains divide the queue without blocking each other; claims
// older than staleBefore belong to a crashed drain and are claimable again.
func (s *sqlStore) claimNext(ctx context.Context, now, staleBefore time.Time) (claimedEntry, bool, error) {
	const claimSQL = `
UPDATE wire.resolve_queue
SET claimed_at = $1
WHERE entry_id = (
	SELECT entry_id
	FROM wire.resolve_queue
	WHERE (claimed_at IS NULL OR claimed_at < $2)
	  AND next_eligible_at <= $3
	ORDER BY next_eligible_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING entry_id, item_id, attempt_count
`
	var entry claimedEntry
	err := s.pool.QueryRow(ctx, claimSQL, now, staleBefore, now).
		Scan(&entry.EntryID, &entry.ItemID, &entry.AttemptCount)
	if err != nil {
		if db.IsNoRows(err) {
			return claimedEntry{}, false, nil
		}
		return claimedEntry{}, false, err
	}
	return entry, true, nil
}

func (s *sqlStore) itemRawURL(ctx context.Context, itemID int64) (string, error) {
	var rawURL string
	err := s.pool.QueryRow(ctx,
		`SELECT raw_url FROM wire.items WHERE item_id = $1`, itemID,
	).Scan(&rawURL)
	return rawURL, err
}

func (s *sqlStore) deleteEntry(ctx context.Context, entryID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM wire.resolve_queue WHERE entry_id = $1`, entryID,
	); err != nil {
		return fmt.Errorf("delete queue entry %d: %w", entryID, err)
	}
	return nil
}

func (s *sqlStore) markResolved(ctx context.Context, entry claimedEntry, canonical string, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const updateSQL = `
UPDATE wire.items
SET canonical_url = $1,
    status = $2,
    resolve_attempts = $3,
    updated_at = $4
WHERE item_id = $5
  AND status = $6
`
	if _, err := tx.Exec(ctx, updateSQL,
		canonical,
		string(db.ItemResolved),
		entry.AttemptCount+1,
		now,
		entry.ItemID,
		string(db.ItemResolvePending),
	); err != nil {
		return fmt.Errorf("mark item %d resolved: %w", entry.ItemID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM wire.resolve_queue WHERE entry_id = $1`, entry.EntryID,
	); err != nil {
		return fmt.Errorf("delete queue entry %d: %w", entry.EntryID, err)
	}

	return tx.Commit(ctx)
}

func (s *sqlStore) markTerminal(ctx context.Context, entry claimedEntry, reason string, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin terminal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const updateSQL = `
UPDATE wire.items
SET status = $1,
    resolve_attempts = $2,
    failure_reason = $3,
    updated_at = $4
WHERE item_id = $5
  AND status = $6
`
	if _, err := tx.Exec(ctx, updateSQL,
		string(db.ItemResolveFailed),
		entry.AttemptCount+1,
		reason,
		now,
		entry.ItemID,
		string(db.ItemResolvePending),
	); err != nil {
		return fmt.Errorf("mark item %d resolve_failed: %w", entry.ItemID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM wire.resolve_queue WHERE entry_id = $1`, entry.EntryID,
	); err != nil {
		return fmt.Errorf("delete queue entry %d: %w", entry.EntryID, err)
	}

	return tx.Commit(ctx)
}

func (s *sqlStore) scheduleRetry(ctx context.Context, entry claimedEntry, attempt int, nextEligibleAt, now time.Time) error {
	const updateSQL = `
UPDATE wire.resolve_queue
SET attempt_count = $1,
    last_attempt_at = $2,
    next_eligible_at = $3,
    claimed_at = NULL
WHERE entry_id = $4
`
	if _, err := s.pool.Exec(ctx, updateSQL, attempt, now, nextEligibleAt, entry.EntryID); err != nil {
		return fmt.Errorf("schedule retry for entry %d: %w", entry.EntryID, err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE wire.items SET resolve_attempts = $1, updated_at = $2 WHERE item_id = $3`,
		attempt, now, entry.ItemID,
	); err != nil {
		return fmt.Errorf("record attempt on item %d: %w", entry.ItemID, err)
	}
	return nil
}

func (s *sqlStore) unclaim(ctx context.Context, entryID int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE wire.resolve_queue SET claimed_at = NULL WHERE entry_id = $1`, entryID,
	); err != nil {
		return fmt.Errorf("release claim on entry %d: %w", entryID, err)
	}
	return nil
}

// countRemaining counts entries that are claimable right now: not backed off
// into the future and not held by a live claim.
func (s *sqlStore) countRemaining(ctx context.Context, now, staleBefore time.Time) (int, error) {
	const countSQL = `
SELECT COUNT(*)
FROM wire.resolve_queue
WHERE (claimed_at IS NULL OR claimed_at < $1)
  AND next_eligible_at <= $2
`
	var remaining int
	if err := s.pool.QueryRow(ctx, countSQL, staleBefore, now).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count remaining queue entries: %w", err)
	}
	return remaining, nil
}
