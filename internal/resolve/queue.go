// Package resolve drains the durable queue of items whose source URL points
// at a redirect host. Entries are claimed one at a time with row locks,
// resolved through an outbound resolver under a shared rate limit, and
// retried with exponential backoff up to a hard attempt ceiling.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
)

// Resolver turns an obfuscated redirect URL into its canonical target.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Options configures queue draining behavior.
type Options struct {
	MaxAttempts   int
	MinDelay      time.Duration
	QueryDelay    time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BatchDeadline time.Duration
	ClaimTTL      time.Duration
}

// Result summarizes one queue drain pass.
type Result struct {
	Resolved  int
	Failed    int
	Retried   int
	Remaining int
}

// Queue drains wire.resolve_queue.
type Queue struct {
	pool     *db.Pool
	store    queueStore
	resolver Resolver
	logger   zerolog.Logger
	opts     Options
}

func NewQueue(pool *db.Pool, resolver Resolver, logger zerolog.Logger, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Hour
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}

	return &Queue{
		pool:     pool,
		store:    &sqlStore{pool: pool},
		resolver: resolver,
		logger:   logger.With().Str("component", "resolve").Logger(),
		opts:     opts,
	}
}

// Enqueue adds an item to the resolve queue, eligible immediately. The
// insert is idempotent on item_id.
func (q *Queue) Enqueue(ctx context.Context, itemID int64) error {
	return q.store.insertEntry(ctx, itemID, globaltime.UTC())
}

// EnqueueTx is Enqueue inside a caller-owned transaction, used when the item
// update and its queue entry must commit together.
func (q *Queue) EnqueueTx(ctx context.Context, tx db.Tx, itemID int64) error {
	const insertSQL = `
INSERT INTO wire.resolve_queue (item_id, next_eligible_at)
VALUES ($1, $2)
ON CONFLICT (item_id) DO NOTHING
`
	if _, err := tx.Exec(ctx, insertSQL, itemID, globaltime.UTC()); err != nil {
		return fmt.Errorf("enqueue item %d: %w", itemID, err)
	}
	return nil
}

type claimedEntry struct {
	EntryID      int64
	ItemID       int64
	AttemptCount int
}

// ProcessBatch claims and resolves up to limit eligible entries. The pass
// stops early when the batch deadline expires; partial progress is kept and
// reported without error so the next invocation can continue. Per-item and
// per-query delays may be overridden for one invocation through
// WithPerItemDelay and WithPerQueryDelay.
func (q *Queue) ProcessBatch(ctx context.Context, limit int) (Result, error) {
	var result Result

	limiter := rate.NewLimiter(rate.Inf, 1)
	if d := PerItemDelay(ctx, q.opts.MinDelay); d > 0 {
		limiter = rate.NewLimiter(rate.Every(d), 1)
	}

	batchCtx := ctx
	if q.opts.BatchDeadline > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, q.opts.BatchDeadline)
		defer cancel()
	}
	batchCtx = WithPerQueryDelay(batchCtx, PerQueryDelay(ctx, q.opts.QueryDelay))

	for processed := 0; limit <= 0 || processed < limit; processed++ {
		now := globaltime.UTC()
		entry, ok, err := q.store.claimNext(batchCtx, now, now.Add(-q.opts.ClaimTTL))
		if err != nil {
			if deadlineHit(ctx, batchCtx, err) {
				break
			}
			return result, fmt.Errorf("claim queue entry: %w", err)
		}
		if !ok {
			break
		}

		if err := limiter.Wait(batchCtx); err != nil {
			q.release(ctx, entry.EntryID)
			if deadlineHit(ctx, batchCtx, err) {
				break
			}
			return result, fmt.Errorf("rate limit wait: %w", err)
		}

		outcome, err := q.resolveEntry(batchCtx, entry)
		if err != nil {
			q.release(ctx, entry.EntryID)
			if deadlineHit(ctx, batchCtx, err) {
				break
			}
			return result, err
		}

		switch outcome {
		case outcomeResolved:
			result.Resolved++
		case outcomeTerminal:
			result.Failed++
		case outcomeRetry:
			result.Retried++
		}
	}

	now := globaltime.UTC()
	remaining, err := q.store.countRemaining(ctx, now, now.Add(-q.opts.ClaimTTL))
	if err != nil {
		return result, err
	}
	result.Remaining = remaining

	q.logger.Info().
		Int("resolved", result.Resolved).
		Int("failed", result.Failed).
		Int("retried", result.Retried).
		Int("remaining", result.Remaining).
		Msg("resolve pass complete")

	return result, nil
}

type resolveOutcome int

const (
	outcomeResolved resolveOutcome = iota
	outcomeRetry
	outcomeTerminal
)

func (q *Queue) resolveEntry(ctx context.Context, entry claimedEntry) (resolveOutcome, error) {
	rawURL, err := q.store.itemRawURL(ctx, entry.ItemID)
	if err != nil {
		if db.IsNoRows(err) {
			// Orphaned entry; the item is gone.
			return outcomeTerminal, q.store.deleteEntry(ctx, entry.EntryID)
		}
		return 0, fmt.Errorf("load item %d for resolve: %w", entry.ItemID, err)
	}

	canonical, resolveErr := q.resolver.Resolve(ctx, rawURL)
	if resolveErr == nil {
		if err := q.store.markResolved(ctx, entry, canonical, globaltime.UTC()); err != nil {
			return 0, err
		}
		return outcomeResolved, nil
	}
	if ctx.Err() != nil {
		return 0, resolveErr
	}

	attempt := entry.AttemptCount + 1
	if attempt >= q.opts.MaxAttempts {
		if err := q.store.markTerminal(ctx, entry, truncateReason(resolveErr), globaltime.UTC()); err != nil {
			return 0, err
		}
		q.logger.Warn().Err(resolveErr).
			Int64("item_id", entry.ItemID).
			Int("attempts", attempt).
			Msg("resolution abandoned at attempt ceiling")
		return outcomeTerminal, nil
	}

	now := globaltime.UTC()
	delay := backoffDelay(attempt, q.opts.BackoffBase, q.opts.BackoffCap)
	if err := q.store.scheduleRetry(ctx, entry, attempt, now.Add(delay), now); err != nil {
		return 0, err
	}
	q.logger.Debug().Err(resolveErr).
		Int64("item_id", entry.ItemID).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("resolution failed, retry scheduled")
	return outcomeRetry, nil
}

// release gives a claim back on an abort path. It must run even when the
// batch context is already done.
func (q *Queue) release(ctx context.Context, entryID int64) {
	if err := q.store.unclaim(context.WithoutCancel(ctx), entryID); err != nil {
		q.logger.Warn().Err(err).Int64("entry_id", entryID).Msg("failed to release claim")
	}
}

// RequeueFailed re-enters up to limit resolve_failed items into the queue
// with a fresh attempt budget. This is an operator action, not part of the
// automatic pipeline.
func (q *Queue) RequeueFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	const selectSQL = `
SELECT item_id
FROM wire.items
WHERE status = $1
ORDER BY updated_at
LIMIT $2
`
	rows, err := q.pool.Query(ctx, selectSQL, string(db.ItemResolveFailed), limit)
	if err != nil {
		return 0, fmt.Errorf("list resolve_failed items: %w", err)
	}
	itemIDs := make([]int64, 0, limit)
	for rows.Next() {
		var itemID int64
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan resolve_failed item: %w", err)
		}
		itemIDs = append(itemIDs, itemID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate resolve_failed items: %w", err)
	}

	requeued := 0
	for _, itemID := range itemIDs {
		ok, err := q.pool.UpdateItemStatus(ctx, itemID, db.ItemResolveFailed, db.ItemResolvePending)
		if err != nil {
			return requeued, err
		}
		if !ok {
			continue
		}
		if _, err := q.pool.Exec(ctx,
			`UPDATE wire.items SET resolve_attempts = 0, failure_reason = NULL, updated_at = $1 WHERE item_id = $2`,
			globaltime.UTC(), itemID,
		); err != nil {
			return requeued, fmt.Errorf("reset attempts on item %d: %w", itemID, err)
		}
		if err := q.Enqueue(ctx, itemID); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// backoffDelay doubles from base per attempt and is clamped at maxDelay.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func deadlineHit(parent, batch context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return batch.Err() != nil || errors.Is(err, context.DeadlineExceeded)
}

func truncateReason(err error) string {
	if err == nil {
		return "resolution failed"
	}
	reason := err.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return reason
}
