// Package thread groups processed items into persistent story threads by
// embedding similarity. Each open thread keeps a running centroid; threads
// untouched for longer than the recency window stop accepting members.
package thread

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
)

// Options configures thread assignment.
type Options struct {
	JoinThreshold float64
	RecencyWindow time.Duration
}

// Result summarizes one assignment pass.
type Result struct {
	Claimed int
	Joined  int
	Created int
	Closed  int
	Skipped int
}

// Engine assigns crawled items to threads and advances them to processed.
type Engine struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

func NewEngine(pool *db.Pool, logger zerolog.Logger, opts Options) *Engine {
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = 7 * 24 * time.Hour
	}
	return &Engine{
		pool:   pool,
		logger: logger.With().Str("component", "thread").Logger(),
		opts:   opts,
	}
}

type openThread struct {
	ThreadID    int64
	Centroid    []float64
	MemberCount int
}

type pendingItem struct {
	ItemID    int64
	Title     string
	Embedding string
}

// AssignBatch closes stale threads, then walks up to limit crawled items in
// discovery order, joining each to its best open thread or opening a new
// singleton thread.
func (e *Engine) AssignBatch(ctx context.Context, limit int) (Result, error) {
	var result Result

	closed, err := e.closeStaleThreads(ctx)
	if err != nil {
		return result, err
	}
	result.Closed = closed

	open, err := e.loadOpenThreads(ctx)
	if err != nil {
		return result, err
	}

	items, err := e.loadCrawledItems(ctx, limit)
	if err != nil {
		return result, err
	}
	result.Claimed = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		vector, err := db.ParseVector(item.Embedding)
		if err != nil {
			// An item without a usable embedding can never join a
			// thread; finish it unthreaded rather than stall the queue.
			result.Skipped++
			e.logger.Warn().Err(err).Int64("item_id", item.ItemID).Msg("unusable embedding, finishing item unthreaded")
			if _, err := e.pool.UpdateItemStatus(ctx, item.ItemID, db.ItemCrawled, db.ItemProcessed); err != nil {
				return result, err
			}
			continue
		}

		idx, score := bestMatch(vector, open)
		if idx >= 0 && score > e.opts.JoinThreshold {
			if err := e.joinThread(ctx, item, &open[idx], vector); err != nil {
				e.logger.Warn().Err(err).Int64("item_id", item.ItemID).Msg("thread join failed")
				continue
			}
			result.Joined++
			continue
		}

		created, err := e.createThread(ctx, item, vector)
		if err != nil {
			e.logger.Warn().Err(err).Int64("item_id", item.ItemID).Msg("thread create failed")
			continue
		}
		open = append(open, created)
		result.Created++
	}

	e.logger.Info().
		Int("claimed", result.Claimed).
		Int("joined", result.Joined).
		Int("created", result.Created).
		Int("closed", result.Closed).
		Int("skipped", result.Skipped).
		Msg("thread pass complete")

	return result, nil
}

// closeStaleThreads flips open threads past the recency window to closed.
func (e *Engine) closeStaleThreads(ctx context.Context) (int, error) {
	now := globaltime.UTC()
	cutoff := now.Add(-e.opts.RecencyWindow)

	const q = `
UPDATE wire.threads
SET status = $1
WHERE status = $2
  AND last_updated_at < $3
`
	tag, err := e.pool.Exec(ctx, q, db.ThreadClosed, db.ThreadOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close stale threads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (e *Engine) loadOpenThreads(ctx context.Context) ([]openThread, error) {
	const q = `
SELECT thread_id, centroid, member_count
FROM wire.threads
WHERE status = $1
`
	rows, err := e.pool.Query(ctx, q, db.ThreadOpen)
	if err != nil {
		return nil, fmt.Errorf("load open threads: %w", err)
	}
	defer rows.Close()

	var open []openThread
	for rows.Next() {
		var thread openThread
		var literal string
		if err := rows.Scan(&thread.ThreadID, &literal, &thread.MemberCount); err != nil {
			return nil, fmt.Errorf("scan open thread: %w", err)
		}
		centroid, err := db.ParseVector(literal)
		if err != nil {
			e.logger.Warn().Err(err).Int64("thread_id", thread.ThreadID).Msg("skipping thread with unparseable centroid")
			continue
		}
		thread.Centroid = centroid
		open = append(open, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open threads: %w", err)
	}
	return open, nil
}

func (e *Engine) loadCrawledItems(ctx context.Context, limit int) ([]pendingItem, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT item_id, title, COALESCE(embedding, '')
FROM wire.items
WHERE status = $1
  AND duplicate_of_item_id IS NULL
ORDER BY discovered_at
LIMIT $2
`
	rows, err := e.pool.Query(ctx, q, string(db.ItemCrawled), limit)
	if err != nil {
		return nil, fmt.Errorf("load crawled items: %w", err)
	}
	defer rows.Close()

	items := make([]pendingItem, 0, limit)
	for rows.Next() {
		var item pendingItem
		if err := rows.Scan(&item.ItemID, &item.Title, &item.Embedding); err != nil {
			return nil, fmt.Errorf("scan crawled item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawled items: %w", err)
	}
	return items, nil
}

// joinThread adds the item to an existing thread, folding its vector into
// the running centroid. Both writes commit together.
func (e *Engine) joinThread(ctx context.Context, item pendingItem, thread *openThread, vector []float64) error {
	newCount := thread.MemberCount + 1
	newCentroid := updateCentroid(thread.Centroid, vector, newCount)

	centroidLiteral, err := db.EncodeVector(newCentroid)
	if err != nil {
		return fmt.Errorf("encode centroid for thread %d: %w", thread.ThreadID, err)
	}

	tx, err := e.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin join tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := globaltime.UTC()

	if _, err := tx.Exec(ctx, `
UPDATE wire.threads
SET centroid = $1,
    member_count = $2,
    last_updated_at = $3
WHERE thread_id = $4
  AND status = $5
`, centroidLiteral, newCount, now, thread.ThreadID, db.ThreadOpen); err != nil {
		return fmt.Errorf("update thread %d: %w", thread.ThreadID, err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE wire.items
SET thread_id = $1,
    status = $2,
    updated_at = $3
WHERE item_id = $4
  AND status = $5
`, thread.ThreadID, string(db.ItemProcessed), now, item.ItemID, string(db.ItemCrawled)); err != nil {
		return fmt.Errorf("attach item %d to thread %d: %w", item.ItemID, thread.ThreadID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit join tx: %w", err)
	}

	thread.Centroid = newCentroid
	thread.MemberCount = newCount
	return nil
}

// createThread opens a singleton thread seeded with the item's vector.
func (e *Engine) createThread(ctx context.Context, item pendingItem, vector []float64) (openThread, error) {
	centroidLiteral, err := db.EncodeVector(vector)
	if err != nil {
		return openThread{}, fmt.Errorf("encode centroid: %w", err)
	}

	tx, err := e.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return openThread{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := globaltime.UTC()

	var threadID int64
	if err := tx.QueryRow(ctx, `
INSERT INTO wire.threads (title, centroid, member_count, status, created_at, last_updated_at)
VALUES ($1, $2, 1, $3, $4, $4)
RETURNING thread_id
`, item.Title, centroidLiteral, db.ThreadOpen, now).Scan(&threadID); err != nil {
		return openThread{}, fmt.Errorf("insert thread: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE wire.items
SET thread_id = $1,
    status = $2,
    updated_at = $3
WHERE item_id = $4
  AND status = $5
`, threadID, string(db.ItemProcessed), now, item.ItemID, string(db.ItemCrawled)); err != nil {
		return openThread{}, fmt.Errorf("attach item %d to new thread: %w", item.ItemID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return openThread{}, fmt.Errorf("commit create tx: %w", err)
	}

	return openThread{ThreadID: threadID, Centroid: vector, MemberCount: 1}, nil
}

// updateCentroid folds a new vector into a running mean of n members,
// where n already counts the new member.
func updateCentroid(old, vector []float64, n int) []float64 {
	if len(old) != len(vector) || n <= 1 {
		out := make([]float64, len(vector))
		copy(out, vector)
		return out
	}
	out := make([]float64, len(old))
	for i := range old {
		out[i] = old[i] + (vector[i]-old[i])/float64(n)
	}
	return out
}

// bestMatch returns the index and similarity of the closest open thread, or
// (-1, 0) when there are none.
func bestMatch(vector []float64, threads []openThread) (int, float64) {
	bestIdx := -1
	bestScore := 0.0
	for i := range threads {
		score := db.CosineSimilarity(vector, threads[i].Centroid)
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	return bestIdx, bestScore
}
