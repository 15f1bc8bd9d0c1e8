// Package digest emits a periodic JSON summary of recently processed items,
// grouped into their story threads and ordered by rank.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
)

// Options configures digest generation.
type Options struct {
	OutputDir string
	Window    time.Duration
}

// Result summarizes one digest build.
type Result struct {
	Threads    int
	Items      int
	OutputPath string
}

// Document is the emitted digest file.
type Document struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowHours float64        `json:"window_hours"`
	Threads     []ThreadDigest `json:"threads"`
}

// ThreadDigest is one story thread in the digest.
type ThreadDigest struct {
	ThreadUUID  string       `json:"thread_uuid"`
	Title       string       `json:"title"`
	MemberCount int          `json:"member_count"`
	TopScore    float64      `json:"top_score"`
	Items       []ItemDigest `json:"items"`
}

// ItemDigest is one item within a thread.
type ItemDigest struct {
	ItemUUID     string    `json:"item_uuid"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Source       string    `json:"source"`
	RiskScore    float64   `json:"risk_score"`
	RankScore    float64   `json:"rank_score"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Builder writes digest documents.
type Builder struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

func NewBuilder(pool *db.Pool, logger zerolog.Logger, opts Options) *Builder {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "./digests"
	}
	return &Builder{
		pool:   pool,
		logger: logger.With().Str("component", "digest").Logger(),
		opts:   opts,
	}
}

type digestEntry struct {
	ThreadUUID  string
	ThreadTitle string
	MemberCount int
	Item        ItemDigest
}

// Build collects items processed within the window and writes the digest
// file. An empty window still produces a document so consumers can tell a
// quiet day from a missing run.
func (b *Builder) Build(ctx context.Context) (Result, error) {
	var result Result

	now := globaltime.UTC()
	entries, err := b.loadEntries(ctx, now.Add(-b.opts.Window))
	if err != nil {
		return result, err
	}

	document := Document{
		GeneratedAt: now,
		WindowHours: b.opts.Window.Hours(),
		Threads:     groupEntries(entries),
	}
	result.Threads = len(document.Threads)
	for _, thread := range document.Threads {
		result.Items += len(thread.Items)
	}

	if err := os.MkdirAll(b.opts.OutputDir, 0o755); err != nil {
		return result, fmt.Errorf("create digest output dir: %w", err)
	}

	outputPath := filepath.Join(b.opts.OutputDir, fileName(now))
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return result, fmt.Errorf("encode digest document: %w", err)
	}
	if err := os.WriteFile(outputPath, append(encoded, '\n'), 0o644); err != nil {
		return result, fmt.Errorf("write digest file: %w", err)
	}
	result.OutputPath = outputPath

	b.logger.Info().
		Int("threads", result.Threads).
		Int("items", result.Items).
		Str("output", outputPath).
		Msg("digest written")

	return result, nil
}

func (b *Builder) loadEntries(ctx context.Context, cutoff time.Time) ([]digestEntry, error) {
	const q = `
SELECT
	t.thread_uuid::text,
	t.title,
	t.member_count,
	i.item_uuid::text,
	i.title,
	COALESCE(i.canonical_url, i.raw_url),
	i.source,
	COALESCE(i.risk_score, 0),
	COALESCE(i.rank_score, 0),
	i.discovered_at
FROM wire.items i
JOIN wire.threads t ON t.thread_id = i.thread_id
WHERE i.status = $1
  AND i.duplicate_of_item_id IS NULL
  AND i.updated_at >= $2
ORDER BY t.thread_id, i.rank_score DESC, i.discovered_at
`
	rows, err := b.pool.Query(ctx, q, string(db.ItemProcessed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select digest items: %w", err)
	}
	defer rows.Close()

	var entries []digestEntry
	for rows.Next() {
		var entry digestEntry
		if err := rows.Scan(
			&entry.ThreadUUID,
			&entry.ThreadTitle,
			&entry.MemberCount,
			&entry.Item.ItemUUID,
			&entry.Item.Title,
			&entry.Item.URL,
			&entry.Item.Source,
			&entry.Item.RiskScore,
			&entry.Item.RankScore,
			&entry.Item.DiscoveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan digest item: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest items: %w", err)
	}
	return entries, nil
}

// groupEntries folds flat rows into per-thread digests, ordering threads by
// their best-ranked item and items within a thread by rank.
func groupEntries(entries []digestEntry) []ThreadDigest {
	byThread := make(map[string]*ThreadDigest)
	order := make([]string, 0)

	for _, entry := range entries {
		thread, ok := byThread[entry.ThreadUUID]
		if !ok {
			thread = &ThreadDigest{
				ThreadUUID:  entry.ThreadUUID,
				Title:       entry.ThreadTitle,
				MemberCount: entry.MemberCount,
			}
			byThread[entry.ThreadUUID] = thread
			order = append(order, entry.ThreadUUID)
		}
		thread.Items = append(thread.Items, entry.Item)
		if entry.Item.RankScore > thread.TopScore {
			thread.TopScore = entry.Item.RankScore
		}
	}

	threads := make([]ThreadDigest, 0, len(order))
	for _, uuid := range order {
		thread := byThread[uuid]
		sort.SliceStable(thread.Items, func(i, j int) bool {
			if thread.Items[i].RankScore != thread.Items[j].RankScore {
				return thread.Items[i].RankScore > thread.Items[j].RankScore
			}
			return thread.Items[i].DiscoveredAt.Before(thread.Items[j].DiscoveredAt)
		})
		threads = append(threads, *thread)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].TopScore > threads[j].TopScore
	})
	return threads
}

func fileName(now time.Time) string {
	return fmt.Sprintf("digest-%s.json", now.UTC().Format("20060102T150405Z"))
}
