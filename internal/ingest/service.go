// Package ingest pulls configured news feeds, normalizes their entries, and
// records newly discovered items. Every item enters the pipeline as
// discovered; the rank phase decides, after scoring, whether an item must
// detour through redirect resolution.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
	"horse.fit/tape/internal/langdetect"
	payloadschema "horse.fit/tape/schema"
)

const defaultMaxPerFeed = 100

// Options configures a feed ingest pass.
type Options struct {
	FeedURLs     []string
	FetchTimeout time.Duration
	MaxPerFeed   int
}

// Result summarizes one ingest pass.
type Result struct {
	FeedsFetched  int
	FeedsFailed   int
	ItemsSeen     int
	ItemsInserted int
}

// Service fetches feeds and persists discovered items.
type Service struct {
	pool   *db.Pool
	logger zerolog.Logger
	parser *gofeed.Parser
	opts   Options
}

func NewService(pool *db.Pool, logger zerolog.Logger, opts Options) *Service {
	if opts.MaxPerFeed <= 0 {
		opts.MaxPerFeed = defaultMaxPerFeed
	}
	return &Service{
		pool:   pool,
		logger: logger.With().Str("component", "ingest").Logger(),
		parser: gofeed.NewParser(),
		opts:   opts,
	}
}

// Run fetches every configured feed and inserts unseen items. The error
// return is reserved for conditions that should halt the pipeline: no feeds
// configured, or every configured feed failing. Individual feed failures are
// counted and logged but do not interrupt the pass.
func (s *Service) Run(ctx context.Context, limit int) (Result, error) {
	var result Result

	if len(s.opts.FeedURLs) == 0 {
		return result, fmt.Errorf("no feed URLs configured")
	}

	for _, feedURL := range s.opts.FeedURLs {
		if limit > 0 && result.ItemsInserted >= limit {
			break
		}

		feed, err := s.fetchFeed(ctx, feedURL)
		if err != nil {
			result.FeedsFailed++
			s.logger.Warn().Err(err).Str("feed_url", feedURL).Msg("feed fetch failed")
			continue
		}
		result.FeedsFetched++

		source := sourceNameFromURL(feedURL)
		if feed.Title != "" {
			source = feed.Title
		}

		seen := 0
		for _, entry := range feed.Items {
			if seen >= s.opts.MaxPerFeed {
				break
			}
			if limit > 0 && result.ItemsInserted >= limit {
				break
			}

			candidate, ok := normalizeFeedItem(entry, source)
			if !ok {
				continue
			}
			seen++
			result.ItemsSeen++

			itemID, err := s.insertCandidate(ctx, candidate)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("source", candidate.Source).
					Str("source_item_id", candidate.SourceItemID).
					Msg("item insert failed")
				continue
			}
			if itemID != 0 {
				result.ItemsInserted++
			}
		}
	}

	if result.FeedsFetched == 0 {
		return result, fmt.Errorf("all %d configured feeds failed", result.FeedsFailed)
	}

	s.logger.Info().
		Int("feeds_fetched", result.FeedsFetched).
		Int("feeds_failed", result.FeedsFailed).
		Int("items_seen", result.ItemsSeen).
		Int("items_inserted", result.ItemsInserted).
		Msg("ingest pass complete")

	return result, nil
}

// IngestPayload validates and persists a single externally submitted item.
// It returns the new item's ID, or 0 when the item was already known.
func (s *Service) IngestPayload(ctx context.Context, payload json.RawMessage) (int64, error) {
	item, err := payloadschema.ValidateNewsItemPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("validate payload: %w", err)
	}

	candidate := itemCandidate{
		Source:       item.Source,
		SourceItemID: item.SourceItemID,
		Title:        item.Title,
		RawURL:       item.URL,
	}
	if item.Snippet != nil {
		candidate.Snippet = *item.Snippet
	}
	if item.Language != nil {
		candidate.Language = *item.Language
	} else {
		candidate.Language = langdetect.DetectOrDefault(item.Title+" "+candidate.Snippet, "und")
	}

	return s.insertCandidate(ctx, candidate)
}

func (s *Service) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	fetchCtx := ctx
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}
	return s.parser.ParseURLWithContext(feedURL, fetchCtx)
}

// insertCandidate inserts an item idempotently, keyed on
// (source, source_item_id). It returns the new item's ID, or 0 when the item
// was already known.
func (s *Service) insertCandidate(ctx context.Context, candidate itemCandidate) (int64, error) {
	const insertSQL = `
INSERT INTO wire.items (source, source_item_id, title, snippet, raw_url, language, discovered_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source, source_item_id) DO NOTHING
RETURNING item_id
`
	var itemID int64
	err := s.pool.QueryRow(ctx, insertSQL,
		candidate.Source,
		candidate.SourceItemID,
		candidate.Title,
		candidate.Snippet,
		candidate.RawURL,
		candidate.Language,
		globaltime.UTC(),
		string(db.ItemDiscovered),
	).Scan(&itemID)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return itemID, nil
}
