// Package crawl fetches article pages for ranked or resolved items and
// extracts their readable text.
package crawl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
)

const (
	DefaultFetchTimeout  = 20 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "tape-crawler/1.0 (+https://horse.fit/tape)"
)

// Options configures a crawl pass.
type Options struct {
	FetchTimeout  time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Result summarizes one crawl pass.
type Result struct {
	Claimed int
	Crawled int
	Failed  int
}

// Crawler advances ranked and resolved items to crawled.
type Crawler struct {
	pool   *db.Pool
	logger zerolog.Logger
	opts   Options
}

func NewCrawler(pool *db.Pool, logger zerolog.Logger, opts Options) *Crawler {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.FetchTimeout}
	}
	return &Crawler{
		pool:   pool,
		logger: logger.With().Str("component", "crawl").Logger(),
		opts:   opts,
	}
}

type crawlTarget struct {
	ItemID int64
	Status db.ItemStatus
	Title  string
	URL    string
}

// Run crawls up to limit items sitting in ranked or resolved. A fetch or
// extraction failure leaves the item's status untouched so a later pass can
// retry it; failures are counted, not fatal.
func (c *Crawler) Run(ctx context.Context, limit int) (Result, error) {
	var result Result

	targets, err := c.selectTargets(ctx, limit)
	if err != nil {
		return result, err
	}
	result.Claimed = len(targets)

	for _, target := range targets {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		text, err := c.fetchText(ctx, target.URL, target.Title)
		if err != nil {
			result.Failed++
			c.logger.Warn().Err(err).
				Int64("item_id", target.ItemID).
				Str("url", target.URL).
				Msg("crawl failed, item left for retry")
			continue
		}

		advanced, err := c.storeContent(ctx, target, text)
		if err != nil {
			result.Failed++
			c.logger.Warn().Err(err).Int64("item_id", target.ItemID).Msg("store crawled content failed")
			continue
		}
		if advanced {
			result.Crawled++
		}
	}

	c.logger.Info().
		Int("claimed", result.Claimed).
		Int("crawled", result.Crawled).
		Int("failed", result.Failed).
		Msg("crawl pass complete")

	return result, nil
}

// selectTargets picks crawlable items. Resolved items crawl their canonical
// URL; ranked items never needed resolution and crawl their raw URL.
func (c *Crawler) selectTargets(ctx context.Context, limit int) ([]crawlTarget, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT item_id, status, title, COALESCE(canonical_url, raw_url)
FROM wire.items
WHERE status IN ($1, $2)
ORDER BY discovered_at
LIMIT $3
`
	rows, err := c.pool.Query(ctx, q, string(db.ItemRanked), string(db.ItemResolved), limit)
	if err != nil {
		return nil, fmt.Errorf("select crawl targets: %w", err)
	}
	defer rows.Close()

	targets := make([]crawlTarget, 0, limit)
	for rows.Next() {
		var target crawlTarget
		var status string
		if err := rows.Scan(&target.ItemID, &status, &target.Title, &target.URL); err != nil {
			return nil, fmt.Errorf("scan crawl target: %w", err)
		}
		target.Status = db.ItemStatus(status)
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl targets: %w", err)
	}
	return targets, nil
}

func (c *Crawler) storeContent(ctx context.Context, target crawlTarget, text string) (bool, error) {
	const q = `
UPDATE wire.items
SET content_text = $1,
    status = $2,
    updated_at = $3
WHERE item_id = $4
  AND status = $5
`
	tag, err := c.pool.Exec(ctx, q,
		text, string(db.ItemCrawled), globaltime.UTC(), target.ItemID, string(target.Status))
	if err != nil {
		return false, fmt.Errorf("store content for item %d: %w", target.ItemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// fetchText retrieves the page and extracts readable text. Plain-text
// responses skip extraction; HTML goes through readability.
func (c *Crawler) fetchText(ctx context.Context, pageURL, title string) (string, error) {
	page := strings.TrimSpace(pageURL)
	if page == "" {
		return "", fmt.Errorf("crawl URL is required")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.BodyByteLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/plain") {
		return CleanText(string(body)), nil
	}

	parsedURL, err := url.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var renderedText bytes.Buffer
	if err := article.RenderText(&renderedText); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}

	text := CleanText(renderedText.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	if text == "" {
		text = strings.TrimSpace(title)
	}
	if text == "" {
		return "", fmt.Errorf("extracted empty content")
	}

	return text, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}
