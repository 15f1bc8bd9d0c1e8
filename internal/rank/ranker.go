// Package rank scores freshly discovered items for relevance and lexicon
// risk, suppresses near-duplicates by embedding similarity, and routes
// redirect-host survivors into the resolve queue.
package rank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
	"horse.fit/tape/internal/lexicon"
	"horse.fit/tape/internal/resolve"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Options configures a ranking pass.
type Options struct {
	BatchSize       int
	RelevanceWeight float64
	RiskWeight      float64
	DedupThreshold  float64
	LookbackDays    int
	BaselineQuery   string
	RedirectHosts   []string
	ClaimTTL        time.Duration
}

// Result summarizes one ranking pass.
type Result struct {
	Claimed    int
	Ranked     int
	Duplicates int
	Deferred   int
}

// Ranker claims discovered items and advances them to ranked, processed
// (duplicate), or resolve_pending.
type Ranker struct {
	pool     *db.Pool
	queue    *resolve.Queue
	embedder Embedder
	logger   zerolog.Logger
	opts     Options

	baselineOnce sync.Once
	baseline     []float64
	baselineErr  error
}

func NewRanker(pool *db.Pool, queue *resolve.Queue, embedder Embedder, logger zerolog.Logger, opts Options) *Ranker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 14
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	return &Ranker{
		pool:     pool,
		queue:    queue,
		embedder: embedder,
		logger:   logger.With().Str("component", "rank").Logger(),
		opts:     opts,
	}
}

type candidate struct {
	ItemID       int64
	Title        string
	Snippet      string
	RawURL       string
	CanonicalURL *string
	DiscoveredAt time.Time

	Vector      []float64
	Features    lexicon.Features
	Relevance   float64
	RiskNorm    float64
	Composite   float64
	DuplicateOf int64
}

type acceptedEmbedding struct {
	ItemID int64
	Vector []float64
}

// Run claims up to limit discovered items and ranks them. An embedding
// service failure releases the claimed batch back to discovered and returns
// an error; the next invocation retries the same items.
func (r *Ranker) Run(ctx context.Context, limit int) (Result, error) {
	var result Result

	if err := r.reclaimStale(ctx); err != nil {
		return result, err
	}

	candidates, err := r.claimBatch(ctx, limit)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		return result, nil
	}
	result.Claimed = len(candidates)

	baseline, err := r.baselineVector(ctx)
	if err != nil {
		r.releaseBatch(ctx, candidates)
		return Result{}, fmt.Errorf("embed baseline query: %w", err)
	}

	if err := r.embedCandidates(ctx, candidates); err != nil {
		r.releaseBatch(ctx, candidates)
		return Result{}, fmt.Errorf("embed candidates: %w", err)
	}

	for _, c := range candidates {
		c.Features = lexicon.Extract(c.Title + " " + c.Snippet)
		c.Relevance = relevanceFromCosine(db.CosineSimilarity(c.Vector, baseline))
		c.RiskNorm = normalizeRisk(c.Features.RiskScore)
		c.Composite = compositeScore(c.Relevance, c.RiskNorm, r.opts.RelevanceWeight, r.opts.RiskWeight)
	}

	accepted, err := r.loadRecentAccepted(ctx)
	if err != nil {
		r.releaseBatch(ctx, candidates)
		return Result{}, err
	}

	orderCandidates(candidates)
	markDuplicates(candidates, accepted, r.opts.DedupThreshold)

	for _, c := range candidates {
		outcome, err := r.persist(ctx, c)
		if err != nil {
			r.logger.Warn().Err(err).Int64("item_id", c.ItemID).Msg("persist ranked item failed")
			continue
		}
		switch outcome {
		case rankedOutcome:
			result.Ranked++
		case duplicateOutcome:
			result.Duplicates++
		case deferredOutcome:
			result.Deferred++
		}
	}

	r.logger.Info().
		Int("claimed", result.Claimed).
		Int("ranked", result.Ranked).
		Int("duplicates", result.Duplicates).
		Int("deferred", result.Deferred).
		Msg("rank pass complete")

	return result, nil
}

// reclaimStale releases searched items whose claim outlived the TTL. A crash
// between claim and persist would otherwise strand them forever, since the
// batch selection only looks at discovered.
func (r *Ranker) reclaimStale(ctx context.Context) error {
	cutoff := globaltime.UTC().Add(-r.opts.ClaimTTL)
	tag, err := r.pool.Exec(ctx,
		`UPDATE wire.items SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		string(db.ItemDiscovered), globaltime.UTC(), string(db.ItemSearched), cutoff,
	)
	if err != nil {
		return fmt.Errorf("reclaim stale rank claims: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.Warn().Int64("items", n).Msg("released stale rank claims")
	}
	return nil
}

func (r *Ranker) claimBatch(ctx context.Context, limit int) ([]*candidate, error) {
	if limit <= 0 {
		limit = r.opts.BatchSize
	}

	const claimSQL = `
UPDATE wire.items
SET status = $1, updated_at = $2
WHERE item_id IN (
	SELECT item_id
	FROM wire.items
	WHERE status = $3
	ORDER BY discovered_at
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING item_id, title, snippet, raw_url, canonical_url, discovered_at
`
	rows, err := r.pool.Query(ctx, claimSQL,
		string(db.ItemSearched), globaltime.UTC(), string(db.ItemDiscovered), limit)
	if err != nil {
		return nil, fmt.Errorf("claim discovered items: %w", err)
	}
	defer rows.Close()

	candidates := make([]*candidate, 0, limit)
	for rows.Next() {
		c := &candidate{}
		if err := rows.Scan(&c.ItemID, &c.Title, &c.Snippet, &c.RawURL, &c.CanonicalURL, &c.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return candidates, nil
}

// releaseBatch is the compensating move for a failed pass: claimed items go
// back to discovered so nothing is lost.
func (r *Ranker) releaseBatch(ctx context.Context, candidates []*candidate) {
	releaseCtx := context.WithoutCancel(ctx)
	for _, c := range candidates {
		if _, err := r.pool.Exec(releaseCtx,
			`UPDATE wire.items SET status = $1, updated_at = $2 WHERE item_id = $3 AND status = $4`,
			string(db.ItemDiscovered), globaltime.UTC(), c.ItemID, string(db.ItemSearched),
		); err != nil {
			r.logger.Warn().Err(err).Int64("item_id", c.ItemID).Msg("failed to release claimed item")
		}
	}
}

func (r *Ranker) baselineVector(ctx context.Context) ([]float64, error) {
	query := strings.TrimSpace(r.opts.BaselineQuery)
	if query == "" {
		return nil, nil
	}
	r.baselineOnce.Do(func() {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			r.baselineErr = err
			return
		}
		if len(vectors) != 1 {
			r.baselineErr = fmt.Errorf("baseline embedding count mismatch: got %d", len(vectors))
			return
		}
		r.baseline = vectors[0]
	})
	return r.baseline, r.baselineErr
}

func (r *Ranker) embedCandidates(ctx context.Context, candidates []*candidate) error {
	for start := 0; start < len(candidates); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(candidates))
		batch := candidates[start:end]

		texts := make([]string, 0, len(batch))
		for _, c := range batch {
			texts = append(texts, embeddingInput(c.Title, c.Snippet))
		}

		vectors, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedding count mismatch: requested=%d returned=%d", len(batch), len(vectors))
		}
		for i, c := range batch {
			c.Vector = vectors[i]
		}
	}
	return nil
}

func (r *Ranker) loadRecentAccepted(ctx context.Context) ([]acceptedEmbedding, error) {
	cutoff := globaltime.UTC().AddDate(0, 0, -r.opts.LookbackDays)

	const q = `
SELECT item_id, embedding
FROM wire.items
WHERE embedding IS NOT NULL
  AND duplicate_of_item_id IS NULL
  AND status IN ($1, $2, $3, $4, $5)
  AND discovered_at >= $6
`
	rows, err := r.pool.Query(ctx, q,
		string(db.ItemRanked),
		string(db.ItemResolvePending),
		string(db.ItemResolved),
		string(db.ItemCrawled),
		string(db.ItemProcessed),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent accepted embeddings: %w", err)
	}
	defer rows.Close()

	var accepted []acceptedEmbedding
	for rows.Next() {
		var itemID int64
		var literal string
		if err := rows.Scan(&itemID, &literal); err != nil {
			return nil, fmt.Errorf("scan accepted embedding: %w", err)
		}
		vector, err := db.ParseVector(literal)
		if err != nil {
			r.logger.Warn().Err(err).Int64("item_id", itemID).Msg("skipping unparseable embedding")
			continue
		}
		accepted = append(accepted, acceptedEmbedding{ItemID: itemID, Vector: vector})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accepted embeddings: %w", err)
	}
	return accepted, nil
}

type persistOutcome int

const (
	rankedOutcome persistOutcome = iota
	duplicateOutcome
	deferredOutcome
)

func (r *Ranker) persist(ctx context.Context, c *candidate) (persistOutcome, error) {
	vectorLiteral, err := db.EncodeVector(c.Vector)
	if err != nil {
		return 0, fmt.Errorf("encode embedding for item %d: %w", c.ItemID, err)
	}
	featuresJSON, err := json.Marshal(c.Features)
	if err != nil {
		return 0, fmt.Errorf("encode risk features for item %d: %w", c.ItemID, err)
	}

	now := globaltime.UTC()

	if c.DuplicateOf != 0 {
		const dupSQL = `
UPDATE wire.items
SET status = $1,
    duplicate_of_item_id = $2,
    embedding = $3,
    risk_score = $4,
    risk_features = $5::jsonb,
    rank_score = $6,
    updated_at = $7
WHERE item_id = $8
  AND status = $9
`
		if _, err := r.pool.Exec(ctx, dupSQL,
			string(db.ItemProcessed), c.DuplicateOf, vectorLiteral,
			c.Features.RiskScore, string(featuresJSON), c.Composite,
			now, c.ItemID, string(db.ItemSearched),
		); err != nil {
			return 0, fmt.Errorf("mark item %d duplicate of %d: %w", c.ItemID, c.DuplicateOf, err)
		}
		return duplicateOutcome, nil
	}

	if r.needsResolution(c) {
		tx, err := r.pool.BeginTx(ctx, db.TxOptions{})
		if err != nil {
			return 0, fmt.Errorf("begin defer tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		const deferSQL = `
UPDATE wire.items
SET status = $1,
    embedding = $2,
    risk_score = $3,
    risk_features = $4::jsonb,
    rank_score = $5,
    updated_at = $6
WHERE item_id = $7
  AND status = $8
`
		if _, err := tx.Exec(ctx, deferSQL,
			string(db.ItemResolvePending), vectorLiteral,
			c.Features.RiskScore, string(featuresJSON), c.Composite,
			now, c.ItemID, string(db.ItemSearched),
		); err != nil {
			return 0, fmt.Errorf("defer item %d to resolution: %w", c.ItemID, err)
		}
		if err := r.queue.EnqueueTx(ctx, tx, c.ItemID); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit defer tx: %w", err)
		}
		return deferredOutcome, nil
	}

	const rankSQL = `
UPDATE wire.items
SET status = $1,
    embedding = $2,
    risk_score = $3,
    risk_features = $4::jsonb,
    rank_score = $5,
    updated_at = $6
WHERE item_id = $7
  AND status = $8
`
	if _, err := r.pool.Exec(ctx, rankSQL,
		string(db.ItemRanked), vectorLiteral,
		c.Features.RiskScore, string(featuresJSON), c.Composite,
		now, c.ItemID, string(db.ItemSearched),
	); err != nil {
		return 0, fmt.Errorf("mark item %d ranked: %w", c.ItemID, err)
	}
	return rankedOutcome, nil
}

func (r *Ranker) needsResolution(c *candidate) bool {
	if c.CanonicalURL != nil && strings.TrimSpace(*c.CanonicalURL) != "" {
		return false
	}
	parsed, err := url.Parse(strings.TrimSpace(c.RawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}
	for _, redirectHost := range r.opts.RedirectHosts {
		rh := strings.ToLower(strings.TrimSpace(redirectHost))
		if rh == "" {
			continue
		}
		if host == rh || strings.HasSuffix(host, "."+rh) {
			return true
		}
	}
	return false
}

func embeddingInput(title, snippet string) string {
	title = strings.TrimSpace(title)
	snippet = strings.TrimSpace(snippet)
	switch {
	case title == "" && snippet == "":
		return ""
	case snippet == "":
		return title
	case title == "":
		return snippet
	default:
		return title + "\n\n" + snippet
	}
}

// relevanceFromCosine maps cosine similarity from [-1, 1] onto [0, 1].
// A missing baseline yields the neutral midpoint.
func relevanceFromCosine(cosine float64) float64 {
	value := (cosine + 1) / 2
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// normalizeRisk squashes the unbounded lexicon risk score onto [0, 1).
func normalizeRisk(risk float64) float64 {
	if risk <= 0 {
		return 0
	}
	return risk / (risk + 1)
}

func compositeScore(relevance, riskNorm, relevanceWeight, riskWeight float64) float64 {
	return relevanceWeight*relevance + riskWeight*riskNorm
}

// orderCandidates sorts by composite score descending, breaking ties toward
// the earlier discovered item. When two items duplicate each other, the one
// sorted first survives.
func orderCandidates(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Composite != candidates[j].Composite {
			return candidates[i].Composite > candidates[j].Composite
		}
		return candidates[i].DiscoveredAt.Before(candidates[j].DiscoveredAt)
	})
}

// markDuplicates assigns DuplicateOf for every candidate whose similarity to
// an already accepted item, or to a surviving candidate earlier in the
// order, strictly exceeds the threshold. Similarity exactly at the threshold
// is not a duplicate.
func markDuplicates(candidates []*candidate, accepted []acceptedEmbedding, threshold float64) {
	kept := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if dupID := findDuplicate(c, accepted, kept, threshold); dupID != 0 {
			c.DuplicateOf = dupID
			continue
		}
		kept = append(kept, c)
	}
}

func findDuplicate(c *candidate, accepted []acceptedEmbedding, kept []*candidate, threshold float64) int64 {
	for _, a := range accepted {
		if db.CosineSimilarity(c.Vector, a.Vector) > threshold {
			return a.ItemID
		}
	}
	for _, k := range kept {
		if db.CosineSimilarity(c.Vector, k.Vector) > threshold {
			return k.ItemID
		}
	}
	return 0
}
