package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/cli"
	"horse.fit/tape/internal/config"
	"horse.fit/tape/internal/crawl"
	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/digest"
	"horse.fit/tape/internal/ingest"
	"horse.fit/tape/internal/logging"
	"horse.fit/tape/internal/orch"
	"horse.fit/tape/internal/rank"
	"horse.fit/tape/internal/resolve"
	"horse.fit/tape/internal/runs"
	"horse.fit/tape/internal/thread"
)

// bootstrap loads the env file, configuration, and logger shared by every
// command.
func bootstrap(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, bool) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Logger{}, false
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Logger{}, false
	}

	return cfg, logger, true
}

func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*db.Pool, bool) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return nil, false
	}
	return pool, true
}

type services struct {
	queue        *resolve.Queue
	ingest       *ingest.Service
	ranker       *rank.Ranker
	crawler      *crawl.Crawler
	threads      *thread.Engine
	digests      *digest.Builder
	tracker      *runs.StoreTracker
	orchestrator *orch.Orchestrator
}

// buildServices wires every phase implementation from configuration and
// assembles the orchestrator around them.
func buildServices(cfg *config.Config, logger zerolog.Logger, pool *db.Pool) *services {
	resolver := resolve.NewHTTPResolver(cfg.ResolveEndpoint, cfg.ResolveTimeout, cfg.ResolveMaxHops)
	queue := resolve.NewQueue(pool, resolver, logger, resolve.Options{
		MaxAttempts:   cfg.ResolveMaxAttempts,
		MinDelay:      cfg.ResolveMinDelay,
		QueryDelay:    cfg.ResolveQueryDelay,
		BackoffBase:   cfg.ResolveBackoffBase,
		BackoffCap:    cfg.ResolveBackoffCap,
		BatchDeadline: cfg.PhaseDeadline,
		ClaimTTL:      cfg.ResolveClaimTTL,
	})

	ingestService := ingest.NewService(pool, logger, ingest.Options{
		FeedURLs:     cfg.FeedURLList(),
		FetchTimeout: cfg.CrawlTimeout,
	})

	embedClient := rank.NewEmbedClient(rank.EmbedClientOptions{
		Endpoint:       cfg.EmbedEndpoint,
		ModelName:      cfg.EmbedModelName,
		ModelVersion:   cfg.EmbedModelVersion,
		MaxLength:      cfg.EmbedMaxLength,
		RequestTimeout: cfg.EmbedTimeout,
	})
	ranker := rank.NewRanker(pool, queue, embedClient, logger, rank.Options{
		BatchSize:       cfg.EmbedBatchSize,
		RelevanceWeight: cfg.RelevanceWeight,
		RiskWeight:      cfg.RiskWeight,
		DedupThreshold:  cfg.DedupThreshold,
		LookbackDays:    cfg.DedupLookbackDays,
		BaselineQuery:   cfg.BaselineQuery,
		RedirectHosts:   cfg.RedirectHostList(),
		ClaimTTL:        cfg.RankClaimTTL,
	})

	crawler := crawl.NewCrawler(pool, logger, crawl.Options{
		FetchTimeout: cfg.CrawlTimeout,
	})

	threadEngine := thread.NewEngine(pool, logger, thread.Options{
		JoinThreshold: cfg.ThreadJoinThreshold,
		RecencyWindow: time.Duration(cfg.ThreadRecencyDays) * 24 * time.Hour,
	})

	digestBuilder := digest.NewBuilder(pool, logger, digest.Options{
		OutputDir: cfg.DigestOutputDir,
		Window:    time.Duration(cfg.DigestWindowHours) * time.Hour,
	})

	tracker := runs.NewStoreTracker(pool, logger)

	phases := []orch.Phase{
		{
			Type:  db.RunIngest,
			Fatal: true,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := ingestService.Run(ctx, limit)
				return orch.Stats{
					ItemsProcessed: result.ItemsSeen,
					ItemsCreated:   result.ItemsInserted,
					ErrorCount:     result.FeedsFailed,
					Metadata: map[string]any{
						"feeds_fetched": result.FeedsFetched,
					},
				}, err
			},
		},
		{
			Type:  db.RunResolve,
			Fatal: false,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := queue.ProcessBatch(ctx, limit)
				return orch.Stats{
					ItemsProcessed: result.Resolved + result.Failed + result.Retried,
					ItemsCreated:   result.Resolved,
					ErrorCount:     result.Failed,
					Metadata: map[string]any{
						"retried":   result.Retried,
						"remaining": result.Remaining,
					},
				}, err
			},
		},
		{
			Type:  db.RunRank,
			Fatal: false,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := ranker.Run(ctx, limit)
				return orch.Stats{
					ItemsProcessed: result.Claimed,
					ItemsCreated:   result.Ranked,
					Metadata: map[string]any{
						"duplicates": result.Duplicates,
						"deferred":   result.Deferred,
					},
				}, err
			},
		},
		{
			Type:  db.RunCrawl,
			Fatal: false,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := crawler.Run(ctx, limit)
				return orch.Stats{
					ItemsProcessed: result.Claimed,
					ItemsCreated:   result.Crawled,
					ErrorCount:     result.Failed,
				}, err
			},
		},
		{
			Type:  db.RunThread,
			Fatal: false,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := threadEngine.AssignBatch(ctx, limit)
				return orch.Stats{
					ItemsProcessed: result.Claimed,
					ItemsCreated:   result.Created,
					ErrorCount:     result.Skipped,
					Metadata: map[string]any{
						"joined": result.Joined,
						"closed": result.Closed,
					},
				}, err
			},
		},
		{
			Type:  db.RunDigest,
			Fatal: false,
			Run: func(ctx context.Context, limit int) (orch.Stats, error) {
				result, err := digestBuilder.Build(ctx)
				return orch.Stats{
					ItemsProcessed: result.Items,
					ItemsCreated:   result.Threads,
					Metadata: map[string]any{
						"output_path": result.OutputPath,
					},
				}, err
			},
		},
	}

	orchestrator := orch.New(tracker, logger, phases, orch.Options{
		PhaseDeadline: cfg.PhaseDeadline,
	})

	return &services{
		queue:        queue,
		ingest:       ingestService,
		ranker:       ranker,
		crawler:      crawler,
		threads:      threadEngine,
		digests:      digestBuilder,
		tracker:      tracker,
		orchestrator: orchestrator,
	}
}

func effectiveLimit(flagValue int, cfg *config.Config) int {
	if flagValue <= 0 {
		return cfg.DefaultBatchLimit
	}
	if flagValue > cfg.MaxBatchLimit {
		return cfg.MaxBatchLimit
	}
	return flagValue
}

func printPhaseReport(report orch.PhaseReport) {
	fmt.Printf("phase=%s status=%s duration=%s processed=%d created=%d errors=%d\n",
		report.Type,
		report.Status,
		report.Duration.Round(time.Millisecond),
		report.Stats.ItemsProcessed,
		report.Stats.ItemsCreated,
		report.Stats.ErrorCount,
	)
	if report.RunUUID != "" {
		fmt.Printf("run_uuid=%s\n", report.RunUUID)
	}
	for key, value := range report.Stats.Metadata {
		fmt.Printf("%s=%v\n", key, value)
	}
}
