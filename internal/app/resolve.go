package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/tape/internal/cli"
	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/resolve"
)

func runResolve(args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	limit := fs.Int("limit", 0, "Maximum queue entries to process (0 uses DEFAULT_BATCH_LIMIT)")
	timeout := fs.Duration("timeout", 15*time.Minute, "Command timeout")
	minDelay := fs.Duration("min-delay", -1, "Per-item delay between resolver calls for this run (negative keeps RESOLVE_MIN_DELAY)")
	queryDelay := fs.Duration("query-delay", -1, "Pause between redirect hops for this run (negative keeps RESOLVE_QUERY_DELAY)")
	requeueFailed := fs.Bool("requeue-failed", false, "Re-enter resolve_failed items with a fresh retry allowance before draining")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, ok := bootstrap(envLoader)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *minDelay >= 0 {
		ctx = resolve.WithPerItemDelay(ctx, *minDelay)
	}
	if *queryDelay >= 0 {
		ctx = resolve.WithPerQueryDelay(ctx, *queryDelay)
	}

	pool, ok := connect(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()

	svc := buildServices(cfg, logger, pool)
	batchLimit := effectiveLimit(*limit, cfg)

	if *requeueFailed {
		requeued, err := svc.queue.RequeueFailed(ctx, batchLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Requeue failed items: %v\n", err)
			return 1
		}
		fmt.Printf("requeued=%d\n", requeued)
	}

	report, err := svc.orchestrator.RunPhase(ctx, db.RunResolve, batchLimit)
	printPhaseReport(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve failed: %v\n", err)
		return 1
	}
	return 0
}
