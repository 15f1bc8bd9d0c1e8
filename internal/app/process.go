package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/tape/internal/cli"
)

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	limit := fs.Int("limit", 0, "Maximum items per phase (0 uses DEFAULT_BATCH_LIMIT)")
	timeout := fs.Duration("timeout", 90*time.Minute, "Command timeout")

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

	pool, ok := connect(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()

	svc := buildServices(cfg, logger, pool)

	reports, err := svc.orchestrator.RunSequence(ctx, effectiveLimit(*limit, cfg))
	for _, report := range reports {
		printPhaseReport(report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "process failed: %v\n", err)
		return 1
	}
	return 0
}
