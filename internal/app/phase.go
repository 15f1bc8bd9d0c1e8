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
)

// runPhaseCommand is the shared body of the single-phase commands.
func runPhaseCommand(name string, runType db.RunType, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	limit := fs.Int("limit", 0, "Maximum items to process (0 uses DEFAULT_BATCH_LIMIT)")
	timeout := fs.Duration("timeout", 15*time.Minute, "Command timeout")

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

	report, err := svc.orchestrator.RunPhase(ctx, runType, effectiveLimit(*limit, cfg))
	printPhaseReport(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		return 1
	}
	return 0
}
