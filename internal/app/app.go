// Package app implements the tape command line interface.
package app

import (
	"fmt"
	"os"
	"strings"

	"horse.fit/tape/internal/db"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "ingest":
		return runPhaseCommand("ingest", db.RunIngest, args[1:])
	case "resolve":
		return runResolve(args[1:])
	case "rank":
		return runPhaseCommand("rank", db.RunRank, args[1:])
	case "crawl":
		return runPhaseCommand("crawl", db.RunCrawl, args[1:])
	case "thread":
		return runPhaseCommand("thread", db.RunThread, args[1:])
	case "digest":
		return runPhaseCommand("digest", db.RunDigest, args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "serve":
		return runServe(args[1:])
	case "hash-secret":
		return runHashSecret(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "tape CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  tape <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health       Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  ingest       Fetch configured feeds and record new items")
	fmt.Fprintln(os.Stderr, "  resolve      Drain the redirect resolution queue")
	fmt.Fprintln(os.Stderr, "  rank         Score and dedup discovered items")
	fmt.Fprintln(os.Stderr, "  crawl        Fetch article text for ranked and resolved items")
	fmt.Fprintln(os.Stderr, "  thread       Assign crawled items to story threads")
	fmt.Fprintln(os.Stderr, "  digest       Write the periodic digest file")
	fmt.Fprintln(os.Stderr, "  process      Run the full phase sequence once")
	fmt.Fprintln(os.Stderr, "  run-once     Alias for process")
	fmt.Fprintln(os.Stderr, "  submit       Submit one news item payload JSON")
	fmt.Fprintln(os.Stderr, "  serve        Start the Echo API server")
	fmt.Fprintln(os.Stderr, "  hash-secret  Produce a bcrypt hash for TRIGGER_SECRET")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"tape <command> -h\" for command-specific flags.")
}
