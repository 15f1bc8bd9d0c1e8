package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/tape/internal/cli"
)

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	payload := fs.String("payload", "", "News item payload JSON")
	payloadFile := fs.String("payload-file", "", "Path to a file containing the payload JSON")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	raw, err := loadJSONInput(*payload, *payloadFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
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

	itemID, err := svc.ingest.IngestPayload(ctx, raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	if itemID == 0 {
		fmt.Println("created=false (item already known)")
		return 0
	}
	fmt.Printf("created=true item_id=%d\n", itemID)
	return 0
}

// loadJSONInput reads the payload from the inline flag or a file, exactly one
// of which must be provided.
func loadJSONInput(inline, path string) (json.RawMessage, error) {
	switch {
	case inline != "" && path != "":
		return nil, errors.New("provide -payload or -payload-file, not both")
	case inline != "":
		return json.RawMessage(inline), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return json.RawMessage(data), nil
	default:
		return nil, errors.New("a payload is required: use -payload or -payload-file")
	}
}
