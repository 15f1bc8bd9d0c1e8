// Package runs records pipeline run audit rows. The run table is
// append-only; a run row is created when a phase starts and finalized
// exactly once when it ends.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
)

// Record identifies a started run.
type Record struct {
	RunID     int64
	RunUUID   string
	Type      db.RunType
	StartedAt time.Time
}

// Outcome carries the counters a phase reports when it finishes.
type Outcome struct {
	Status         db.RunStatus
	ItemsProcessed int
	ItemsCreated   int
	ErrorCount     int
	ErrorMessage   string
	Metadata       map[string]any
}

// Tracker starts and finalizes pipeline run records.
type Tracker interface {
	Start(ctx context.Context, runType db.RunType) (Record, error)
	Finish(ctx context.Context, record Record, outcome Outcome) error
}

// StoreTracker persists run records in wire.pipeline_runs.
type StoreTracker struct {
	pool   *db.Pool
	logger zerolog.Logger
}

func NewStoreTracker(pool *db.Pool, logger zerolog.Logger) *StoreTracker {
	return &StoreTracker{
		pool:   pool,
		logger: logger.With().Str("component", "runs").Logger(),
	}
}

func (t *StoreTracker) Start(ctx context.Context, runType db.RunType) (Record, error) {
	if !runType.Valid() {
		return Record{}, fmt.Errorf("invalid run type %q", runType)
	}

	startedAt := globaltime.UTC()

	const q = `
INSERT INTO wire.pipeline_runs (run_type, started_at, status)
VALUES ($1, $2, $3)
RETURNING run_id, run_uuid::text
`
	record := Record{Type: runType, StartedAt: startedAt}
	err := t.pool.QueryRow(ctx, q, string(runType), startedAt, string(db.RunRunning)).
		Scan(&record.RunID, &record.RunUUID)
	if err != nil {
		return Record{}, fmt.Errorf("insert pipeline run (%s): %w", runType, err)
	}

	t.logger.Debug().
		Str("run_uuid", record.RunUUID).
		Str("run_type", string(runType)).
		Msg("pipeline run started")

	return record, nil
}

// Finish finalizes a run record. The update is conditional on the row still
// being in the running state, so a run is finalized at most once even when
// callers race.
func (t *StoreTracker) Finish(ctx context.Context, record Record, outcome Outcome) error {
	if record.RunID == 0 {
		return fmt.Errorf("run record is not started")
	}
	if !outcome.Status.Valid() || outcome.Status == db.RunRunning {
		return fmt.Errorf("invalid final run status %q", outcome.Status)
	}

	metadata, err := encodeMetadata(outcome.Metadata)
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}

	const q = `
UPDATE wire.pipeline_runs
SET finished_at = $1,
    status = $2,
    items_processed = $3,
    items_created = $4,
    error_count = $5,
    error_message = NULLIF($6, ''),
    metadata = $7::jsonb
WHERE run_id = $8
  AND status = $9
`
	tag, err := t.pool.Exec(ctx, q,
		globaltime.UTC(),
		string(outcome.Status),
		outcome.ItemsProcessed,
		outcome.ItemsCreated,
		outcome.ErrorCount,
		outcome.ErrorMessage,
		metadata,
		record.RunID,
		string(db.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize pipeline run %d: %w", record.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline run %d was already finalized", record.RunID)
	}

	t.logger.Info().
		Str("run_uuid", record.RunUUID).
		Str("run_type", string(record.Type)).
		Str("status", string(outcome.Status)).
		Int("items_processed", outcome.ItemsProcessed).
		Int("items_created", outcome.ItemsCreated).
		Int("error_count", outcome.ErrorCount).
		Msg("pipeline run finished")

	return nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
