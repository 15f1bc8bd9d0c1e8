// Package orch sequences the pipeline phases and applies the failure
// policy: a fatal phase error halts the remainder of the sequence, a
// recoverable one is recorded and the sequence continues. Every phase
// execution is bracketed by a pipeline run record.
package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
	"horse.fit/tape/internal/runs"
)

// Stats is what a phase reports about its own pass.
type Stats struct {
	ItemsProcessed int
	ItemsCreated   int
	ErrorCount     int
	Metadata       map[string]any
}

// PhaseFunc executes one phase pass over at most limit items.
type PhaseFunc func(ctx context.Context, limit int) (Stats, error)

// Phase binds a run type to its implementation and failure policy.
type Phase struct {
	Type  db.RunType
	Fatal bool
	Run   PhaseFunc
}

// PhaseReport describes one executed phase.
type PhaseReport struct {
	Type     db.RunType
	RunUUID  string
	Status   db.RunStatus
	Duration time.Duration
	Stats    Stats
	Err      error
}

// Options configures orchestration.
type Options struct {
	PhaseDeadline time.Duration
}

// Orchestrator runs phases in order under the failure policy.
type Orchestrator struct {
	tracker runs.Tracker
	logger  zerolog.Logger
	phases  []Phase
	opts    Options
}

func New(tracker runs.Tracker, logger zerolog.Logger, phases []Phase, opts Options) *Orchestrator {
	return &Orchestrator{
		tracker: tracker,
		logger:  logger.With().Str("component", "orch").Logger(),
		phases:  phases,
		opts:    opts,
	}
}

// RunSequence executes every configured phase in order. The returned reports
// cover the phases that actually ran; the error is non-nil only when a fatal
// phase failed and halted the sequence.
func (o *Orchestrator) RunSequence(ctx context.Context, limit int) ([]PhaseReport, error) {
	reports := make([]PhaseReport, 0, len(o.phases))

	for _, phase := range o.phases {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}

		report := o.execute(ctx, phase, limit)
		reports = append(reports, report)

		if report.Err != nil {
			if phase.Fatal {
				o.logger.Error().Err(report.Err).
					Str("phase", string(phase.Type)).
					Msg("fatal phase failure, halting sequence")
				return reports, fmt.Errorf("phase %s failed: %w", phase.Type, report.Err)
			}
			o.logger.Warn().Err(report.Err).
				Str("phase", string(phase.Type)).
				Msg("recoverable phase failure, continuing")
		}
	}

	return reports, nil
}

// RunPhase executes a single phase by run type, independent of the sequence.
func (o *Orchestrator) RunPhase(ctx context.Context, runType db.RunType, limit int) (PhaseReport, error) {
	for _, phase := range o.phases {
		if phase.Type != runType {
			continue
		}
		report := o.execute(ctx, phase, limit)
		return report, report.Err
	}
	return PhaseReport{}, fmt.Errorf("unknown phase %q", runType)
}

// PhaseTypes lists the configured phases in execution order.
func (o *Orchestrator) PhaseTypes() []db.RunType {
	types := make([]db.RunType, 0, len(o.phases))
	for _, phase := range o.phases {
		types = append(types, phase.Type)
	}
	return types
}

func (o *Orchestrator) execute(ctx context.Context, phase Phase, limit int) PhaseReport {
	report := PhaseReport{Type: phase.Type}

	record, err := o.tracker.Start(ctx, phase.Type)
	if err != nil {
		report.Status = db.RunFailed
		report.Err = fmt.Errorf("start run record: %w", err)
		return report
	}
	report.RunUUID = record.RunUUID

	phaseCtx := ctx
	if o.opts.PhaseDeadline > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, o.opts.PhaseDeadline)
		defer cancel()
	}

	started := globaltime.UTC()
	stats, runErr := phase.Run(phaseCtx, limit)
	report.Duration = globaltime.UTC().Sub(started)
	report.Stats = stats

	outcome := runs.Outcome{
		ItemsProcessed: stats.ItemsProcessed,
		ItemsCreated:   stats.ItemsCreated,
		ErrorCount:     stats.ErrorCount,
		Metadata:       stats.Metadata,
	}
	if runErr != nil {
		// A phase error marks the run failed; per-item errors inside a
		// completed pass leave it successful with a non-zero error count.
		outcome.Status = db.RunFailed
		outcome.ErrorMessage = runErr.Error()
		report.Status = db.RunFailed
		report.Err = runErr
	} else {
		outcome.Status = db.RunSuccess
		report.Status = db.RunSuccess
	}

	finishCtx := context.WithoutCancel(ctx)
	if err := o.tracker.Finish(finishCtx, record, outcome); err != nil {
		o.logger.Error().Err(err).
			Str("phase", string(phase.Type)).
			Str("run_uuid", record.RunUUID).
			Msg("failed to finalize run record")
		if report.Err == nil {
			report.Err = fmt.Errorf("finalize run record: %w", err)
			report.Status = db.RunFailed
		}
	}

	return report
}
