package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dcshock/topicpipe/observer/repository"
	"github.com/dcshock/topicpipe/pipeline"
)

// PipelineLookup returns the current definition of a pipeline by id.
type PipelineLookup func(ctx context.Context, id string) (*pipeline.Pipeline, error)

// Runner re-runs one pipeline; *pipeline.Engine implements it.
type Runner interface {
	RunPipeline(ctx context.Context, p *pipeline.Pipeline, kind pipeline.TriggerKind, payload pipeline.Payload) (*pipeline.RunStatus, error)
}

// Replayer re-runs failed pipeline runs from their recorded payload.
type Replayer struct {
	queries *repository.Queries
	lookup  PipelineLookup
	runner  Runner
	logger  *slog.Logger
}

// NewReplayer returns a replayer reading pipeline_run through queries. A nil
// logger uses slog.Default().
func NewReplayer(queries *repository.Queries, lookup PipelineLookup, runner Runner, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{queries: queries, lookup: lookup, runner: runner, logger: logger}
}

// ReplayFailed claims up to limit unreplayed ERROR runs (using FOR UPDATE
// SKIP LOCKED) and runs each pipeline again with its recorded trigger and
// payload. A replayed run is marked with the UID of the new run, which is
// recorded like any other; if it fails again it becomes a candidate for the
// next ReplayFailed. Runs that cannot be replayed (pipeline gone, invalid
// payload) release their claim and are reported in the returned error. All
// claimed runs are attempted. It returns the number of runs replayed.
func (r *Replayer) ReplayFailed(ctx context.Context, claimID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}
	claimed, err := r.queries.ClaimFailedPipelineRuns(ctx, repository.ClaimFailedPipelineRunsParams{
		ClaimedBy: pgtype.Text{String: claimID, Valid: true},
		Limit:     int32(limit),
	})
	if err != nil {
		return 0, fmt.Errorf("claim failed runs: %w", err)
	}
	var (
		replayed int
		errs     []error
	)
	for _, row := range claimed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.replayOne(ctx, row); err != nil {
			errs = append(errs, err)
			if rerr := r.queries.ReleasePipelineRunClaim(context.WithoutCancel(ctx), row.RunID); rerr != nil {
				errs = append(errs, fmt.Errorf("release claim on %s: %w", row.RunID, rerr))
			}
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (r *Replayer) replayOne(ctx context.Context, row repository.ClaimFailedPipelineRunsRow) error {
	p, err := r.lookup(ctx, row.PipelineID)
	if err != nil {
		return fmt.Errorf("pipeline %q for run %s: %w", row.PipelineID, row.RunID, err)
	}
	if p == nil {
		return fmt.Errorf("pipeline %q not found for run %s", row.PipelineID, row.RunID)
	}
	var payload pipeline.Payload
	if err := unmarshalOptional(row.OldValue, &payload.Old); err != nil {
		return fmt.Errorf("unmarshal old value of run %s: %w", row.RunID, err)
	}
	if err := unmarshalOptional(row.NewValue, &payload.New); err != nil {
		return fmt.Errorf("unmarshal new value of run %s: %w", row.RunID, err)
	}
	status, err := r.runner.RunPipeline(ctx, p, pipeline.TriggerKind(row.Trigger), payload)
	if err != nil && status == nil {
		return fmt.Errorf("replay run %s: %w", row.RunID, err)
	}
	replay := pgtype.Text{}
	if status != nil {
		replay = pgtype.Text{String: status.UID, Valid: true}
		r.logger.Info("pipeline run replayed",
			"run_id", row.RunID,
			"replay_run_id", status.UID,
			"pipeline_id", row.PipelineID,
			"status", status.Status)
	}
	return r.queries.MarkPipelineRunReplayed(context.WithoutCancel(ctx), repository.MarkPipelineRunReplayedParams{
		RunID:       row.RunID,
		ReplayRunID: replay,
	})
}
