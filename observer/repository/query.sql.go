package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const upsertPipelineRun = `
INSERT INTO pipeline_run (run_id, pipeline_id, pipeline_name, topic_id, trigger, old_value, new_value, status, error, depth, started_at, elapsed_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (run_id) DO UPDATE SET
    status = EXCLUDED.status,
    error = EXCLUDED.error,
    elapsed_ms = EXCLUDED.elapsed_ms,
    recorded_at = now()
`

type UpsertPipelineRunParams struct {
	RunID        string
	PipelineID   string
	PipelineName string
	TopicID      string
	Trigger      string
	OldValue     []byte
	NewValue     []byte
	Status       string
	Error        pgtype.Text
	Depth        int32
	StartedAt    pgtype.Timestamptz
	ElapsedMs    int64
}

func (q *Queries) UpsertPipelineRun(ctx context.Context, arg UpsertPipelineRunParams) error {
	_, err := q.db.Exec(ctx, upsertPipelineRun,
		arg.RunID,
		arg.PipelineID,
		arg.PipelineName,
		arg.TopicID,
		arg.Trigger,
		arg.OldValue,
		arg.NewValue,
		arg.Status,
		arg.Error,
		arg.Depth,
		arg.StartedAt,
		arg.ElapsedMs,
	)
	return err
}

const upsertPipelineRunStage = `
INSERT INTO pipeline_run_stage (run_id, stage_index, name, skipped, started_at, elapsed_ms, error, units)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, stage_index) DO UPDATE SET
    skipped = EXCLUDED.skipped,
    elapsed_ms = EXCLUDED.elapsed_ms,
    error = EXCLUDED.error,
    units = EXCLUDED.units
`

type UpsertPipelineRunStageParams struct {
	RunID      string
	StageIndex int32
	Name       string
	Skipped    bool
	StartedAt  pgtype.Timestamptz
	ElapsedMs  int64
	Error      pgtype.Text
	Units      []byte
}

func (q *Queries) UpsertPipelineRunStage(ctx context.Context, arg UpsertPipelineRunStageParams) error {
	_, err := q.db.Exec(ctx, upsertPipelineRunStage,
		arg.RunID,
		arg.StageIndex,
		arg.Name,
		arg.Skipped,
		arg.StartedAt,
		arg.ElapsedMs,
		arg.Error,
		arg.Units,
	)
	return err
}

const listPipelineRuns = `
SELECT run_id, pipeline_id, pipeline_name, topic_id, trigger, old_value, new_value, status, error, depth, started_at, elapsed_ms, recorded_at, replayed_at, replay_run_id
FROM pipeline_run
WHERE ($1::text IS NULL OR pipeline_id = $1)
  AND ($2::text IS NULL OR status = $2)
ORDER BY started_at DESC, run_id
LIMIT $3
`

type ListPipelineRunsParams struct {
	PipelineID pgtype.Text
	Status     pgtype.Text
	Limit      int32
}

func (q *Queries) ListPipelineRuns(ctx context.Context, arg ListPipelineRunsParams) ([]PipelineRun, error) {
	rows, err := q.db.Query(ctx, listPipelineRuns, arg.PipelineID, arg.Status, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PipelineRun
	for rows.Next() {
		var i PipelineRun
		if err := rows.Scan(
			&i.RunID,
			&i.PipelineID,
			&i.PipelineName,
			&i.TopicID,
			&i.Trigger,
			&i.OldValue,
			&i.NewValue,
			&i.Status,
			&i.Error,
			&i.Depth,
			&i.StartedAt,
			&i.ElapsedMs,
			&i.RecordedAt,
			&i.ReplayedAt,
			&i.ReplayRunID,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const listPipelineRunStages = `
SELECT run_id, stage_index, name, skipped, started_at, elapsed_ms, error, units
FROM pipeline_run_stage
WHERE run_id = $1
ORDER BY stage_index
`

func (q *Queries) ListPipelineRunStages(ctx context.Context, runID string) ([]PipelineRunStage, error) {
	rows, err := q.db.Query(ctx, listPipelineRunStages, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PipelineRunStage
	for rows.Next() {
		var i PipelineRunStage
		if err := rows.Scan(
			&i.RunID,
			&i.StageIndex,
			&i.Name,
			&i.Skipped,
			&i.StartedAt,
			&i.ElapsedMs,
			&i.Error,
			&i.Units,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const claimFailedPipelineRuns = `
UPDATE pipeline_run SET claimed_by = $1, claimed_at = now()
WHERE run_id IN (
    SELECT run_id FROM pipeline_run
    WHERE status = 'ERROR'
      AND replayed_at IS NULL
      AND (claimed_at IS NULL OR claimed_at < now() - interval '5 minutes')
    ORDER BY started_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING run_id, pipeline_id, trigger, old_value, new_value
`

type ClaimFailedPipelineRunsParams struct {
	ClaimedBy pgtype.Text
	Limit     int32
}

type ClaimFailedPipelineRunsRow struct {
	RunID      string
	PipelineID string
	Trigger    string
	OldValue   []byte
	NewValue   []byte
}

func (q *Queries) ClaimFailedPipelineRuns(ctx context.Context, arg ClaimFailedPipelineRunsParams) ([]ClaimFailedPipelineRunsRow, error) {
	rows, err := q.db.Query(ctx, claimFailedPipelineRuns, arg.ClaimedBy, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ClaimFailedPipelineRunsRow
	for rows.Next() {
		var i ClaimFailedPipelineRunsRow
		if err := rows.Scan(&i.RunID, &i.PipelineID, &i.Trigger, &i.OldValue, &i.NewValue); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const markPipelineRunReplayed = `
UPDATE pipeline_run SET replayed_at = now(), replay_run_id = $2, claimed_by = NULL, claimed_at = NULL
WHERE run_id = $1
`

type MarkPipelineRunReplayedParams struct {
	RunID       string
	ReplayRunID pgtype.Text
}

func (q *Queries) MarkPipelineRunReplayed(ctx context.Context, arg MarkPipelineRunReplayedParams) error {
	_, err := q.db.Exec(ctx, markPipelineRunReplayed, arg.RunID, arg.ReplayRunID)
	return err
}

const releasePipelineRunClaim = `
UPDATE pipeline_run SET claimed_by = NULL, claimed_at = NULL WHERE run_id = $1
`

func (q *Queries) ReleasePipelineRunClaim(ctx context.Context, runID string) error {
	_, err := q.db.Exec(ctx, releasePipelineRunClaim, runID)
	return err
}
