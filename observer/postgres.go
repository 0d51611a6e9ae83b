package observer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dcshock/topicpipe/observer/repository"
	"github.com/dcshock/topicpipe/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// DB is what PostgresRecorder needs from a *pgxpool.Pool.
type DB interface {
	repository.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRecorder persists run statuses to pipeline_run and
// pipeline_run_stage so runs can be monitored and replayed.
type PostgresRecorder struct {
	db      DB
	queries *repository.Queries
}

// NewPostgresRecorder returns a recorder writing through db (e.g. a *pgxpool.Pool).
func NewPostgresRecorder(db DB) *PostgresRecorder {
	return &PostgresRecorder{db: db, queries: repository.New(db)}
}

// Queries returns the underlying queries, for use by a Replayer.
func (r *PostgresRecorder) Queries() *repository.Queries { return r.queries }

// Migrate creates the monitoring tables if needed.
func Migrate(ctx context.Context, db repository.DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate pipeline_run: %w", err)
	}
	return nil
}

// RecordRunStatus implements pipeline.Recorder. The run row and its stage
// rows are written in one transaction; recording the same UID again
// overwrites the previous status.
func (r *PostgresRecorder) RecordRunStatus(ctx context.Context, status *pipeline.RunStatus) error {
	oldJSON, err := marshalOptional(status.Old)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := marshalOptional(status.New)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		q := r.queries.WithTx(tx)
		err := q.UpsertPipelineRun(ctx, repository.UpsertPipelineRunParams{
			RunID:        status.UID,
			PipelineID:   status.PipelineID,
			PipelineName: status.PipelineName,
			TopicID:      status.TopicID,
			Trigger:      string(status.Trigger),
			OldValue:     oldJSON,
			NewValue:     newJSON,
			Status:       string(status.Status),
			Error:        optionalText(status.Error),
			Depth:        int32(status.Depth),
			StartedAt:    timestamptz(status.StartTime),
			ElapsedMs:    status.Elapsed.Milliseconds(),
		})
		if err != nil {
			return fmt.Errorf("upsert pipeline_run %s: %w", status.UID, err)
		}
		for i, s := range status.Stages {
			unitsJSON, err := marshalOptional(s.Units)
			if err != nil {
				return fmt.Errorf("marshal units: %w", err)
			}
			err = q.UpsertPipelineRunStage(ctx, repository.UpsertPipelineRunStageParams{
				RunID:      status.UID,
				StageIndex: int32(i),
				Name:       s.Name,
				Skipped:    s.Skipped,
				StartedAt:  timestamptz(s.StartTime),
				ElapsedMs:  s.Elapsed.Milliseconds(),
				Error:      optionalText(s.Error),
				Units:      unitsJSON,
			})
			if err != nil {
				return fmt.Errorf("upsert pipeline_run_stage %s/%d: %w", status.UID, i, err)
			}
		}
		return nil
	})
}

// RunFilter selects runs for ListRuns. Empty fields match everything; Limit
// defaults to 100.
type RunFilter struct {
	PipelineID string
	Status     pipeline.RunState
	Limit      int
}

// ListRuns returns recorded runs, newest first, with their stages.
func (r *PostgresRecorder) ListRuns(ctx context.Context, f RunFilter) ([]*pipeline.RunStatus, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := r.queries.ListPipelineRuns(ctx, repository.ListPipelineRunsParams{
		PipelineID: optionalText(f.PipelineID),
		Status:     optionalText(string(f.Status)),
		Limit:      int32(f.Limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	out := make([]*pipeline.RunStatus, 0, len(rows))
	for _, row := range rows {
		s := &pipeline.RunStatus{
			UID:          row.RunID,
			PipelineID:   row.PipelineID,
			PipelineName: row.PipelineName,
			TopicID:      row.TopicID,
			Trigger:      pipeline.TriggerKind(row.Trigger),
			Status:       pipeline.RunState(row.Status),
			Error:        row.Error.String,
			Depth:        int(row.Depth),
			StartTime:    row.StartedAt.Time,
			Elapsed:      time.Duration(row.ElapsedMs) * time.Millisecond,
			Stages:       []*pipeline.StageRunStatus{},
		}
		if err := unmarshalOptional(row.OldValue, &s.Old); err != nil {
			return nil, fmt.Errorf("run %s old value: %w", row.RunID, err)
		}
		if err := unmarshalOptional(row.NewValue, &s.New); err != nil {
			return nil, fmt.Errorf("run %s new value: %w", row.RunID, err)
		}
		stages, err := r.queries.ListPipelineRunStages(ctx, row.RunID)
		if err != nil {
			return nil, fmt.Errorf("list stages of %s: %w", row.RunID, err)
		}
		for _, st := range stages {
			ss := &pipeline.StageRunStatus{
				Name:      st.Name,
				Skipped:   st.Skipped,
				StartTime: st.StartedAt.Time,
				Elapsed:   time.Duration(st.ElapsedMs) * time.Millisecond,
				Error:     st.Error.String,
			}
			if err := unmarshalOptional(st.Units, &ss.Units); err != nil {
				return nil, fmt.Errorf("run %s stage %d units: %w", row.RunID, st.StageIndex, err)
			}
			s.Stages = append(s.Stages, ss)
		}
		out = append(out, s)
	}
	return out, nil
}

func marshalOptional(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalOptional(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func optionalText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

var _ pipeline.Recorder = (*PostgresRecorder)(nil)
