package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type PipelineRun struct {
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
	RecordedAt   pgtype.Timestamptz
	ReplayedAt   pgtype.Timestamptz
	ReplayRunID  pgtype.Text
}

type PipelineRunStage struct {
	RunID      string
	StageIndex int32
	Name       string
	Skipped    bool
	StartedAt  pgtype.Timestamptz
	ElapsedMs  int64
	Error      pgtype.Text
	Units      []byte
}
