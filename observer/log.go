package observer

import (
	"context"
	"log/slog"

	"github.com/dcshock/topicpipe/pipeline"
)

// LogRecorder writes each run status as one structured log line: failures
// at error level, everything else at info.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a recorder logging to logger (slog.Default() if nil).
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// RecordRunStatus implements pipeline.Recorder.
func (r *LogRecorder) RecordRunStatus(ctx context.Context, s *pipeline.RunStatus) error {
	level := slog.LevelInfo
	attrs := []any{
		"run_id", s.UID,
		"pipeline_id", s.PipelineID,
		"topic_id", s.TopicID,
		"trigger", s.Trigger,
		"status", s.Status,
		"depth", s.Depth,
		"elapsed", s.Elapsed,
		"stages", len(s.Stages),
	}
	if s.Status == pipeline.StatusError {
		level = slog.LevelError
		attrs = append(attrs, "error", s.Error)
	}
	r.logger.Log(ctx, level, "pipeline run", attrs...)
	return nil
}
