package pipeline

import "context"

// TopicLoader resolves topic definitions. Implementations return an error
// wrapping ErrTopicNotFound for unknown topics.
type TopicLoader interface {
	TopicByID(ctx context.Context, id string) (*Topic, error)
	TopicByName(ctx context.Context, name string) (*Topic, error)
}

// PipelineLoader returns the pipelines bound to a topic, in execution order.
type PipelineLoader interface {
	PipelinesByTopicID(ctx context.Context, topicID string) ([]*Pipeline, error)
}

// Record is one stored row of a topic. Version is the optimistic-lock token:
// UpdateRecord succeeds only if the stored version still equals it.
type Record struct {
	Key     string
	Version int64
	Data    map[string]any
}

// RecordStore reads and writes topic data. Returned Data always carries the
// record key under KeyField so trigger events can be merged by key.
type RecordStore interface {
	KeyField() string
	FindRecord(ctx context.Context, topic string, match map[string]any) (Record, bool, error)
	InsertRecord(ctx context.Context, topic string, data map[string]any) (Record, error)
	// UpdateRecord shallow-merges data into rec. It returns an error wrapping
	// ErrConflict if the stored version is no longer rec.Version.
	UpdateRecord(ctx context.Context, topic string, rec Record, data map[string]any) (Record, error)
}

// Recorder persists run statuses for monitoring. The engine treats it as
// best-effort: errors are logged, never returned to the dispatching caller.
type Recorder interface {
	RecordRunStatus(ctx context.Context, status *RunStatus) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, status *RunStatus) error

// RecordRunStatus implements Recorder.
func (f RecorderFunc) RecordRunStatus(ctx context.Context, status *RunStatus) error {
	return f(ctx, status)
}
