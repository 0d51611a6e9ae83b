package observer

import (
	"context"
	"errors"

	"github.com/dcshock/topicpipe/pipeline"
)

// MultiRecorder records to every recorder in order. All recorders are called
// even when one fails; the failures are joined.
type MultiRecorder []pipeline.Recorder

// RecordRunStatus implements pipeline.Recorder.
func (m MultiRecorder) RecordRunStatus(ctx context.Context, s *pipeline.RunStatus) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordRunStatus(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
