package pipeline

import (
	"errors"
	"fmt"
)

// ErrConflict marks an optimistic-lock violation: another writer changed the
// record since it was read. Stores wrap it; WithRetry retries it.
var ErrConflict = errors.New("optimistic lock conflict")

// IsConflict reports whether err is a conflict-class failure.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// ErrRetryExhausted is returned by the default conflict recovery once a write
// has conflicted policy.MaxAttempts times.
var ErrRetryExhausted = errors.New("conflict retries exhausted")

// ErrTopicNotFound is returned when a topic id or name does not resolve.
var ErrTopicNotFound = errors.New("topic not found")

// ErrCascadeDepth is logged when a cascade is cut at the depth ceiling.
var ErrCascadeDepth = errors.New("cascade depth limit reached")

// ErrCascadeCycle is logged when a cascade would re-enter a topic already on its chain.
var ErrCascadeCycle = errors.New("cascade cycle detected")

// ValidationError reports an invalid pipeline definition.
type ValidationError struct {
	PipelineID string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.PipelineID == "" {
		return "invalid pipeline: " + e.Reason
	}
	return fmt.Sprintf("invalid pipeline %s: %s", e.PipelineID, e.Reason)
}

// GuardError reports a guard that could not be evaluated. Scope is
// "pipeline", "stage" or "unit".
type GuardError struct {
	Scope string
	Name  string
	Err   error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s %q guard: %v", e.Scope, e.Name, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// ActionError reports a failed action with its position in the pipeline.
type ActionError struct {
	Stage  string
	Unit   string
	Index  int
	Action ActionKind
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("stage %q unit %q action %d (%s): %v", e.Stage, e.Unit, e.Index, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
