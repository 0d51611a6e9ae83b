package httptrigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dcshock/topicpipe/pipeline"
)

// requestError is a client error with its HTTP status.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{status: http.StatusBadRequest, msg: msg} }

func notFound(msg string) error { return &requestError{status: http.StatusNotFound, msg: msg} }

// triggerRequest is the body of POST /topics/{topic}/triggers.
type triggerRequest struct {
	Kind pipeline.TriggerKind `json:"kind"`
	Old  map[string]any       `json:"old"`
	New  map[string]any       `json:"new"`
}

func (t *triggerRequest) validate() error {
	if !t.Kind.Valid() {
		return badRequest(fmt.Sprintf("kind must be %q or %q, got %q", pipeline.TriggerInsert, pipeline.TriggerUpdate, t.Kind))
	}
	if t.New == nil {
		return badRequest("new is required")
	}
	if t.Kind == pipeline.TriggerUpdate && t.Old == nil {
		return badRequest("old is required for update triggers")
	}
	return nil
}

// requireTopic resolves a topic name from the path, mapping unknown topics to 404.
func requireTopic(ctx context.Context, topics pipeline.TopicLoader, name string) (*pipeline.Topic, error) {
	t, err := topics.TopicByName(ctx, name)
	if errors.Is(err, pipeline.ErrTopicNotFound) {
		return nil, notFound(fmt.Sprintf("unknown topic %q", name))
	}
	return t, err
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, pipeline.ErrTopicNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrRetryExhausted), errors.Is(err, pipeline.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
