package observer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/topicpipe/internal/pgtest"
	"github.com/dcshock/topicpipe/pipeline"
)

func TestPostgresRecorder_RecordAndList(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(t)
	require.NoError(t, Migrate(ctx, pool))
	rec := NewPostgresRecorder(pool)

	failed := sampleStatus(pipeline.StatusError)
	failed.Stages[0].Units = []*pipeline.UnitRunStatus{{Name: "u", Iterations: 1}}
	require.NoError(t, rec.RecordRunStatus(ctx, failed))

	ok := sampleStatus(pipeline.StatusFinished)
	ok.UID = "run-2"
	ok.StartTime = ok.StartTime.Add(time.Minute)
	require.NoError(t, rec.RecordRunStatus(ctx, ok))

	all, err := rec.ListRuns(ctx, RunFilter{PipelineID: "ship-order"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "run-2", all[0].UID, "newest first")

	errs, err := rec.ListRuns(ctx, RunFilter{Status: pipeline.StatusError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	got := errs[0]
	assert.Equal(t, failed.Error, got.Error)
	assert.Equal(t, "o-1", got.New["id"])
	assert.Nil(t, got.Old)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "ship", got.Stages[0].Name)
	require.Len(t, got.Stages[0].Units, 1)
	assert.Equal(t, 1, got.Stages[0].Units[0].Iterations)

	// Re-recording a UID overwrites it.
	failed.Status = pipeline.StatusFinished
	failed.Error = ""
	require.NoError(t, rec.RecordRunStatus(ctx, failed))
	errs, err = rec.ListRuns(ctx, RunFilter{Status: pipeline.StatusError})
	require.NoError(t, err)
	assert.Empty(t, errs)
}

type fakeRunner struct {
	runs []pipeline.Payload
	err  error
}

func (f *fakeRunner) RunPipeline(_ context.Context, p *pipeline.Pipeline, kind pipeline.TriggerKind, payload pipeline.Payload) (*pipeline.RunStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.runs = append(f.runs, payload)
	return &pipeline.RunStatus{UID: "replay-" + p.ID, Status: pipeline.StatusFinished, Trigger: kind}, nil
}

func TestReplayer_ReplayFailed(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(t)
	require.NoError(t, Migrate(ctx, pool))
	rec := NewPostgresRecorder(pool)

	failed := sampleStatus(pipeline.StatusError)
	require.NoError(t, rec.RecordRunStatus(ctx, failed))
	orphan := sampleStatus(pipeline.StatusError)
	orphan.UID = "run-orphan"
	orphan.PipelineID = "deleted"
	require.NoError(t, rec.RecordRunStatus(ctx, orphan))
	done := sampleStatus(pipeline.StatusFinished)
	done.UID = "run-ok"
	require.NoError(t, rec.RecordRunStatus(ctx, done))

	lookup := func(_ context.Context, id string) (*pipeline.Pipeline, error) {
		if id == "ship-order" {
			return &pipeline.Pipeline{ID: id, TopicID: "t-orders", Enabled: true}, nil
		}
		return nil, pipeline.ErrTopicNotFound
	}
	runner := &fakeRunner{}
	rp := NewReplayer(rec.Queries(), lookup, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := rp.ReplayFailed(ctx, "pod-a", 10)
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, err, "deleted")
	require.Len(t, runner.runs, 1)
	assert.Equal(t, "o-1", runner.runs[0].New["id"])

	// The replayed run is not claimed again; the orphan was released and is retried.
	n, err = rp.ReplayFailed(ctx, "pod-a", 10)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
	assert.Len(t, runner.runs, 1)
}

func TestReplayer_RunnerErrorReleasesClaim(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(t)
	require.NoError(t, Migrate(ctx, pool))
	rec := NewPostgresRecorder(pool)
	require.NoError(t, rec.RecordRunStatus(ctx, sampleStatus(pipeline.StatusError)))

	lookup := func(_ context.Context, id string) (*pipeline.Pipeline, error) {
		return &pipeline.Pipeline{ID: id}, nil
	}
	errInvalid := errors.New("invalid pipeline")
	rp := NewReplayer(rec.Queries(), lookup, &fakeRunner{err: errInvalid}, nil)

	n, err := rp.ReplayFailed(ctx, "pod-a", 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, errInvalid)

	runs, err := rec.ListRuns(ctx, RunFilter{Status: pipeline.StatusError})
	require.NoError(t, err)
	assert.Len(t, runs, 1, "run stays failed and claimable")
	n, _ = NewReplayer(rec.Queries(), lookup, &fakeRunner{}, nil).ReplayFailed(ctx, "pod-b", 0)
	assert.Equal(t, 1, n)
}
