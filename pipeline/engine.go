package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dcshock/topicpipe/condition"
)

// DefaultMaxDepth is the default cascade depth ceiling.
const DefaultMaxDepth = 16

// Options configures an Engine. Topics, Pipelines and Store are required.
type Options struct {
	Topics    TopicLoader
	Pipelines PipelineLoader
	Store     RecordStore

	// Recorder receives run statuses. Nil disables recording.
	Recorder Recorder
	// Observer receives engine hooks (metrics, logging). Nil means none.
	Observer Observer
	Logger   *slog.Logger

	// Retry is the optimistic-lock retry policy for write actions.
	Retry ConflictPolicy
	// Recovery handles writes whose retries are exhausted. Nil fails the
	// action with ErrRetryExhausted.
	Recovery RecoveryFunc

	// MaxDepth caps the cascade depth; 0 means DefaultMaxDepth.
	MaxDepth int
	// AllowTopicRevisit lets a cascade re-enter a topic already on its
	// chain; only MaxDepth then bounds it.
	AllowTopicRevisit bool
	// Production suppresses recording of successful runs. Failures are
	// always recorded.
	Production bool
}

// Engine dispatches topic writes to their pipelines and runs the resulting
// cascade. An Engine holds no per-request state and is safe for concurrent use.
type Engine struct {
	topics     TopicLoader
	pipelines  PipelineLoader
	store      RecordStore
	recorder   Recorder
	observer   Observer
	logger     *slog.Logger
	retry      ConflictPolicy
	recovery   RecoveryFunc
	maxDepth   int
	revisit    bool
	production bool
}

// NewEngine returns an Engine for opts.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Topics == nil {
		return nil, errors.New("engine: topic loader required")
	}
	if opts.Pipelines == nil {
		return nil, errors.New("engine: pipeline loader required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: record store required")
	}
	e := &Engine{
		topics:     opts.Topics,
		pipelines:  opts.Pipelines,
		store:      opts.Store,
		recorder:   opts.Recorder,
		observer:   opts.Observer,
		logger:     opts.Logger,
		retry:      opts.Retry.normalized(),
		recovery:   opts.Recovery,
		maxDepth:   opts.MaxDepth,
		revisit:    opts.AllowTopicRevisit,
		production: opts.Production,
	}
	if e.observer == nil {
		e.observer = NopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxDepth
	}
	return e, nil
}

// task is one entry of the cascade work list: either a trigger to fan out to
// the pipelines of its topic, or one pipeline to run for that trigger.
type task struct {
	ev       TriggerEvent
	pipeline *Pipeline
	depth    int
	chain    []string
}

// dispatch holds the per-call state of Dispatch and RunPipeline.
type dispatch struct {
	e      *Engine
	topics *requestTopics
	runner *stageRunner
	stack  []task
	errs   []error
}

func (e *Engine) newDispatch() *dispatch {
	topics := newRequestTopics(e.topics)
	return &dispatch{
		e:      e,
		topics: topics,
		runner: &stageRunner{
			store:    e.store,
			topics:   topics,
			policy:   e.retry,
			recovery: e.recovery,
			logger:   e.logger,
		},
	}
}

// Dispatch runs every pipeline bound to topicName for a write of kind, then
// the whole cascade those pipelines trigger, before returning.
//
// Pipeline failures are recorded in their RunStatus and never returned.
// Dispatch returns only contract errors: an unknown top-level topic, a
// pipeline loader failure, an invalid pipeline definition (reported after
// the rest of the cascade has run), or ctx cancellation, which stops the
// cascade at the next work item.
func (e *Engine) Dispatch(ctx context.Context, topicName string, kind TriggerKind, payload Payload) error {
	if !kind.Valid() {
		return fmt.Errorf("dispatch %q: invalid trigger kind %q", topicName, kind)
	}
	d := e.newDispatch()
	if _, err := d.topics.TopicByName(ctx, topicName); err != nil {
		return fmt.Errorf("dispatch %q: %w", topicName, err)
	}
	ev := TriggerEvent{TopicName: topicName, Kind: kind, Old: payload.Old, New: payload.New}
	d.push(task{ev: ev, chain: []string{topicName}})
	return d.drain(ctx)
}

// RunPipeline runs p alone for the given trigger, followed by the cascade it
// triggers, and returns p's status. The status is nil when p is disabled.
// It is used to re-run a failed pipeline from its recorded payload.
func (e *Engine) RunPipeline(ctx context.Context, p *Pipeline, kind TriggerKind, payload Payload) (*RunStatus, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("run pipeline %s: invalid trigger kind %q", p.ID, kind)
	}
	d := e.newDispatch()
	topic, err := d.topics.TopicByID(ctx, p.TopicID)
	if err != nil {
		return nil, fmt.Errorf("run pipeline %s: %w", p.ID, err)
	}
	ev := TriggerEvent{TopicName: topic.Name, Kind: kind, Old: payload.Old, New: payload.New}
	status := d.run(ctx, task{ev: ev, pipeline: p, chain: []string{topic.Name}})
	if err := d.drain(ctx); err != nil {
		return status, err
	}
	return status, nil
}

func (d *dispatch) push(t task) { d.stack = append(d.stack, t) }

// drain consumes the work list depth-first: the cascade of one pipeline run
// completes before the next pipeline of the same trigger starts.
func (d *dispatch) drain(ctx context.Context) error {
	for len(d.stack) > 0 {
		if err := ctx.Err(); err != nil {
			d.e.logger.Warn("cascade cancelled", "pending", len(d.stack), "error", err)
			return err
		}
		t := d.stack[len(d.stack)-1]
		d.stack = d.stack[:len(d.stack)-1]
		if t.pipeline == nil {
			if err := d.expand(ctx, t); err != nil {
				if t.depth == 0 {
					return err
				}
				d.e.logger.Error("cascade dispatch failed", "topic", t.ev.TopicName, "depth", t.depth, "error", err)
				d.errs = append(d.errs, err)
			}
			continue
		}
		d.run(ctx, t)
	}
	return errors.Join(d.errs...)
}

// expand resolves the pipelines bound to the trigger's topic and schedules them.
func (d *dispatch) expand(ctx context.Context, t task) error {
	d.e.observer.BeforeDispatch(ctx, t.ev, t.depth)
	topic, err := d.topics.TopicByName(ctx, t.ev.TopicName)
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", t.ev.TopicName, err)
	}
	pipelines, err := d.e.pipelines.PipelinesByTopicID(ctx, topic.ID)
	if err != nil {
		return fmt.Errorf("load pipelines of %q: %w", t.ev.TopicName, err)
	}
	var invalid []error
	runs := make([]task, 0, len(pipelines))
	for _, p := range pipelines {
		if err := p.Validate(); err != nil {
			invalid = append(invalid, err)
			continue
		}
		runs = append(runs, task{ev: t.ev, pipeline: p, depth: t.depth, chain: t.chain})
	}
	for i := len(runs) - 1; i >= 0; i-- {
		d.push(runs[i])
	}
	if len(invalid) > 0 {
		d.errs = append(d.errs, invalid...)
		for _, err := range invalid {
			d.e.logger.Error("invalid pipeline skipped", "topic", t.ev.TopicName, "error", err)
		}
	}
	return nil
}

// run executes one pipeline and schedules its merged trigger events.
func (d *dispatch) run(ctx context.Context, t task) *RunStatus {
	status, events := d.e.execute(ctx, d.runner, t.pipeline, t.ev, t.depth, t.chain)
	if len(events) == 0 {
		return status
	}
	children := make([]task, 0, len(events))
	for _, ev := range events {
		log := d.e.logger.With("pipeline_id", t.pipeline.ID, "run_id", status.UID, "topic", ev.TopicName, "depth", t.depth+1)
		if t.depth+1 > d.e.maxDepth {
			log.Warn("cascade dropped", "error", ErrCascadeDepth, "max_depth", d.e.maxDepth)
			continue
		}
		if !d.e.revisit && slices.Contains(t.chain, ev.TopicName) {
			log.Warn("cascade dropped", "error", ErrCascadeCycle, "chain", t.chain)
			continue
		}
		chain := append(slices.Clone(t.chain), ev.TopicName)
		children = append(children, task{ev: ev, depth: t.depth + 1, chain: chain})
	}
	for i := len(children) - 1; i >= 0; i-- {
		d.push(children[i])
	}
	return status
}

// execute performs one pipeline run and returns its status and the merged
// events to cascade. A disabled pipeline returns (nil, nil).
func (e *Engine) execute(ctx context.Context, runner *stageRunner, p *Pipeline, ev TriggerEvent, depth int, chain []string) (*RunStatus, []TriggerEvent) {
	if !p.Enabled {
		return nil, nil
	}
	start := time.Now()
	status := &RunStatus{
		UID:          uuid.NewString(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		TopicID:      p.TopicID,
		Trigger:      ev.Kind,
		Old:          ev.Old,
		New:          ev.New,
		StartTime:    start.UTC(),
		Depth:        depth,
		Stages:       []*StageRunStatus{},
	}
	log := e.logger.With("pipeline_id", p.ID, "run_id", status.UID, "depth", depth)

	topic, err := runner.topics.TopicByID(ctx, p.TopicID)
	if err != nil {
		e.finish(ctx, status, nil, start, fmt.Errorf("resolve topic: %w", err), log)
		return status, nil
	}
	log = log.With("topic", topic.Name)
	ec := newExecutionContext(p, ev.Kind, ev.Payload(), status, depth, chain)
	ec.Topic = topic
	e.observer.BeforeRun(ctx, status)

	ok, err := condition.Evaluate(p.On, ec.scope())
	if err != nil {
		e.finish(ctx, status, topic, start, &GuardError{Scope: "pipeline", Name: p.Name, Err: err}, log)
		return status, nil
	}
	if !ok {
		status.Status = StatusSkipped
		status.Elapsed = time.Since(start)
		log.Debug("pipeline skipped by guard")
		e.observer.AfterRun(ctx, status)
		return status, nil
	}

	var runErr error
	for i := range p.Stages {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		ss := &StageRunStatus{Name: p.Stages[i].Name, StartTime: time.Now().UTC()}
		sc := &StageExecutionContext{Run: ec, Stage: &p.Stages[i], Status: ss}
		stageStart := time.Now()
		runErr = runner.runStage(ctx, sc)
		ss.Elapsed = time.Since(stageStart)
		if runErr != nil {
			ss.Error = runErr.Error()
		}
		status.Stages = append(status.Stages, ss)
		e.observer.AfterStage(ctx, status, ss)
		if runErr != nil {
			break
		}
	}
	e.finish(ctx, status, topic, start, runErr, log)

	if status.Status != StatusFinished || topic.IsSystem() {
		return status, nil
	}
	return status, Merge(ec.Events, e.store.KeyField())
}

// finish sets the terminal state, notifies observers and records the status.
func (e *Engine) finish(ctx context.Context, status *RunStatus, topic *Topic, start time.Time, runErr error, log *slog.Logger) {
	status.Elapsed = time.Since(start)
	if runErr != nil {
		status.Status = StatusError
		status.Error = runErr.Error()
		log.Error("pipeline run failed", "elapsed", status.Elapsed, "error", runErr)
	} else {
		status.Status = StatusFinished
		log.Info("pipeline run finished", "elapsed", status.Elapsed, "stages", len(status.Stages))
	}
	e.observer.AfterRun(ctx, status)
	e.record(ctx, status, topic, log)
}

func (e *Engine) record(ctx context.Context, status *RunStatus, topic *Topic, log *slog.Logger) {
	if topic.IsSystem() {
		log.Debug("system topic run not recorded", "status", status.Status)
		return
	}
	if e.recorder == nil || (e.production && status.Status == StatusFinished) {
		return
	}
	if err := e.recorder.RecordRunStatus(context.WithoutCancel(ctx), status); err != nil {
		log.Warn("record run status", "error", err)
	}
}
