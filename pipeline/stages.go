package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
)

// WriteResult is the outcome of a WriteRow: the record as stored and, for
// updates, the record before the write.
type WriteResult struct {
	Kind   TriggerKind
	Old    map[string]any
	Record Record
}

// WriteConflict describes a write that conflicted on every attempt.
type WriteConflict struct {
	Topic    *Topic
	Action   *WriteRow
	Match    map[string]any
	Values   map[string]any
	Attempts int
	Err      error
}

// RecoveryFunc handles a write whose conflict retries are exhausted. A result
// with non-nil Record.Data is treated like a successful write and emits a
// trigger event; an error fails the action.
type RecoveryFunc func(ctx context.Context, c WriteConflict) (WriteResult, error)

// stageRunner executes stages for one Dispatch call.
type stageRunner struct {
	store    RecordStore
	topics   TopicLoader
	policy   ConflictPolicy
	recovery RecoveryFunc
	logger   *slog.Logger
}

// runStage runs the stage's units in order, stopping at the first error.
// Panics raised by actions are converted to errors so one broken pipeline
// cannot take the dispatching caller down.
func (r *stageRunner) runStage(ctx context.Context, sc *StageExecutionContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %q panicked: %v", sc.Stage.Name, p)
		}
	}()
	ec := sc.Run
	ok, err := condition.Evaluate(sc.Stage.On, ec.scope())
	if err != nil {
		return &GuardError{Scope: "stage", Name: sc.Stage.Name, Err: err}
	}
	if !ok {
		sc.Status.Skipped = true
		return nil
	}
	for i := range sc.Stage.Units {
		if err := ctx.Err(); err != nil {
			return err
		}
		u := &sc.Stage.Units[i]
		us := &UnitRunStatus{Name: u.Name}
		sc.Status.Units = append(sc.Status.Units, us)
		if err := r.runUnit(ctx, sc, u, us); err != nil {
			return err
		}
	}
	return nil
}

func (r *stageRunner) runUnit(ctx context.Context, sc *StageExecutionContext, u *Unit, us *UnitRunStatus) error {
	ec := sc.Run
	if u.LoopVariable == "" {
		ok, err := condition.Evaluate(u.On, ec.scope())
		if err != nil {
			return &GuardError{Scope: "unit", Name: u.Name, Err: err}
		}
		if !ok {
			us.Skipped = true
			return nil
		}
		us.Iterations = 1
		return r.runActions(ctx, sc, u, us)
	}

	prev, had := ec.Variables[u.LoopVariable]
	items, err := asList(prev)
	if err != nil {
		return fmt.Errorf("unit %q loop variable %q: %w", u.Name, u.LoopVariable, err)
	}
	defer func() {
		if had {
			ec.Variables[u.LoopVariable] = prev
		} else {
			delete(ec.Variables, u.LoopVariable)
		}
	}()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		ec.Variables[u.LoopVariable] = item
		ok, err := condition.Evaluate(u.On, ec.scope())
		if err != nil {
			return &GuardError{Scope: "unit", Name: u.Name, Err: err}
		}
		if !ok {
			continue
		}
		us.Iterations++
		if err := r.runActions(ctx, sc, u, us); err != nil {
			return err
		}
	}
	us.Skipped = us.Iterations == 0
	return nil
}

func (r *stageRunner) runActions(ctx context.Context, sc *StageExecutionContext, u *Unit, us *UnitRunStatus) error {
	for i, a := range u.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		as := &ActionRunStatus{Kind: a.Kind()}
		us.Actions = append(us.Actions, as)
		start := time.Now()
		err := r.runAction(ctx, sc.Run, a, as)
		as.Elapsed = time.Since(start)
		if err != nil {
			as.Error = err.Error()
			return &ActionError{Stage: sc.Stage.Name, Unit: u.Name, Index: i, Action: a.Kind(), Err: err}
		}
	}
	return nil
}

func (r *stageRunner) runAction(ctx context.Context, ec *ExecutionContext, a Action, as *ActionRunStatus) error {
	switch act := a.(type) {
	case *WriteRow:
		as.TopicID = act.TopicID
		return r.writeRow(ctx, ec, act, as)
	case *ReadRow:
		as.TopicID = act.TopicID
		return r.readRow(ctx, ec, act)
	case *CopyToMemory:
		v, err := act.Value.Eval(ec.env())
		if err != nil {
			return err
		}
		ec.Variables[act.Variable] = v
		return nil
	case *Alarm:
		msg, err := act.Message.Eval(ec.env())
		if err != nil {
			return err
		}
		r.logger.Log(ctx, alarmLevel(act.Severity), "pipeline alarm",
			"pipeline_id", ec.Pipeline.ID,
			"run_id", ec.Status.UID,
			"depth", ec.Depth(),
			"chain", ec.Chain(),
			"message", fmt.Sprint(msg))
		return nil
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

func (r *stageRunner) writeRow(ctx context.Context, ec *ExecutionContext, act *WriteRow, as *ActionRunStatus) error {
	topic, err := r.topics.TopicByID(ctx, act.TopicID)
	if err != nil {
		return err
	}
	env := ec.env()
	values, err := expression.EvalMap(act.Values, env)
	if err != nil {
		return fmt.Errorf("values: %w", err)
	}
	var match map[string]any
	if act.Mode != WriteInsert {
		if match, err = expression.EvalMap(act.Match, env); err != nil {
			return fmt.Errorf("match: %w", err)
		}
	}

	res, err := WithRetry(ctx, r.policy,
		func(ctx context.Context, attempt int) (WriteResult, error) {
			as.Attempts = attempt
			return r.write(ctx, topic, act, match, values)
		},
		func(ctx context.Context, cause error) (WriteResult, error) {
			if r.recovery == nil {
				return WriteResult{}, exhausted(cause)
			}
			return r.recovery(ctx, WriteConflict{
				Topic:    topic,
				Action:   act,
				Match:    match,
				Values:   values,
				Attempts: as.Attempts,
				Err:      cause,
			})
		})
	if err != nil {
		return err
	}
	if res.Record.Data != nil {
		ec.Emit(TriggerEvent{TopicName: topic.Name, Kind: res.Kind, Old: res.Old, New: res.Record.Data})
	}
	return nil
}

// write performs one attempt: merge modes re-read the target record each
// time so a retry works on the latest version.
func (r *stageRunner) write(ctx context.Context, topic *Topic, act *WriteRow, match, values map[string]any) (WriteResult, error) {
	if act.Mode == WriteInsert {
		rec, err := r.store.InsertRecord(ctx, topic.Name, values)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Kind: TriggerInsert, Record: rec}, nil
	}
	existing, found, err := r.store.FindRecord(ctx, topic.Name, match)
	if err != nil {
		return WriteResult{}, err
	}
	if !found {
		if act.Mode == WriteMerge {
			return WriteResult{}, fmt.Errorf("no %s record matches %v", topic.Name, match)
		}
		data := copyMap(match)
		for k, v := range values {
			data[k] = v
		}
		rec, err := r.store.InsertRecord(ctx, topic.Name, data)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Kind: TriggerInsert, Record: rec}, nil
	}
	rec, err := r.store.UpdateRecord(ctx, topic.Name, existing, values)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Kind: TriggerUpdate, Old: existing.Data, Record: rec}, nil
}

func (r *stageRunner) readRow(ctx context.Context, ec *ExecutionContext, act *ReadRow) error {
	topic, err := r.topics.TopicByID(ctx, act.TopicID)
	if err != nil {
		return err
	}
	match, err := expression.EvalMap(act.Match, ec.env())
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	rec, found, err := r.store.FindRecord(ctx, topic.Name, match)
	if err != nil {
		return err
	}
	switch {
	case act.ExistsOnly:
		ec.Variables[act.Variable] = found
	case found:
		ec.Variables[act.Variable] = rec.Data
	default:
		ec.Variables[act.Variable] = nil
	}
	return nil
}

// asList accepts any slice or array; nil means no iterations.
func asList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if l, ok := v.([]any); ok {
		return l, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func alarmLevel(severity string) slog.Level {
	switch strings.ToLower(severity) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning", "medium":
		return slog.LevelWarn
	case "error", "high", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
