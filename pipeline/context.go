package pipeline

import (
	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
)

// VarRunID is the reserved variable holding the run's UID.
const VarRunID = "__runId"

// ExecutionContext is the state of one pipeline run. It is owned by that run
// and never shared across runs.
type ExecutionContext struct {
	Pipeline  *Pipeline
	Trigger   TriggerKind
	Old       map[string]any
	New       map[string]any
	Variables map[string]any
	Topic     *Topic
	Events    []TriggerEvent
	Status    *RunStatus

	depth int
	chain []string
}

func newExecutionContext(p *Pipeline, kind TriggerKind, payload Payload, status *RunStatus, depth int, chain []string) *ExecutionContext {
	return &ExecutionContext{
		Pipeline:  p,
		Trigger:   kind,
		Old:       payload.Old,
		New:       payload.New,
		Variables: map[string]any{VarRunID: status.UID},
		Status:    status,
		depth:     depth,
		chain:     chain,
	}
}

// Depth is the cascade depth of the run (0 for the caller's own write).
func (ec *ExecutionContext) Depth() int { return ec.depth }

// Chain lists the topics from the caller's write down to this run's topic.
func (ec *ExecutionContext) Chain() []string { return ec.chain }

// Emit appends a trigger event produced by a write.
func (ec *ExecutionContext) Emit(ev TriggerEvent) {
	ec.Events = append(ec.Events, ev)
}

func (ec *ExecutionContext) scope() condition.Scope {
	return condition.Scope{New: ec.New, Old: ec.Old, Vars: ec.Variables}
}

func (ec *ExecutionContext) env() map[string]any {
	return expression.Env(ec.New, ec.Old, ec.Variables)
}

// StageExecutionContext is created for one stage and discarded when it completes.
type StageExecutionContext struct {
	Run    *ExecutionContext
	Stage  *Stage
	Status *StageRunStatus
}
