package pipeline

import (
	"fmt"
	"strings"

	"github.com/dcshock/topicpipe/condition"
	"github.com/dcshock/topicpipe/expression"
)

// TriggerKind is the nature of the write that started a run.
type TriggerKind string

const (
	TriggerInsert TriggerKind = "insert"
	TriggerUpdate TriggerKind = "update"
)

// Valid reports whether k is insert or update.
func (k TriggerKind) Valid() bool { return k == TriggerInsert || k == TriggerUpdate }

// Payload is the triggering record: Old is nil for inserts.
type Payload struct {
	Old map[string]any `json:"old,omitempty"`
	New map[string]any `json:"new"`
}

// TriggerEvent describes one write performed by an action. Events are merged
// per run (see MergeQueue) and then dispatched to the pipelines of TopicName.
type TriggerEvent struct {
	TopicName string         `json:"topic"`
	Kind      TriggerKind    `json:"kind"`
	Old       map[string]any `json:"old,omitempty"`
	New       map[string]any `json:"new"`
}

// Payload returns the event's record values.
func (e TriggerEvent) Payload() Payload { return Payload{Old: e.Old, New: e.New} }

// TopicKind classifies a topic. System topics neither cascade nor get monitored.
type TopicKind string

const (
	TopicBusiness TopicKind = "business"
	TopicRaw      TopicKind = "raw"
	TopicSystem   TopicKind = "system"
)

// Topic is the part of a topic definition the engine needs.
type Topic struct {
	ID   string
	Name string
	Kind TopicKind
}

// IsSystem reports whether t is a system topic.
func (t *Topic) IsSystem() bool { return t != nil && t.Kind == TopicSystem }

// Pipeline is a guarded sequence of stages reacting to writes on TopicID.
// Pipelines are immutable once loaded; the engine never modifies them.
type Pipeline struct {
	ID      string
	Name    string
	TopicID string
	On      condition.Expr // nil: always run
	Enabled bool
	Stages  []Stage
}

// Stage runs its units in order.
type Stage struct {
	Name  string
	On    condition.Expr
	Units []Unit
}

// Unit runs its actions in order. When LoopVariable is set the variable must
// hold a list and the actions run once per element, with the variable bound
// to the element for the duration of that iteration.
type Unit struct {
	Name         string
	On           condition.Expr
	LoopVariable string
	Actions      []Action
}

// ActionKind names an action type.
type ActionKind string

const (
	ActionInsertRow        ActionKind = "insert-row"
	ActionMergeRow         ActionKind = "merge-row"
	ActionInsertOrMergeRow ActionKind = "insert-or-merge-row"
	ActionReadRow          ActionKind = "read-row"
	ActionExists           ActionKind = "exists"
	ActionCopyToMemory     ActionKind = "copy-to-memory"
	ActionAlarm            ActionKind = "alarm"
)

// Action is one typed operation: *WriteRow, *ReadRow, *CopyToMemory or *Alarm.
type Action interface {
	Kind() ActionKind
}

// WriteMode selects how WriteRow stores its values.
type WriteMode string

const (
	WriteInsert        WriteMode = "insert"
	WriteMerge         WriteMode = "merge"
	WriteInsertOrMerge WriteMode = "insert-or-merge"
)

// WriteRow writes Values into the topic TopicID. Merge modes locate the target
// record with Match. Every successful write emits a TriggerEvent.
type WriteRow struct {
	Mode    WriteMode
	TopicID string
	Match   map[string]*expression.Expression
	Values  map[string]*expression.Expression
}

// Kind implements Action.
func (a *WriteRow) Kind() ActionKind {
	switch a.Mode {
	case WriteMerge:
		return ActionMergeRow
	case WriteInsertOrMerge:
		return ActionInsertOrMergeRow
	default:
		return ActionInsertRow
	}
}

// ReadRow loads the record matching Match from TopicID into Variable. With
// ExistsOnly the variable receives a bool instead of the record data.
type ReadRow struct {
	TopicID    string
	Match      map[string]*expression.Expression
	Variable   string
	ExistsOnly bool
}

// Kind implements Action.
func (a *ReadRow) Kind() ActionKind {
	if a.ExistsOnly {
		return ActionExists
	}
	return ActionReadRow
}

// CopyToMemory assigns the result of Value to Variable.
type CopyToMemory struct {
	Variable string
	Value    *expression.Expression
}

// Kind implements Action.
func (*CopyToMemory) Kind() ActionKind { return ActionCopyToMemory }

// Alarm logs Message at Severity (debug, info, warn, error).
type Alarm struct {
	Severity string
	Message  *expression.Expression
}

// Kind implements Action.
func (*Alarm) Kind() ActionKind { return ActionAlarm }

// Validate checks the structural rules the engine relies on. Dispatch refuses
// to run an invalid pipeline and returns the error to the caller.
func (p *Pipeline) Validate() error {
	if p == nil {
		return &ValidationError{Reason: "pipeline is nil"}
	}
	fail := func(format string, args ...any) error {
		return &ValidationError{PipelineID: p.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(p.ID) == "" {
		return fail("id required")
	}
	if strings.TrimSpace(p.TopicID) == "" {
		return fail("topic id required")
	}
	for si, s := range p.Stages {
		for ui, u := range s.Units {
			for ai, a := range u.Actions {
				if err := validateAction(a); err != nil {
					return fail("stage %d (%s) unit %d action %d: %v", si, s.Name, ui, ai, err)
				}
			}
		}
	}
	return nil
}

func validateAction(a Action) error {
	switch act := a.(type) {
	case *WriteRow:
		if act.TopicID == "" {
			return fmt.Errorf("%s: topic required", act.Kind())
		}
		switch act.Mode {
		case WriteInsert, WriteMerge, WriteInsertOrMerge:
		default:
			return fmt.Errorf("unknown write mode %q", act.Mode)
		}
		if act.Mode != WriteInsert && len(act.Match) == 0 {
			return fmt.Errorf("%s: match required", act.Kind())
		}
		if len(act.Values) == 0 {
			return fmt.Errorf("%s: values required", act.Kind())
		}
	case *ReadRow:
		if act.TopicID == "" || act.Variable == "" {
			return fmt.Errorf("%s: topic and variable required", act.Kind())
		}
		if len(act.Match) == 0 {
			return fmt.Errorf("%s: match required", act.Kind())
		}
	case *CopyToMemory:
		if act.Variable == "" || act.Value == nil {
			return fmt.Errorf("%s: variable and value required", act.Kind())
		}
		if act.Variable == VarRunID {
			return fmt.Errorf("%s: %s is reserved", act.Kind(), VarRunID)
		}
	case *Alarm:
		if act.Message == nil {
			return fmt.Errorf("%s: message required", act.Kind())
		}
	case nil:
		return fmt.Errorf("nil action")
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
	return nil
}
