package pipeline

import "time"

// RunState is the terminal state of a run.
type RunState string

const (
	StatusFinished RunState = "FINISHED"
	StatusError    RunState = "ERROR"
	StatusSkipped  RunState = "SKIPPED"
)

// RunStatus is the monitoring record of one pipeline run. The engine creates
// it at run start, fills it in as stages complete, and hands it to the
// Recorder at the end. It is never read back by the engine.
type RunStatus struct {
	UID          string            `json:"uid"`
	PipelineID   string            `json:"pipelineId"`
	PipelineName string            `json:"pipelineName"`
	TopicID      string            `json:"topicId"`
	Trigger      TriggerKind       `json:"trigger"`
	Old          map[string]any    `json:"oldValue,omitempty"`
	New          map[string]any    `json:"newValue,omitempty"`
	StartTime    time.Time         `json:"startTime"`
	Elapsed      time.Duration     `json:"elapsed"`
	Status       RunState          `json:"status"`
	Error        string            `json:"error,omitempty"`
	Depth        int               `json:"depth"`
	Stages       []*StageRunStatus `json:"stages"`
}

// StageRunStatus records one attempted stage.
type StageRunStatus struct {
	Name      string           `json:"name"`
	Skipped   bool             `json:"skipped,omitempty"`
	StartTime time.Time        `json:"startTime"`
	Elapsed   time.Duration    `json:"elapsed"`
	Error     string           `json:"error,omitempty"`
	Units     []*UnitRunStatus `json:"units,omitempty"`
}

// UnitRunStatus records one unit. Iterations counts loop passes (1 without a loop).
type UnitRunStatus struct {
	Name       string             `json:"name"`
	Skipped    bool               `json:"skipped,omitempty"`
	Iterations int                `json:"iterations"`
	Actions    []*ActionRunStatus `json:"actions,omitempty"`
}

// ActionRunStatus records one executed action. Attempts is above 1 only for
// writes that hit optimistic-lock conflicts.
type ActionRunStatus struct {
	Kind     ActionKind    `json:"kind"`
	TopicID  string        `json:"topicId,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}
