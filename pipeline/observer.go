package pipeline

import "context"

// Observer receives engine events for logging and metrics. Hooks are called
// synchronously on the dispatching goroutine, for every run including system
// topic and skipped runs, and must not block. Unlike Recorder, observers see
// everything; suppression rules apply only to the Recorder.
type Observer interface {
	// BeforeDispatch is called for every trigger taken off the work list.
	BeforeDispatch(ctx context.Context, ev TriggerEvent, depth int)
	// BeforeRun is called once the pipeline is enabled and its topic resolved.
	BeforeRun(ctx context.Context, status *RunStatus)
	// AfterStage is called after each attempted stage.
	AfterStage(ctx context.Context, status *RunStatus, stage *StageRunStatus)
	// AfterRun is called with the terminal status (FINISHED, ERROR or SKIPPED).
	AfterRun(ctx context.Context, status *RunStatus)
}

// NopObserver implements Observer with no-ops. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) BeforeDispatch(context.Context, TriggerEvent, int) {}
func (NopObserver) BeforeRun(context.Context, *RunStatus) {}
func (NopObserver) AfterStage(context.Context, *RunStatus, *StageRunStatus) {}
func (NopObserver) AfterRun(context.Context, *RunStatus) {}

// MultiObserver fans out every hook to observers in order. Nil entries are skipped.
func MultiObserver(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return multiObserver(list)
}

type multiObserver []Observer

func (m multiObserver) BeforeDispatch(ctx context.Context, ev TriggerEvent, depth int) {
	for _, o := range m {
		o.BeforeDispatch(ctx, ev, depth)
	}
}

func (m multiObserver) BeforeRun(ctx context.Context, status *RunStatus) {
	for _, o := range m {
		o.BeforeRun(ctx, status)
	}
}

func (m multiObserver) AfterStage(ctx context.Context, status *RunStatus, stage *StageRunStatus) {
	for _, o := range m {
		o.AfterStage(ctx, status, stage)
	}
}

func (m multiObserver) AfterRun(ctx context.Context, status *RunStatus) {
	for _, o := range m {
		o.AfterRun(ctx, status)
	}
}
