// Package pipeline executes topic pipelines and propagates the triggers they
// produce. A write to a topic dispatches every enabled pipeline bound to it;
// each pipeline runs its stages, units and actions in declaration order, and
// the writes those actions perform trigger the pipelines of the written
// topics in turn (cascading).
//
//	eng, err := pipeline.NewEngine(pipeline.Options{
//	    Topics:    catalog,
//	    Pipelines: catalog,
//	    Store:     store,
//	    Recorder:  recorder,
//	})
//	err = eng.Dispatch(ctx, "orders", pipeline.TriggerInsert, pipeline.Payload{New: order})
//
// # Runs
//
// A run goes INIT -> GUARD_CHECK -> SKIPPED | RUNNING -> FINISHED | ERROR.
// Disabled pipelines are inert and produce no status. A pipeline whose guard
// is false ends SKIPPED with no stages; skipped runs reach observers but are
// not recorded. The first failing stage ends the run with ERROR and later
// stages do not run. Failures are recorded and swallowed: Dispatch does not
// return them, so a broken pipeline never fails the write that triggered it.
//
// Statuses go to the Recorder except for system topics (logged at debug
// instead) and, with Options.Production, successful runs.
//
// # Writes and retries
//
// Write actions are optimistic-lock guarded. A store reports a stale version
// with an error wrapping ErrConflict; WithRetry re-reads and retries with a
// fixed backoff up to ConflictPolicy.MaxAttempts attempts and then hands the
// write to Options.Recovery (default: fail with ErrRetryExhausted).
//
// # Cascading
//
// Each successful write appends a TriggerEvent to the run. When the run
// finishes (and its topic is not a system topic) the events are merged by
// MergeQueue, so repeated updates of one record dispatch once, and pushed on
// an explicit work list. The list is consumed depth-first, matching the order
// of a recursive implementation, and is bounded by Options.MaxDepth and a
// per-chain visited-topic check. ctx is checked before every work item, so a
// cancelled request stops its cascade.
package pipeline
