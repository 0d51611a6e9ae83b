// Package observer provides pipeline.Recorder and pipeline.Observer
// implementations for monitoring pipeline runs.
//
//   - PostgresRecorder: persists each run and its stages to Postgres
//     (pipeline_run, pipeline_run_stage) in one transaction, and lists them
//     back with ListRuns.
//   - LogRecorder: writes each run as one structured log line.
//   - ArchiveRecorder: stores each run as a JSON object in a MinIO/S3 bucket.
//   - MultiRecorder: fans a status out to several recorders.
//   - Metrics: a pipeline.Observer exporting Prometheus counters and
//     histograms for dispatches, runs and stages.
//   - Replayer: claims failed runs recorded in pipeline_run and runs their
//     pipeline again with the recorded payload. Call ReplayFailed
//     periodically (e.g. from a cron job).
//
// Single-run concurrency (e.g. multiple k8s pods):
//
// ReplayFailed claims rows with FOR UPDATE SKIP LOCKED, so each failed run is
// replayed by only one replayer. Pass a unique claimID per pod (e.g.
// os.Hostname() or the pod name); claims older than 5 minutes are treated as
// unclaimed.
package observer
