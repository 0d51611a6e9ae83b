// Package topicstore stores topic records for the pipeline engine.
//
//   - Memory: a mutex-guarded in-process store for tests, the CLI and
//     single-node use.
//   - Postgres: a pgx-backed store keeping every topic in one table
//     (topic_data) with the record body in a jsonb column. Match lookups use
//     jsonb containment; updates are guarded by the version column so a stale
//     writer gets pipeline.ErrConflict and the engine retries.
//
// Both stores put the record key in the data under KeyField ("id_"), which
// is what the engine merges trigger events by.
package topicstore
