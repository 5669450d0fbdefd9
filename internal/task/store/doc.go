// Package store is the durable record of submitted tasks.
//
// Backends:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file":   JSON Lines journal + periodic snapshot compaction
//   - "sqlite": SQLite database (modernc.org/sqlite, WAL)
//
// All writes are atomic per task; concurrent updates to the same task
// serialize. Write conflicts are retried inside the backend and never
// surface to callers.
package store
