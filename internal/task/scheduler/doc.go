// Package scheduler is the scheduler core: it admits Enqueued tasks whose
// constraints hold into a bounded worker pool, runs registered workers,
// applies retry/backoff, re-enqueues periodic tasks and publishes every
// state transition through the status notifier.
//
// Admission runs in a single goroutine that wakes on submission, completion,
// signal change or the earliest next-due time; it never waits on a task body.
// Transitions of one task are serialized by a striped lock held across the
// store write and the status publish.
package scheduler
