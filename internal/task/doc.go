// Package task defines the deferred task model shared by the store,
// the constraint evaluator, the status notifier and the scheduler core.
//
// A Task is created on submission and mutated only by the scheduler
// (state, next-due timestamp, counters). Callers never touch stored
// fields directly; every read returns a deep copy.
package task
