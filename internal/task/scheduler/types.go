package scheduler

import (
	"context"
	"time"

	"deferq/internal/runtime/supervisor"
	"deferq/internal/task"
	"deferq/internal/task/constraint"
)

const maxWorkers = 256

// Config controls the scheduler core. Zero fields take defaults.
type Config struct {
	// Workers bounds the number of concurrently Running tasks.
	Workers int

	// DefaultTimeout applies when a task has no Timeout. 0 means none.
	DefaultTimeout time.Duration

	// MinPeriodicInterval clamps periodic intervals (default 15m).
	MinPeriodicInterval time.Duration

	// Retry holds the defaults for fields a submission leaves zero.
	Retry task.RetryPolicy

	// DispatchRatePerSec limits how fast tasks enter Running. 0 disables.
	DispatchRatePerSec float64
	DispatchBurst      int

	// Retention is how long finished one-time and cancelled tasks are kept.
	Retention    time.Duration
	JanitorEvery time.Duration

	// Timezone evaluates cron schedules (IANA name, default local).
	Timezone string

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.MinPeriodicInterval <= 0 {
		c.MinPeriodicInterval = 15 * time.Minute
	}
	c.Retry = c.Retry.WithDefaults(task.RetryPolicy{
		MaxRetries: 3,
		Backoff:    task.BackoffExponential,
		Base:       30 * time.Second,
		MaxDelay:   time.Hour,
		Jitter:     0.2,
	})
	if c.DispatchRatePerSec < 0 {
		c.DispatchRatePerSec = 0
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.JanitorEvery <= 0 {
		c.JanitorEvery = 10 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Worker is a registered task body.
//
// Run should return promptly once ctx is done: cancellation and shutdown are
// cooperative. Wrap permanent failures with NoRetry.
type Worker interface {
	Run(ctx context.Context, payload task.Payload) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, payload task.Payload) error

func (f WorkerFunc) Run(ctx context.Context, payload task.Payload) error { return f(ctx, payload) }

// RunInfo describes the current run to a worker body.
type RunInfo struct {
	TaskID  task.ID
	Worker  string
	Attempt int // 1 for the first run of a cycle
	Cycle   int
	Tags    []string
}

type runInfoKey struct{}

// InfoFrom returns the RunInfo attached to a worker's context.
func InfoFrom(ctx context.Context) (RunInfo, bool) {
	ri, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return ri, ok
}

// Option customizes a single submission.
type Option func(*submitOptions)

type submitOptions struct {
	retry         task.RetryPolicy
	timeout       time.Duration
	tags          []string
	initialDelay  time.Duration
	prerequisites []task.ID
}

// WithRetry overrides the retry policy; zero fields keep the defaults.
func WithRetry(p task.RetryPolicy) Option { return func(o *submitOptions) { o.retry = p } }

// WithTimeout bounds each run. Exceeding it counts as a failure.
func WithTimeout(d time.Duration) Option { return func(o *submitOptions) { o.timeout = d } }

func WithTags(tags ...string) Option {
	return func(o *submitOptions) { o.tags = append(o.tags, tags...) }
}

// WithInitialDelay postpones the first eligibility.
func WithInitialDelay(d time.Duration) Option {
	return func(o *submitOptions) { o.initialDelay = d }
}

// WithPrerequisites chains a one-time task after others: it runs only once
// all of them succeeded, and fails (or is cancelled) if any of them does.
func WithPrerequisites(ids ...task.ID) Option {
	return func(o *submitOptions) { o.prerequisites = append(o.prerequisites, ids...) }
}

// HistoryItem records one finished run.
type HistoryItem struct {
	TaskID   task.ID       `json:"task_id"`
	Worker   string        `json:"worker"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempt  int           `json:"attempt"`
	Cycle    int           `json:"cycle"`
	Outcome  task.State    `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running    bool                     `json:"running"`
	Workers    int                      `json:"workers"`
	InFlight   int                      `json:"in_flight"`
	Registered []string                 `json:"registered"`
	Counts     map[string]int           `json:"counts"`
	Signals    []constraint.SignalValue `json:"signals"`
	Retry      task.RetryPolicy         `json:"retry"`
	Timezone   string                   `json:"timezone"`
	History    []HistoryItem            `json:"history"`
	Supervisor supervisor.Snapshot      `json:"supervisor"`
}
