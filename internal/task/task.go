package task

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID identifies a task. IDs are UUIDv7 strings, so lexical order follows
// creation order within one process.
type ID string

func (id ID) String() string { return string(id) }

// NewID returns a fresh, time-ordered identifier.
func NewID() ID {
	u, err := uuid.NewV7()
	if err != nil {
		return ID(uuid.NewString())
	}
	return ID(u.String())
}

// Backoff selects how retry delays grow.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
)

// RetryPolicy controls how failed runs are retried within one cycle.
//
// Zero fields are filled from scheduler defaults at submission time, so the
// stored policy is always the effective one.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    Backoff       `json:"backoff,omitempty"`
	Base       time.Duration `json:"base"`
	MaxDelay   time.Duration `json:"max_delay"`
	Jitter     float64       `json:"jitter"` // 0.2 = ±20%
}

// WithDefaults fills zero fields from def.
// A negative MaxRetries means "no retries" and is kept as 0.
func (p RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff == "" {
		p.Backoff = def.Backoff
	}
	if p.Backoff != BackoffLinear {
		p.Backoff = BackoffExponential
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Task is the durable record of a submitted unit of work.
type Task struct {
	ID      ID     `json:"id"`
	Ordinal uint64 `json:"ordinal"` // store-assigned submission order (FIFO tie-break)
	Kind    Kind   `json:"kind"`
	Worker  string `json:"worker"`

	Payload     Payload       `json:"payload"`
	Constraints ConstraintSet `json:"constraints,omitempty"`
	Retry       RetryPolicy   `json:"retry"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Tags        []string      `json:"tags,omitempty"`

	// Prerequisites must all succeed before a one-time task becomes eligible.
	Prerequisites []ID `json:"prerequisites,omitempty"`

	// Periodic tasks: either Interval or Schedule (cron expression) is set.
	Interval time.Duration `json:"interval,omitempty"`
	Schedule string        `json:"schedule,omitempty"`

	State           State     `json:"state"`
	Seq             uint64    `json:"seq"`     // bumped on every state transition
	Attempt         int       `json:"attempt"` // runs started in the current cycle
	Cycle           int       `json:"cycle"`   // completed periodic cycles
	LastError       string    `json:"last_error,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	NextDue         time.Time `json:"next_due"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// Periodic reports whether the task re-enqueues itself.
func (t *Task) Periodic() bool { return t.Kind == KindPeriodic }

// Terminal reports whether the task will never run again.
// Periodic tasks only terminate on cancellation.
func (t *Task) Terminal() bool {
	if t.State == StateCancelled {
		return true
	}
	if t.Periodic() {
		return false
	}
	return t.State == StateSucceeded || t.State == StateFailed
}

// Transition moves the task to st, bumping Seq and UpdatedAt.
func (t *Task) Transition(st State, now time.Time) {
	t.State = st
	t.Seq++
	t.UpdatedAt = now
	if t.Terminal() {
		t.FinishedAt = now
	}
}

// HasTag reports whether tag is attached to the task.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Clone returns a deep copy so stored records never alias caller memory.
func (t Task) Clone() Task {
	out := t
	out.Payload = t.Payload.Clone()
	out.Constraints = t.Constraints.Clone()
	if len(t.Tags) > 0 {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if len(t.Prerequisites) > 0 {
		out.Prerequisites = append([]ID(nil), t.Prerequisites...)
	}
	return out
}

// Validate checks the fields a caller supplies at submission time.
func (t *Task) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidTask, t.Kind)
	}
	if strings.TrimSpace(t.Worker) == "" {
		return fmt.Errorf("%w: worker name required", ErrInvalidTask)
	}
	if t.Periodic() {
		if t.Interval <= 0 && strings.TrimSpace(t.Schedule) == "" {
			return fmt.Errorf("%w: periodic task needs an interval or schedule", ErrInvalidInterval)
		}
		if len(t.Prerequisites) > 0 {
			return fmt.Errorf("%w: periodic tasks cannot have prerequisites", ErrInvalidTask)
		}
	} else if t.Interval != 0 || t.Schedule != "" {
		return fmt.Errorf("%w: one-time task cannot have an interval", ErrInvalidInterval)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidTask)
	}
	for _, tag := range t.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrInvalidTask)
		}
	}
	return nil
}
