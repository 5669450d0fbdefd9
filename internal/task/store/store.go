package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// errWriteConflict is returned by backends when an optimistic write lost a race.
// Update retries it; it never leaves this package.
var errWriteConflict = errors.New("store write conflict")

// Store is the persistence API used by the scheduler core.
type Store interface {
	// Submit persists a new task. An empty ID is assigned; Ordinal,
	// CreatedAt and UpdatedAt are always set by the store.
	Submit(ctx context.Context, t task.Task) (task.ID, error)
	Get(ctx context.Context, id task.ID) (task.Task, error)

	// Update atomically applies fn to the stored task. If fn returns an
	// error nothing is written and the error is returned as-is.
	Update(ctx context.Context, id task.ID, fn func(t *task.Task) error) (task.Task, error)

	// UpdateState moves a task to st (bumping its sequence number).
	UpdateState(ctx context.Context, id task.ID, st task.State) error

	// Cancel marks an Enqueued task Cancelled and flags a Running task
	// for cooperative cancellation. Terminal tasks are returned unchanged.
	Cancel(ctx context.Context, id task.ID) (task.Task, error)

	// ListDue returns Enqueued periodic tasks whose next-due is <= now.
	ListDue(ctx context.Context, now time.Time) ([]task.Task, error)
	// ListEligible returns every Enqueued task whose next-due is <= now,
	// ordered by submission ordinal.
	ListEligible(ctx context.Context, now time.Time) ([]task.Task, error)
	// NextDue returns the earliest next-due of an Enqueued task strictly after `after`.
	NextDue(ctx context.Context, after time.Time) (time.Time, bool, error)

	List(ctx context.Context, f Filter) ([]task.Task, error)
	Delete(ctx context.Context, id task.ID) error
	// PruneFinished deletes terminal tasks finished before `before`.
	PruneFinished(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Filter selects tasks for List. Zero value matches everything.
type Filter struct {
	States []task.State
	Tag    string
	Worker string
}

func (f Filter) match(t *task.Task) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	if f.Worker != "" && t.Worker != f.Worker {
		return false
	}
	return true
}

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": journal + snapshot under Path (a file prefix)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// applyCancel is the shared Cancel transition used by every backend.
func applyCancel(t *task.Task, now time.Time) {
	if t.Terminal() {
		return
	}
	switch t.State {
	case task.StateRunning:
		t.CancelRequested = true
		t.UpdatedAt = now
	default:
		t.CancelRequested = true
		t.Transition(task.StateCancelled, now)
	}
}

// prepareSubmit fills store-owned fields and validates the record.
func prepareSubmit(t task.Task, ordinal uint64, now time.Time) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	t = t.Clone()
	if strings.TrimSpace(string(t.ID)) == "" {
		t.ID = task.NewID()
	}
	t.Ordinal = ordinal
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.NextDue.IsZero() {
		t.NextDue = t.CreatedAt
	}
	return t, nil
}

func sortByOrdinal(ts []task.Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Ordinal < ts[j].Ordinal })
}

func isEligible(t *task.Task, now time.Time) bool {
	return t.State == task.StateEnqueued && !t.NextDue.After(now)
}

func notFound(id task.ID) error {
	return fmt.Errorf("%w: %s", task.ErrNotFound, id)
}
