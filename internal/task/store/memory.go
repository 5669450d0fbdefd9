package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"deferq/internal/task"
)

// table is the in-memory index shared by the memory and file backends.
// Callers hold the owning store's mutex.
type table struct {
	tasks   map[task.ID]*task.Task
	ordinal uint64
}

func newTable() *table {
	return &table{tasks: map[task.ID]*task.Task{}}
}

func (tb *table) put(t task.Task) {
	c := t.Clone()
	tb.tasks[t.ID] = &c
	if t.Ordinal > tb.ordinal {
		tb.ordinal = t.Ordinal
	}
}

func (tb *table) submit(t task.Task, now time.Time) (task.Task, error) {
	if t.ID != "" {
		if _, exists := tb.tasks[t.ID]; exists {
			return task.Task{}, errors.New("duplicate task id: " + string(t.ID))
		}
	}
	rec, err := prepareSubmit(t, tb.ordinal+1, now)
	if err != nil {
		return task.Task{}, err
	}
	tb.put(rec)
	return rec.Clone(), nil
}

// update applies fn to a copy and only commits when fn succeeds.
func (tb *table) update(id task.ID, fn func(t *task.Task) error) (task.Task, error) {
	cur, ok := tb.tasks[id]
	if !ok {
		return task.Task{}, notFound(id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return task.Task{}, err
	}
	next.ID = cur.ID
	next.Ordinal = cur.Ordinal
	tb.tasks[id] = &next
	return next.Clone(), nil
}

func (tb *table) get(id task.ID) (task.Task, error) {
	t, ok := tb.tasks[id]
	if !ok {
		return task.Task{}, notFound(id)
	}
	return t.Clone(), nil
}

func (tb *table) selectTasks(keep func(t *task.Task) bool) []task.Task {
	out := make([]task.Task, 0, 8)
	for _, t := range tb.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sortByOrdinal(out)
	return out
}

func (tb *table) nextDue(after time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range tb.tasks {
		if t.State != task.StateEnqueued || !t.NextDue.After(after) {
			continue
		}
		if !found || t.NextDue.Before(best) {
			best = t.NextDue
			found = true
		}
	}
	return best, found
}

func (tb *table) finishedBefore(before time.Time) []task.ID {
	var ids []task.ID
	for id, t := range tb.tasks {
		if t.Terminal() && !t.FinishedAt.IsZero() && t.FinishedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids
}

// memoryStore keeps everything in process memory. Nothing survives a restart.
type memoryStore struct {
	mu     sync.Mutex
	tb     *table
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{tb: newTable()}
}

var errClosed = errors.New("store closed")

func (s *memoryStore) Submit(ctx context.Context, t task.Task) (task.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errClosed
	}
	rec, err := s.tb.submit(t, time.Now())
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *memoryStore) Get(ctx context.Context, id task.ID) (task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.get(id)
}

func (s *memoryStore) Update(ctx context.Context, id task.ID, fn func(t *task.Task) error) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Task{}, errClosed
	}
	return s.tb.update(id, fn)
}

func (s *memoryStore) UpdateState(ctx context.Context, id task.ID, st task.State) error {
	_, err := s.Update(ctx, id, func(t *task.Task) error {
		t.Transition(st, time.Now())
		return nil
	})
	return err
}

func (s *memoryStore) Cancel(ctx context.Context, id task.ID) (task.Task, error) {
	return s.Update(ctx, id, func(t *task.Task) error {
		applyCancel(t, time.Now())
		return nil
	})
}

func (s *memoryStore) ListDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(func(t *task.Task) bool { return t.Periodic() && isEligible(t, now) }), nil
}

func (s *memoryStore) ListEligible(ctx context.Context, now time.Time) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(func(t *task.Task) bool { return isEligible(t, now) }), nil
}

func (s *memoryStore) NextDue(ctx context.Context, after time.Time) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.tb.nextDue(after)
	return at, ok, nil
}

func (s *memoryStore) List(ctx context.Context, f Filter) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tb.selectTasks(f.match), nil
}

func (s *memoryStore) Delete(ctx context.Context, id task.ID) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tb.tasks[id]; !ok {
		return notFound(id)
	}
	delete(s.tb.tasks, id)
	return nil
}

func (s *memoryStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.tb.finishedBefore(before)
	for _, id := range ids {
		delete(s.tb.tasks, id)
	}
	return len(ids), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
