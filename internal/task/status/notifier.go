// Package status fans task state transitions out to per-task subscribers.
//
// Each subscription is an unbounded, ordered queue: publishers never block
// and a slow reader never loses a transition. Every transition is also
// published on the event bus as a best-effort "task.state" event.
package status

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"deferq/internal/eventbus"
	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// EventType is the event bus type used for every transition.
const EventType = "task.state"

// ErrDone is returned by Next once the stream has ended: the task reached a
// final state, the subscription was closed, or the notifier shut down.
var ErrDone = errors.New("status subscription done")

// Update describes one state transition of a task.
type Update struct {
	TaskID  task.ID    `json:"task_id"`
	Worker  string     `json:"worker"`
	Kind    task.Kind  `json:"kind"`
	State   task.State `json:"state"`
	Seq     uint64     `json:"seq"`
	Cycle   int        `json:"cycle"`
	Attempt int        `json:"attempt"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// FromTask builds the update describing t's current state.
func FromTask(t *task.Task) Update {
	return Update{
		TaskID:  t.ID,
		Worker:  t.Worker,
		Kind:    t.Kind,
		State:   t.State,
		Seq:     t.Seq,
		Cycle:   t.Cycle,
		Attempt: t.Attempt,
		Error:   t.LastError,
		At:      t.UpdatedAt,
	}
}

// Final reports whether no transition can follow u.
func (u Update) Final() bool {
	if u.State == task.StateCancelled {
		return true
	}
	if u.Kind == task.KindPeriodic {
		return false
	}
	return u.State.Finished()
}

// Notifier routes updates to subscribers of the same task.
type Notifier struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	subs   map[task.ID]map[uint64]*Subscription
	seq    atomic.Uint64
	closed bool
}

// New returns a notifier. bus may be nil.
func New(bus eventbus.Bus, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, bus: bus, subs: map[task.ID]map[uint64]*Subscription{}}
}

// Publish delivers u to every subscriber of u.TaskID. It never blocks.
//
// Callers serialize publishes per task; the notifier only guarantees it does
// not reorder what it is given.
func (n *Notifier) Publish(u Update) {
	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs[u.TaskID]))
	for _, s := range n.subs[u.TaskID] {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.push(u)
	}
	if n.bus != nil {
		n.bus.Publish(eventbus.Event{Type: EventType, Time: u.At, Data: u})
	}
}

// Subscribe registers a subscriber for current.TaskID and queues current as
// its first update, so a late subscriber sees the present state (and nothing
// older). If current is already final the stream yields it and ends.
func (n *Notifier) Subscribe(current Update) *Subscription {
	s := &Subscription{
		id:     n.seq.Add(1),
		taskID: current.TaskID,
		owner:  n,
		wake:   make(chan struct{}, 1),
	}
	s.push(current)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		s.finish()
		return s
	}
	if s.isDone() {
		return s
	}
	m := n.subs[current.TaskID]
	if m == nil {
		m = map[uint64]*Subscription{}
		n.subs[current.TaskID] = m
	}
	m[s.id] = s
	return s
}

// Subscribers returns the number of live subscriptions for id.
func (n *Notifier) Subscribers(id task.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id])
}

// Close ends every subscription. Queued updates remain readable.
func (n *Notifier) Close() {
	n.mu.Lock()
	all := n.subs
	n.subs = map[task.ID]map[uint64]*Subscription{}
	n.closed = true
	n.mu.Unlock()
	for _, m := range all {
		for _, s := range m {
			s.finish()
		}
	}
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m := n.subs[s.taskID]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(n.subs, s.taskID)
		}
	}
}

// Subscription is a lazy, ordered stream of updates for one task. It carries
// no ownership of the task: closing it never affects scheduling.
type Subscription struct {
	id     uint64
	taskID task.ID
	owner  *Notifier

	mu      sync.Mutex
	queue   []Update
	lastSeq uint64
	started bool
	ended   bool // no more pushes accepted
	wake    chan struct{}
}

// TaskID is the observed task.
func (s *Subscription) TaskID() task.ID { return s.taskID }

func (s *Subscription) push(u Update) {
	s.mu.Lock()
	if s.ended || (s.started && u.Seq <= s.lastSeq) {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastSeq = u.Seq
	s.queue = append(s.queue, u)
	final := u.Final()
	if final {
		s.ended = true
	}
	s.mu.Unlock()

	s.signal()
	if final && s.owner != nil {
		s.owner.remove(s)
	}
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Next blocks until an update is available, the stream ends (ErrDone) or ctx
// is done.
func (s *Subscription) Next(ctx context.Context) (Update, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue[0] = Update{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return u, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return Update{}, ErrDone
		}
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// All returns the remaining updates as a sequence. Iteration stops when the
// stream ends, ctx is done, or the consumer breaks out of the loop.
//
//	for u := range sub.All(ctx) { ... }
func (s *Subscription) All(ctx context.Context) iter.Seq[Update] {
	return func(yield func(Update) bool) {
		for {
			u, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(u) {
				return
			}
		}
	}
}

// Close stops delivery. Already queued updates can still be read.
func (s *Subscription) Close() {
	s.finish()
	if s.owner != nil {
		s.owner.remove(s)
	}
}
