// Package constraint answers whether a task's constraint set currently holds.
//
// The evaluator only caches environment signals reported to it; it never
// probes the environment itself (see internal/signal for producers).
package constraint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// ErrEvaluation is returned when a constraint cannot be answered, e.g. its
// signal has never been reported. Callers treat it as "not satisfied".
var ErrEvaluation = errors.New("constraint evaluation failed")

// ChangeFunc is called after a signal value actually changes.
type ChangeFunc func(name task.Constraint, value bool)

// Evaluator caches signal values and evaluates constraint sets against them.
// It is safe for concurrent use.
type Evaluator struct {
	log logx.Logger

	mu      sync.RWMutex
	known   map[task.Constraint]struct{}
	signals map[task.Constraint]bool

	subMu sync.RWMutex
	subs  map[uint64]ChangeFunc
	seq   atomic.Uint64
}

// New returns an evaluator that recognizes the builtin constraints plus extra.
func New(log logx.Logger, extra ...string) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Evaluator{
		log:     log,
		known:   map[task.Constraint]struct{}{},
		signals: map[task.Constraint]bool{},
		subs:    map[uint64]ChangeFunc{},
	}
	for _, c := range task.BuiltinConstraints() {
		e.known[c] = struct{}{}
	}
	e.Register(extra...)
	return e
}

// Register adds constraint names the evaluator should accept. Empty names are ignored.
func (e *Evaluator) Register(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		if c := task.NormalizeConstraint(n); c != "" {
			e.known[c] = struct{}{}
		}
	}
}

// Recognizes reports whether name is a known constraint.
func (e *Evaluator) Recognizes(name task.Constraint) bool {
	c := task.NormalizeConstraint(string(name))
	e.mu.RLock()
	_, ok := e.known[c]
	e.mu.RUnlock()
	return ok
}

// Validate fails with task.ErrInvalidConstraint on the first unknown name.
func (e *Evaluator) Validate(cs task.ConstraintSet) error {
	for _, c := range cs {
		if !e.Recognizes(c) {
			return fmt.Errorf("%w: %q", task.ErrInvalidConstraint, c)
		}
	}
	return nil
}

// Signal records the current value of an environment signal. Reporting a
// signal implicitly registers its name. Listeners run only when the value
// changes (or on the first report).
func (e *Evaluator) Signal(name string, value bool) {
	c := task.NormalizeConstraint(name)
	if c == "" {
		return
	}
	e.mu.Lock()
	prev, seen := e.signals[c]
	e.signals[c] = value
	e.known[c] = struct{}{}
	e.mu.Unlock()

	if seen && prev == value {
		return
	}
	e.log.Debug("signal changed", logx.String("signal", string(c)), logx.Bool("value", value))

	e.subMu.RLock()
	fns := make([]ChangeFunc, 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.RUnlock()
	for _, fn := range fns {
		fn(c, value)
	}
}

// IsSatisfied reports whether every constraint in cs currently holds.
// The empty set is always satisfied. A constraint without a reported signal
// yields ErrEvaluation.
func (e *Evaluator) IsSatisfied(cs task.ConstraintSet) (bool, error) {
	if len(cs) == 0 {
		return true, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range cs {
		v, ok := e.signals[task.NormalizeConstraint(string(c))]
		if !ok {
			return false, fmt.Errorf("%w: no signal reported for %q", ErrEvaluation, c)
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}

// OnSignalChange registers fn and returns a function that removes it.
// fn must not block; the scheduler only uses it to wake its admission loop.
func (e *Evaluator) OnSignalChange(fn ChangeFunc) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	id := e.seq.Add(1)
	e.subMu.Lock()
	e.subs[id] = fn
	e.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

// SignalValue is one cached signal.
type SignalValue struct {
	Name  task.Constraint `json:"name"`
	Value bool            `json:"value"`
}

// Snapshot returns cached signals sorted by name.
func (e *Evaluator) Snapshot() []SignalValue {
	e.mu.RLock()
	out := make([]SignalValue, 0, len(e.signals))
	for k, v := range e.signals {
		out = append(out, SignalValue{Name: k, Value: v})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
