// Package signal produces the environment signals constraints are evaluated
// against: periodic probes (network reachability, power supply) and static
// values from configuration. Producers only report; the constraint evaluator
// decides what a value means for a task.
package signal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"deferq/internal/runtime/supervisor"
	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// Sink receives signal values. *constraint.Evaluator implements it.
type Sink interface {
	Signal(name string, value bool)
}

// Probe samples the environment once and returns the signals it observed.
// A probe that cannot tell returns an error and no values; the previous
// values stay in effect.
type Probe interface {
	Name() string
	Probe(ctx context.Context) (map[task.Constraint]bool, error)
}

// Runner polls probes on their own intervals and feeds the sink.
type Runner struct {
	log  logx.Logger
	sink Sink

	mu     sync.Mutex
	probes []scheduled
	last   map[string]time.Time
}

type scheduled struct {
	probe Probe
	every time.Duration
}

func NewRunner(sink Sink, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{sink: sink, log: log, last: map[string]time.Time{}}
}

// Add registers p to run every interval (minimum one second).
func (r *Runner) Add(p Probe, every time.Duration) {
	if p == nil {
		return
	}
	every = max(every, time.Second)
	r.mu.Lock()
	r.probes = append(r.probes, scheduled{probe: p, every: every})
	r.mu.Unlock()
}

// Len returns the number of registered probes.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.probes)
}

// Start runs every probe as a restartable goroutine under sup.
func (r *Runner) Start(sup *supervisor.Supervisor) {
	r.mu.Lock()
	probes := append([]scheduled(nil), r.probes...)
	r.mu.Unlock()
	for _, s := range probes {
		sup.GoRestart("signal."+s.probe.Name(), func(ctx context.Context) error {
			return r.loop(ctx, s)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
}

func (r *Runner) loop(ctx context.Context, s scheduled) error {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		r.RunOnce(ctx, s.probe)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce samples p and reports what it observed.
func (r *Runner) RunOnce(ctx context.Context, p Probe) {
	values, err := p.Probe(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		r.warnOnce(p.Name(), err)
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		r.sink.Signal(name, values[task.Constraint(name)])
	}
	r.log.Trace("probe done", logx.String("probe", p.Name()), logx.Strs("signals", names))
}

// warnOnce logs a failing probe at most once a minute.
func (r *Runner) warnOnce(name string, err error) {
	now := time.Now()
	r.mu.Lock()
	last := r.last[name]
	if !last.IsZero() && now.Sub(last) < time.Minute {
		r.mu.Unlock()
		return
	}
	r.last[name] = now
	r.mu.Unlock()
	r.log.Warn("signal probe failed", logx.String("probe", name), logx.Err(err))
}

// ReportStatic reports fixed values once.
func ReportStatic(sink Sink, values map[string]bool) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		sink.Signal(n, values[n])
	}
}
