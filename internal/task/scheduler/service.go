package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"deferq/internal/eventbus"
	"deferq/internal/runtime/supervisor"
	"deferq/internal/task"
	"deferq/internal/task/constraint"
	"deferq/internal/task/status"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the scheduler core.
type Service struct {
	log    logx.Logger
	clock  Clock
	store  store.Store
	eval   *constraint.Evaluator
	notify *status.Notifier

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	limiter *rate.Limiter

	// Lifecycle state, guarded by mu. sup is nil while stopped.
	sup         *supervisor.Supervisor
	work        chan *run
	poolSize    int
	running     map[task.ID]*run
	stopping    bool
	unsubSignal func()

	wmu     sync.RWMutex
	workers map[string]Worker

	locks stripedLocks
	wake  chan struct{}

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// run is one dispatched execution of a task.
type run struct {
	t        task.Task // the Running record as dispatched
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timeout  time.Duration
	shutdown atomic.Bool
}

type ServiceOption func(*Service)

// WithClock replaces the wall clock (tests use a manual clock).
func WithClock(c Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// New builds a stopped scheduler. Register workers, then call Start.
func New(cfg Config, st store.Store, eval *constraint.Evaluator, bus eventbus.Bus, log logx.Logger, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if eval == nil {
		eval = constraint.New(log)
	}
	s := &Service{
		log:      log,
		clock:    SystemClock(),
		store:    st,
		eval:     eval,
		notify:   status.New(bus, log.With(logx.String("comp", "status"))),
		workers:  map[string]Worker{},
		wake:     make(chan struct{}, 1),
		lastWarn: map[string]time.Time{},
		running:  map[task.ID]*run{},
	}
	for _, o := range opts {
		o(s)
	}
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	s.limiter = newLimiter(cfg)
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.DispatchRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.DispatchBurst)
	}
	return rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.DispatchBurst)
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) config() (Config, *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.loc
}

// Evaluator exposes the constraint evaluator so signal producers can feed it.
func (s *Service) Evaluator() *constraint.Evaluator { return s.eval }

// Register binds a worker body to name, replacing any previous one.
func (s *Service) Register(name string, w Worker) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("worker name required")
	}
	if w == nil {
		return errors.New("worker is nil")
	}
	s.wmu.Lock()
	s.workers[name] = w
	s.wmu.Unlock()
	s.poke()
	return nil
}

func (s *Service) workerFor(name string) Worker {
	s.wmu.RLock()
	defer s.wmu.RUnlock()
	return s.workers[name]
}

// HasWorker reports whether a body is registered under name.
func (s *Service) HasWorker(name string) bool {
	return s.workerFor(strings.TrimSpace(name)) != nil
}

// Apply hot-reloads the configuration. A larger worker count takes effect
// immediately; a smaller one as running tasks finish.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	now := s.clock.Now()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.Timezone != cfg.Timezone {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	if prev.DispatchRatePerSec != cfg.DispatchRatePerSec || prev.DispatchBurst != cfg.DispatchBurst {
		if cfg.DispatchRatePerSec <= 0 {
			s.limiter.SetLimitAt(now, rate.Inf)
		} else {
			s.limiter.SetLimitAt(now, rate.Limit(cfg.DispatchRatePerSec))
		}
		s.limiter.SetBurstAt(now, cfg.DispatchBurst)
	}
	if s.sup != nil {
		s.ensureWorkersLocked(cfg.Workers)
	}
	s.mu.Unlock()

	if prev.Workers != cfg.Workers {
		s.log.Info("scheduler workers changed", logx.Int("from", prev.Workers), logx.Int("to", cfg.Workers))
	}
	s.poke()
}

// Start recovers interrupted tasks and starts admission, the worker pool and
// the retention janitor. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "scheduler.sup"))),
		// One failing loop must not take the scheduler down; loops restart.
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	s.work = make(chan *run, maxWorkers)
	s.poolSize = 0
	s.running = map[task.ID]*run{}
	s.stopping = false
	cfg := s.cfg
	s.ensureWorkersLocked(cfg.Workers)
	s.unsubSignal = s.eval.OnSignalChange(func(task.Constraint, bool) { s.poke() })
	s.mu.Unlock()

	sup.GoRestart("admission", func(c context.Context) error {
		return s.admissionLoop(c)
	}, supervisor.WithPublishFirstError(true))
	sup.GoRestart("janitor", func(c context.Context) error {
		return s.janitorLoop(c)
	}, supervisor.WithPublishFirstError(true))

	s.log.Info("scheduler started", logx.Int("workers", cfg.Workers), logx.String("tz", s.loc.String()))
	s.poke()
	return nil
}

func (s *Service) ensureWorkersLocked(n int) {
	sup, work := s.sup, s.work
	for s.poolSize < n && s.poolSize < maxWorkers {
		idx := s.poolSize
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, work, idx)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
		s.poolSize++
	}
}

// Stop interrupts running bodies and waits for them (bounded by ctx). Tasks
// interrupted this way go back to Enqueued without using an attempt.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	runs := make([]*run, 0, len(s.running))
	for _, r := range s.running {
		runs = append(runs, r)
	}
	unsub := s.unsubSignal
	s.unsubSignal = nil
	work := s.work
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, r := range runs {
		r.shutdown.Store(true)
		r.cancel(errShutdown)
	}
	sup.Cancel()
	err := sup.Wait(ctx)

	// Dispatched but never picked up by a worker.
drain:
	for {
		select {
		case r := <-work:
			s.complete(r, errShutdown, nil)
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.sup = nil
	s.work = nil
	s.poolSize = 0
	s.stopping = false
	s.mu.Unlock()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop timed out", logx.Err(err), logx.Int("running", len(runs)))
		return err
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("interrupted", len(runs)))
	return nil
}

// Close stops the scheduler and ends every status subscription.
func (s *Service) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.notify.Close()
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil && !s.stopping
}

// poke wakes the admission loop without blocking.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(t *task.Task) {
	s.notify.Publish(status.FromTask(t))
}

// warnThrottled logs at most once per key every warnThrottleEvery.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottleEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, fields...)
}

func (s *Service) recordHistory(item HistoryItem) {
	cfg, _ := s.config()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// Snapshot returns diagnostics. Store errors are logged and leave Counts empty.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	sup := s.sup
	inFlight := len(s.running)
	running := s.sup != nil && !s.stopping
	s.mu.Unlock()

	s.wmu.RLock()
	names := make([]string, 0, len(s.workers))
	for n := range s.workers {
		names = append(names, n)
	}
	s.wmu.RUnlock()
	sort.Strings(names)

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	counts := map[string]int{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if all, err := s.store.List(ctx, store.Filter{}); err != nil {
		s.log.Warn("snapshot: list tasks failed", logx.Err(err))
	} else {
		for _, t := range all {
			counts[t.State.String()]++
		}
	}

	snap := Snapshot{
		Running:    running,
		Workers:    cfg.Workers,
		InFlight:   inFlight,
		Registered: names,
		Counts:     counts,
		Signals:    s.eval.Snapshot(),
		Retry:      cfg.Retry,
		Timezone:   loc.String(),
		History:    hist,
	}
	if sup != nil {
		snap.Supervisor = sup.Snapshot()
	}
	return snap
}
