package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deferq/internal/task"
	"deferq/internal/task/status"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

// SubmitOneTime enqueues a task that runs once its constraints hold.
func (s *Service) SubmitOneTime(ctx context.Context, worker string, payload task.Payload, cs task.ConstraintSet, opts ...Option) (task.ID, error) {
	return s.submit(ctx, task.Task{
		Kind:        task.KindOneTime,
		Worker:      worker,
		Payload:     payload,
		Constraints: cs,
	}, opts)
}

// SubmitPeriodic enqueues a task that runs now and then every interval after
// each completion until cancelled. Intervals below the configured minimum are
// raised to it.
func (s *Service) SubmitPeriodic(ctx context.Context, worker string, payload task.Payload, cs task.ConstraintSet, interval time.Duration, opts ...Option) (task.ID, error) {
	if interval <= 0 {
		return "", fmt.Errorf("%w: %s", task.ErrInvalidInterval, interval)
	}
	return s.submit(ctx, task.Task{
		Kind:        task.KindPeriodic,
		Worker:      worker,
		Payload:     payload,
		Constraints: cs,
		Interval:    interval,
	}, opts)
}

// SubmitSchedule is SubmitPeriodic for a schedule string ("15m", "00:15",
// "cron:*/30 * * * *", "@hourly", "at:06:30"). Cron schedules first run at
// their next fire time.
func (s *Service) SubmitSchedule(ctx context.Context, worker string, payload task.Payload, cs task.ConstraintSet, schedule string, opts ...Option) (task.ID, error) {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return "", fmt.Errorf("%w: %v", task.ErrInvalidInterval, err)
	}
	if spec.Kind == SpecInterval {
		return s.SubmitPeriodic(ctx, worker, payload, cs, spec.Every, opts...)
	}
	return s.submit(ctx, task.Task{
		Kind:        task.KindPeriodic,
		Worker:      worker,
		Payload:     payload,
		Constraints: cs,
		Schedule:    spec.Cron,
	}, opts)
}

func (s *Service) submit(ctx context.Context, t task.Task, opts []Option) (task.ID, error) {
	var o submitOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	t.Worker = strings.TrimSpace(t.Worker)
	if s.workerFor(t.Worker) == nil {
		return "", fmt.Errorf("%w: %q", task.ErrUnknownWorker, t.Worker)
	}
	cs, err := task.NewConstraintSet(t.Constraints.Strings()...)
	if err != nil {
		return "", err
	}
	if err := s.eval.Validate(cs); err != nil {
		return "", err
	}
	t.Constraints = cs

	cfg, loc := s.config()
	t.Payload = t.Payload.Clone()
	t.Retry = o.retry.WithDefaults(cfg.Retry)
	t.Timeout = o.timeout
	t.Tags = normalizeTags(o.tags)
	if o.initialDelay < 0 {
		return "", fmt.Errorf("%w: negative initial delay", task.ErrInvalidTask)
	}

	if len(o.prerequisites) > 0 {
		if t.Periodic() {
			return "", fmt.Errorf("%w: periodic tasks cannot have prerequisites", task.ErrInvalidTask)
		}
		seen := map[task.ID]bool{}
		for _, id := range o.prerequisites {
			if seen[id] {
				continue
			}
			seen[id] = true
			p, err := s.store.Get(ctx, id)
			if err != nil {
				return "", fmt.Errorf("prerequisite %s: %w", id, err)
			}
			if p.Periodic() {
				return "", fmt.Errorf("%w: prerequisite %s is periodic", task.ErrInvalidTask, id)
			}
			t.Prerequisites = append(t.Prerequisites, id)
		}
	}

	now := s.clock.Now()
	first := now.Add(o.initialDelay)
	t.State = task.StateEnqueued
	t.CreatedAt = now
	t.UpdatedAt = now
	t.NextDue = first
	if t.Periodic() {
		if t.Interval > 0 && t.Interval < cfg.MinPeriodicInterval {
			s.log.Warn("periodic interval below minimum; clamped",
				logx.String("worker", t.Worker),
				logx.Duration("interval", t.Interval),
				logx.Duration("min", cfg.MinPeriodicInterval),
			)
			t.Interval = cfg.MinPeriodicInterval
		}
		if t.Schedule != "" {
			next, err := nextCron(t.Schedule, first, loc, 0)
			if err != nil {
				return "", fmt.Errorf("%w: %v", task.ErrInvalidInterval, err)
			}
			t.NextDue = next
		}
	}

	id, err := s.store.Submit(ctx, t)
	if err != nil {
		return "", err
	}

	mu := s.locks.of(id)
	mu.Lock()
	if rec, err := s.store.Get(ctx, id); err == nil {
		s.publish(&rec)
	}
	mu.Unlock()

	s.log.Info("task submitted",
		logx.String("task", string(id)),
		logx.String("kind", string(t.Kind)),
		logx.String("worker", t.Worker),
		logx.Strs("constraints", cs.Strings()),
		logx.Time("next_due", t.NextDue),
	)
	s.poke()
	return id, nil
}

func normalizeTags(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// Cancel cancels a task. Enqueued tasks become Cancelled at once; a Running
// task has its context cancelled and becomes Cancelled when its body returns.
// Cancelling a finished task is a no-op. Unknown ids yield task.ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id task.ID) error {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	before, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if before.Terminal() {
		return nil
	}
	after, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if after.Seq != before.Seq {
		s.publish(&after)
	}
	if after.State == task.StateRunning && after.CancelRequested {
		s.mu.Lock()
		r := s.running[id]
		s.mu.Unlock()
		if r != nil {
			r.cancel(errCancelled)
		}
	}
	s.log.Info("task cancel requested", logx.String("task", string(id)), logx.String("state", after.State.String()))
	s.poke()
	return nil
}

// CancelByTag cancels every unfinished task carrying tag and returns how many
// were affected.
func (s *Service) CancelByTag(ctx context.Context, tag string) (int, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, errors.New("tag required")
	}
	ts, err := s.store.List(ctx, store.Filter{Tag: tag, States: []task.State{task.StateEnqueued, task.StateRunning}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range ts {
		if err := s.Cancel(ctx, t.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Subscribe observes id. The first update is the task's current state.
func (s *Service) Subscribe(ctx context.Context, id task.ID) (*status.Subscription, error) {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.notify.Subscribe(status.FromTask(&t)), nil
}

func (s *Service) Get(ctx context.Context, id task.ID) (task.Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f store.Filter) ([]task.Task, error) {
	return s.store.List(ctx, f)
}
