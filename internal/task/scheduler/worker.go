package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

func (s *Service) worker(ctx context.Context, work <-chan *run, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so shutdown wins over queued work; Stop drains the rest.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case r := <-work:
			s.execute(r, rng)
		}
	}
}

func (s *Service) execute(r *run, rng *rand.Rand) {
	t := r.t
	ctx := context.WithValue(r.ctx, runInfoKey{}, RunInfo{
		TaskID:  t.ID,
		Worker:  t.Worker,
		Attempt: t.Attempt,
		Cycle:   t.Cycle,
		Tags:    append([]string(nil), t.Tags...),
	})

	if r.timeout > 0 {
		tm := s.clock.TimerAt(s.clock.Now().Add(r.timeout))
		done := make(chan struct{})
		go func() {
			select {
			case <-tm.C():
				r.cancel(ErrTimeout)
			case <-done:
			}
		}()
		defer func() {
			close(done)
			tm.Stop()
		}()
	}

	w := s.workerFor(t.Worker)
	var err error
	if w == nil {
		err = NoRetry(fmt.Errorf("%w: %q", task.ErrUnknownWorker, t.Worker))
	} else {
		err = s.safeRun(ctx, w, &t)
	}
	s.complete(r, err, rng)
}

// safeRun converts a worker panic into an error so one bad body cannot kill
// a pool goroutine.
func (s *Service) safeRun(ctx context.Context, w Worker, t *task.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			s.log.Error("task.panic", logx.String("task", string(t.ID)), logx.String("worker", t.Worker),
				logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return w.Run(ctx, t.Payload.Clone())
}

// complete records the outcome of a run: cancellation and shutdown first,
// then success, retry or failure. Periodic tasks that finish a cycle are
// re-enqueued at their next due time in the same write.
func (s *Service) complete(r *run, runErr error, rng *rand.Rand) {
	id := r.t.ID
	cause := context.Cause(r.ctx)
	r.cancel(nil)

	switch {
	case runErr == nil || cause == nil:
	case errors.Is(cause, ErrTimeout):
		runErr = fmt.Errorf("%w after %s: %v", ErrTimeout, r.timeout, runErr)
	case !errors.Is(cause, errCancelled):
		// The scheduler context ended under the body.
		r.shutdown.Store(true)
	}
	now := s.clock.Now()
	cfg, loc := s.config()
	started := r.t.UpdatedAt

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		steps   []task.Task
		outcome task.State
		retryIn time.Duration
	)
	mu := s.locks.of(id)
	mu.Lock()
	final, err := s.store.Update(ctx, id, func(t *task.Task) error {
		steps = steps[:0]
		retryIn = 0
		step := func(st task.State) {
			t.Transition(st, now)
			steps = append(steps, t.Clone())
		}
		if t.State != task.StateRunning {
			return errNotEligible
		}
		switch {
		case t.CancelRequested:
			t.LastError = errCancelled.Error()
			step(task.StateCancelled)
			outcome = task.StateCancelled
		case r.shutdown.Load():
			if t.Attempt > 0 {
				t.Attempt--
			}
			t.NextDue = now
			step(task.StateEnqueued)
			outcome = task.StateEnqueued
		case runErr == nil:
			t.LastError = ""
			step(task.StateSucceeded)
			outcome = task.StateSucceeded
			if t.Periodic() {
				s.reschedule(t, now, cfg, loc)
				step(task.StateEnqueued)
			}
		default:
			t.LastError = runErr.Error()
			if !IsNoRetry(runErr) && t.Attempt <= t.Retry.MaxRetries {
				retryIn = backoffDelayWithHint(t.Retry, t.Attempt, runErr, rng)
				t.NextDue = now.Add(retryIn)
				step(task.StateEnqueued)
				outcome = task.StateEnqueued
				return nil
			}
			step(task.StateFailed)
			outcome = task.StateFailed
			if t.Periodic() {
				s.reschedule(t, now, cfg, loc)
				step(task.StateEnqueued)
			}
		}
		return nil
	})
	if err == nil {
		for i := range steps {
			s.publish(&steps[i])
		}
	}
	mu.Unlock()

	s.mu.Lock()
	if s.running[id] == r {
		delete(s.running, id)
	}
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, errNotEligible) {
			s.log.Error("record task outcome failed", logx.String("task", string(id)), logx.Err(err))
		}
		s.poke()
		return
	}

	dur := now.Sub(started)
	item := HistoryItem{
		TaskID:   id,
		Worker:   r.t.Worker,
		Started:  started,
		Duration: dur,
		Attempt:  r.t.Attempt,
		Cycle:    r.t.Cycle,
		Outcome:  outcome,
	}
	if runErr != nil {
		item.Error = runErr.Error()
	}
	s.recordHistory(item)

	log := s.log.With(logx.String("task", string(id)), logx.String("worker", r.t.Worker), logx.Int("attempt", r.t.Attempt))
	switch {
	case r.shutdown.Load() && outcome == task.StateEnqueued:
		log.Info("task.interrupted")
	case outcome == task.StateCancelled:
		log.Info("task.cancelled", logx.Duration("dur", dur))
	case outcome == task.StateSucceeded:
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("dur", dur), logx.Time("next_due", final.NextDue))
		} else {
			log.Debug("task.completed", logx.Duration("dur", dur), logx.Time("next_due", final.NextDue))
		}
	case outcome == task.StateEnqueued:
		log.Warn("task.retry", logx.Err(runErr), logx.Duration("delay", retryIn))
	default:
		log.Warn("task.failed", logx.Err(runErr), logx.Duration("dur", dur), logx.Time("next_due", final.NextDue))
	}
	s.poke()
}

// reschedule starts the next periodic cycle. It does not transition.
func (s *Service) reschedule(t *task.Task, now time.Time, cfg Config, loc *time.Location) {
	t.Cycle++
	t.Attempt = 0
	t.NextDue = s.nextPeriodicDue(t, now, cfg, loc)
}

func (s *Service) nextPeriodicDue(t *task.Task, from time.Time, cfg Config, loc *time.Location) time.Time {
	if t.Schedule != "" {
		next, err := nextCron(t.Schedule, from, loc, cfg.MinPeriodicInterval)
		if err == nil {
			return next
		}
		s.warnThrottled("cron:"+string(t.ID), "cron schedule failed; using minimum interval",
			logx.String("task", string(t.ID)), logx.String("schedule", t.Schedule), logx.Err(err))
		return from.Add(cfg.MinPeriodicInterval)
	}
	return from.Add(max(t.Interval, cfg.MinPeriodicInterval))
}
