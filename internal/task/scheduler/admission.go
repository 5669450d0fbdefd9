package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deferq/internal/task"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

var errNotEligible = errors.New("task no longer eligible")

// admissionLoop admits eligible tasks, then sleeps until poked or until the
// earliest next-due (or rate limit) deadline.
func (s *Service) admissionLoop(ctx context.Context) error {
	for {
		wakeAt := s.admit(ctx)

		var tm Timer
		var fire <-chan time.Time
		if !wakeAt.IsZero() {
			tm = s.clock.TimerAt(wakeAt)
			fire = tm.C()
		}
		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-fire:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

func (s *Service) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil || s.stopping {
		return 0
	}
	return s.cfg.Workers - len(s.running)
}

// admit dispatches eligible tasks in submission order and returns when the
// loop should wake on its own (zero: only when poked).
func (s *Service) admit(ctx context.Context) time.Time {
	now := s.clock.Now()
	eligible, err := s.store.ListEligible(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.warnThrottled("admit.list", "list eligible tasks failed", logx.Err(err))
		}
		return now.Add(time.Second)
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	var wakeAt time.Time
	for i := range eligible {
		if s.freeSlots() <= 0 {
			break
		}
		t := &eligible[i]
		if !s.prerequisitesMet(ctx, t, now) {
			continue
		}
		if s.workerFor(t.Worker) == nil {
			s.warnThrottled("worker:"+t.Worker, "no worker registered; task waits",
				logx.String("task", string(t.ID)), logx.String("worker", t.Worker))
			continue
		}
		ok, err := s.eval.IsSatisfied(t.Constraints)
		if err != nil {
			s.log.Debug("constraint evaluation failed; treated as unsatisfied",
				logx.String("task", string(t.ID)), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if !lim.AllowN(now, 1) {
			r := lim.ReserveN(now, 1)
			d := r.DelayFrom(now)
			r.CancelAt(now)
			if d <= 0 {
				d = 10 * time.Millisecond
			}
			wakeAt = now.Add(d)
			break
		}
		s.dispatch(ctx, t.ID, now)
	}

	next, ok, err := s.store.NextDue(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.warnThrottled("admit.next", "next due lookup failed", logx.Err(err))
		}
		return now.Add(time.Second)
	}
	if ok && (wakeAt.IsZero() || next.Before(wakeAt)) {
		wakeAt = next
	}
	return wakeAt
}

// prerequisitesMet reports whether every prerequisite of t succeeded. When one
// failed or was cancelled, t is finished the same way and false is returned.
func (s *Service) prerequisitesMet(ctx context.Context, t *task.Task, now time.Time) bool {
	if len(t.Prerequisites) == 0 {
		return true
	}
	pending := false
	for _, pid := range t.Prerequisites {
		p, err := s.store.Get(ctx, pid)
		switch {
		case errors.Is(err, task.ErrNotFound):
			s.finishChained(ctx, t.ID, task.StateFailed, fmt.Sprintf("prerequisite %s no longer exists", pid), now)
			return false
		case err != nil:
			s.warnThrottled("prereq:"+string(t.ID), "prerequisite lookup failed", logx.String("task", string(t.ID)), logx.Err(err))
			return false
		}
		switch p.State {
		case task.StateSucceeded:
		case task.StateFailed:
			s.finishChained(ctx, t.ID, task.StateFailed, fmt.Sprintf("prerequisite %s failed", pid), now)
			return false
		case task.StateCancelled:
			s.finishChained(ctx, t.ID, task.StateCancelled, fmt.Sprintf("prerequisite %s cancelled", pid), now)
			return false
		default:
			pending = true
		}
	}
	return !pending
}

func (s *Service) finishChained(ctx context.Context, id task.ID, st task.State, reason string, now time.Time) {
	mu := s.locks.of(id)
	mu.Lock()
	t, err := s.store.Update(ctx, id, func(t *task.Task) error {
		if t.State != task.StateEnqueued {
			return errNotEligible
		}
		t.LastError = reason
		t.Transition(st, now)
		return nil
	})
	if err == nil {
		s.publish(&t)
	}
	mu.Unlock()

	if err != nil {
		if !errors.Is(err, errNotEligible) {
			s.log.Warn("chained transition failed", logx.String("task", string(id)), logx.Err(err))
		}
		return
	}
	s.log.Info("chained task finished", logx.String("task", string(id)), logx.String("state", st.String()), logx.String("reason", reason))
	// Its own dependents are decided on the next pass.
	s.poke()
}

// dispatch moves one task to Running and hands it to the pool. The run is
// registered before the store write so a concurrent Cancel can reach it.
func (s *Service) dispatch(ctx context.Context, id task.ID, now time.Time) {
	mu := s.locks.of(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	if s.sup == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	work := s.work
	runCtx, cancel := context.WithCancelCause(s.sup.Context())
	r := &run{ctx: runCtx, cancel: cancel}
	s.running[id] = r
	s.mu.Unlock()

	t, err := s.store.Update(ctx, id, func(t *task.Task) error {
		if t.State != task.StateEnqueued || t.CancelRequested || t.NextDue.After(now) {
			return errNotEligible
		}
		t.Attempt++
		t.Transition(task.StateRunning, now)
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel(nil)
		if !errors.Is(err, errNotEligible) && ctx.Err() == nil {
			s.log.Warn("dispatch failed", logx.String("task", string(id)), logx.Err(err))
		}
		return
	}
	r.t = t
	r.timeout = t.Timeout
	if r.timeout <= 0 {
		r.timeout = cfg.DefaultTimeout
	}
	s.publish(&t)
	s.log.Debug("task dispatched", logx.String("task", string(id)), logx.String("worker", t.Worker),
		logx.Int("attempt", t.Attempt), logx.Int("cycle", t.Cycle))
	work <- r
}

// recoverInterrupted returns tasks persisted as Running (the process died
// mid-run) to Enqueued without using an attempt.
func (s *Service) recoverInterrupted(ctx context.Context) error {
	ts, err := s.store.List(ctx, store.Filter{States: []task.State{task.StateRunning}})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, it := range ts {
		mu := s.locks.of(it.ID)
		mu.Lock()
		t, err := s.store.Update(ctx, it.ID, func(t *task.Task) error {
			if t.State != task.StateRunning {
				return errNotEligible
			}
			if t.CancelRequested {
				t.Transition(task.StateCancelled, now)
				return nil
			}
			if t.Attempt > 0 {
				t.Attempt--
			}
			t.NextDue = now
			t.Transition(task.StateEnqueued, now)
			return nil
		})
		if err == nil {
			s.publish(&t)
		}
		mu.Unlock()
		if err != nil && !errors.Is(err, errNotEligible) {
			return err
		}
	}
	if len(ts) > 0 {
		s.log.Info("recovered interrupted tasks", logx.Int("count", len(ts)))
	}
	return nil
}

// janitorLoop prunes finished tasks past the retention window.
func (s *Service) janitorLoop(ctx context.Context) error {
	for {
		cfg, _ := s.config()
		tm := s.clock.TimerAt(s.clock.Now().Add(cfg.JanitorEvery))
		select {
		case <-ctx.Done():
			tm.Stop()
			return ctx.Err()
		case <-tm.C():
		}
		n, err := s.pruneFinished(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("prune finished tasks failed", logx.Err(err))
			continue
		}
		if n > 0 {
			s.log.Info("pruned finished tasks", logx.Int("count", n))
		}
	}
}

// pruneFinished deletes finished one-time and cancelled tasks older than the
// retention window, keeping any that an unfinished task still waits on.
func (s *Service) pruneFinished(ctx context.Context) (int, error) {
	cfg, _ := s.config()
	before := s.clock.Now().Add(-cfg.Retention)

	active, err := s.store.List(ctx, store.Filter{States: []task.State{task.StateEnqueued, task.StateRunning}})
	if err != nil {
		return 0, err
	}
	referenced := map[task.ID]bool{}
	for _, t := range active {
		for _, p := range t.Prerequisites {
			referenced[p] = true
		}
	}
	if len(referenced) == 0 {
		return s.store.PruneFinished(ctx, before)
	}

	done, err := s.store.List(ctx, store.Filter{States: []task.State{task.StateSucceeded, task.StateFailed, task.StateCancelled}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range done {
		if !t.Terminal() || t.FinishedAt.IsZero() || !t.FinishedAt.Before(before) || referenced[t.ID] {
			continue
		}
		if err := s.store.Delete(ctx, t.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}
