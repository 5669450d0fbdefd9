package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T, _ string) Store { return NewMemory() }},
		{name: "file", open: func(t *testing.T, dir string) Store {
			s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "deferq.db"), CompactEvery: 3}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return s
		}},
		{name: "sqlite", open: func(t *testing.T, dir string) Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "deferq.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return s
		}},
	}
}

func oneTime(worker string) task.Task {
	return task.Task{Kind: task.KindOneTime, Worker: worker, State: task.StateEnqueued}
}

func periodic(worker string, every time.Duration) task.Task {
	return task.Task{Kind: task.KindPeriodic, Worker: worker, Interval: every, State: task.StateEnqueued}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s := b.open(t, t.TempDir())
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestSubmitGetRoundTrip(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := oneTime("forecast")
		in.Payload = task.NewPayload().MustWith("city", "Jakarta").MustWith("days", 3)
		in.Constraints = task.Constraints(task.NetworkConnected)
		in.Tags = []string{"weather"}

		id, err := s.Submit(ctx, in)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if id == "" {
			t.Fatal("empty id")
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Worker != "forecast" || got.State != task.StateEnqueued || got.Ordinal == 0 {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.Payload.Equal(in.Payload) {
			t.Fatalf("payload changed: %v", got.Payload.Fields())
		}
		if len(got.Constraints) != 1 || got.Constraints[0] != task.NetworkConnected {
			t.Fatalf("constraints = %v", got.Constraints)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("Get(missing) err = %v", err)
		}
	})
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Submit(context.Background(), task.Task{Kind: task.KindPeriodic, Worker: "w"})
		if !errors.Is(err, task.ErrInvalidInterval) {
			t.Fatalf("err = %v, want ErrInvalidInterval", err)
		}
	})
}

func TestUpdateErrorLeavesRecord(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, _ := s.Submit(ctx, oneTime("w"))
		boom := errors.New("boom")
		_, err := s.Update(ctx, id, func(tk *task.Task) error {
			tk.State = task.StateFailed
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		got, _ := s.Get(ctx, id)
		if got.State != task.StateEnqueued {
			t.Fatalf("state = %v, want enqueued", got.State)
		}
	})
}

func TestUpdateStateBumpsSeq(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, _ := s.Submit(ctx, oneTime("w"))
		if err := s.UpdateState(ctx, id, task.StateRunning); err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
		if err := s.UpdateState(ctx, id, task.StateSucceeded); err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
		got, _ := s.Get(ctx, id)
		if got.State != task.StateSucceeded || got.Seq != 2 || got.FinishedAt.IsZero() {
			t.Fatalf("unexpected record: %+v", got)
		}
	})
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		queued, _ := s.Submit(ctx, oneTime("w"))
		running, _ := s.Submit(ctx, oneTime("w"))
		done, _ := s.Submit(ctx, oneTime("w"))
		_ = s.UpdateState(ctx, running, task.StateRunning)
		_ = s.UpdateState(ctx, done, task.StateSucceeded)

		got, err := s.Cancel(ctx, queued)
		if err != nil || got.State != task.StateCancelled {
			t.Fatalf("cancel enqueued: %+v, %v", got, err)
		}
		got, err = s.Cancel(ctx, running)
		if err != nil || got.State != task.StateRunning || !got.CancelRequested {
			t.Fatalf("cancel running: %+v, %v", got, err)
		}
		got, err = s.Cancel(ctx, done)
		if err != nil || got.State != task.StateSucceeded || got.CancelRequested {
			t.Fatalf("cancel finished: %+v, %v", got, err)
		}
		if _, err := s.Cancel(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("cancel missing: %v", err)
		}
	})
}

func TestListDueAndEligible(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		a := oneTime("a")
		a.NextDue = now.Add(-time.Minute)
		p := periodic("p", time.Hour)
		p.NextDue = now.Add(-time.Second)
		later := periodic("later", time.Hour)
		later.NextDue = now.Add(time.Hour)

		ida, _ := s.Submit(ctx, a)
		idp, _ := s.Submit(ctx, p)
		_, _ = s.Submit(ctx, later)

		due, err := s.ListDue(ctx, now)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		if len(due) != 1 || due[0].ID != idp {
			t.Fatalf("ListDue = %v", due)
		}
		el, err := s.ListEligible(ctx, now)
		if err != nil {
			t.Fatalf("ListEligible: %v", err)
		}
		if len(el) != 2 || el[0].ID != ida || el[1].ID != idp {
			t.Fatalf("ListEligible order = %v", el)
		}
		next, ok, err := s.NextDue(ctx, now)
		if err != nil || !ok || !next.Equal(later.NextDue) {
			t.Fatalf("NextDue = %v, %v, %v", next, ok, err)
		}
	})
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		x := oneTime("x")
		x.Tags = []string{"job:x"}
		_, _ = s.Submit(ctx, x)
		idy, _ := s.Submit(ctx, oneTime("y"))
		_ = s.UpdateState(ctx, idy, task.StateFailed)

		got, _ := s.List(ctx, Filter{Tag: "job:x"})
		if len(got) != 1 || got[0].Worker != "x" {
			t.Fatalf("tag filter = %v", got)
		}
		got, _ = s.List(ctx, Filter{States: []task.State{task.StateFailed}})
		if len(got) != 1 || got[0].ID != idy {
			t.Fatalf("state filter = %v", got)
		}
		got, _ = s.List(ctx, Filter{Worker: "y", States: []task.State{task.StateEnqueued}})
		if len(got) != 0 {
			t.Fatalf("combined filter = %v", got)
		}
		got, _ = s.List(ctx, Filter{})
		if len(got) != 2 {
			t.Fatalf("all = %v", got)
		}
	})
}

func TestPruneFinishedAndDelete(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, _ := s.Submit(ctx, oneTime("w"))
		live, _ := s.Submit(ctx, periodic("p", time.Hour))
		_, _ = s.Update(ctx, old, func(tk *task.Task) error {
			tk.Transition(task.StateCancelled, time.Now().Add(-48*time.Hour))
			return nil
		})
		_, _ = s.Update(ctx, live, func(tk *task.Task) error {
			tk.Transition(task.StateFailed, time.Now().Add(-48*time.Hour))
			return nil
		})

		n, err := s.PruneFinished(ctx, time.Now().Add(-24*time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("PruneFinished = %d, %v", n, err)
		}
		if _, err := s.Get(ctx, old); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("pruned task still present: %v", err)
		}
		if err := s.Delete(ctx, live); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, live); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("second Delete = %v", err)
		}
	})
}

func TestOrdinalsAreUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Submit(ctx, oneTime("w")); err != nil {
					t.Errorf("Submit: %v", err)
				}
			}()
		}
		wg.Wait()
		all, _ := s.List(ctx, Filter{})
		seen := map[uint64]bool{}
		for _, tk := range all {
			if seen[tk.Ordinal] {
				t.Fatalf("duplicate ordinal %d", tk.Ordinal)
			}
			seen[tk.Ordinal] = true
		}
		if len(all) != 20 {
			t.Fatalf("len = %d", len(all))
		}
	})
}

func TestDurableBackendsSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, b := range backends()[1:] {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			ctx := context.Background()

			s := b.open(t, dir)
			var ids []task.ID
			for i := 0; i < 5; i++ {
				id, err := s.Submit(ctx, oneTime("w"))
				if err != nil {
					t.Fatalf("Submit: %v", err)
				}
				ids = append(ids, id)
			}
			_ = s.UpdateState(ctx, ids[0], task.StateRunning)
			_, _ = s.Cancel(ctx, ids[1])
			_ = s.Delete(ctx, ids[2])
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s = b.open(t, dir)
			defer s.Close()
			got, err := s.Get(ctx, ids[0])
			if err != nil || got.State != task.StateRunning {
				t.Fatalf("running task after reopen: %+v, %v", got, err)
			}
			got, _ = s.Get(ctx, ids[1])
			if got.State != task.StateCancelled {
				t.Fatalf("cancelled task after reopen: %v", got.State)
			}
			if _, err := s.Get(ctx, ids[2]); !errors.Is(err, task.ErrNotFound) {
				t.Fatalf("deleted task after reopen: %v", err)
			}
			id, _ := s.Submit(ctx, oneTime("w"))
			fresh, _ := s.Get(ctx, id)
			last, _ := s.Get(ctx, ids[4])
			if fresh.Ordinal <= last.Ordinal {
				t.Fatalf("ordinal went backwards: %d <= %d", fresh.Ordinal, last.Ordinal)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
