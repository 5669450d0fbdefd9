package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"deferq/internal/config"
	"deferq/internal/task"
	"deferq/internal/task/constraint"
	"deferq/internal/task/scheduler"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, fmt.Sprint(what))
	return &tele.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppRunsConfiguredJobs(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	var gotCity atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotCity.Store(r.URL.Query().Get("city"))
		_, _ = w.Write([]byte(`{"temp":31}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "deferd.json")
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "scheduler": {"workers": 2},
  "signals": {"static": {"device.idle": true}},
  "telegram": {"enabled": true, "token": "unused", "chat_id": 10, "rate_per_sec": 50, "states": ["succeeded"]},
  "jobs": [
    {"name": "weather", "worker": "http.get", "constraints": ["device.idle"],
     "payload": {"url": %q, "city": "Jakarta"}}
  ]
}`, srv.URL)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	a, err := New(path, WithSender(sender))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	waitUntil(t, "job to succeed", func() bool {
		ts, err := a.Scheduler().List(ctx, store.Filter{Tag: "job:weather"})
		return err == nil && len(ts) == 1 && ts[0].State == task.StateSucceeded
	})
	if hits.Load() != 1 || gotCity.Load() != "Jakarta" {
		t.Fatalf("hits=%d city=%v", hits.Load(), gotCity.Load())
	}
	waitUntil(t, "telegram notification", func() bool { return sender.count() == 1 })
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deferd.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "sqlite"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func newTestScheduler(t *testing.T) *scheduler.Service {
	t.Helper()
	eval := constraint.New(logx.Nop())
	// Jobs constrained on an unreported signal stay Enqueued.
	s := scheduler.New(scheduler.Config{}, store.NewMemory(), eval, nil, logx.Nop())
	if err := s.Register("log", logWorker(logx.Nop())); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSubmitJobsIsRestartSafe(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	ctx := context.Background()
	off := false
	jobs := []config.JobConfig{
		{Name: "nightly", Worker: "log", Schedule: "cron:0 3 * * *", Constraints: []string{"power.connected"}},
		{Name: "once", Worker: "log", Constraints: []string{"network.connected"}, Payload: map[string]any{"n": float64(1)}},
		{Name: "off", Worker: "log", Enabled: &off},
	}

	n, err := submitJobs(ctx, s, jobs, logx.Nop())
	if err != nil || n != 2 {
		t.Fatalf("first submit = %d, %v", n, err)
	}
	n, err = submitJobs(ctx, s, jobs, logx.Nop())
	if err != nil || n != 0 {
		t.Fatalf("second submit = %d, %v", n, err)
	}

	ts, err := s.List(ctx, store.Filter{Tag: "job:nightly"})
	if err != nil || len(ts) != 1 || ts[0].Kind != task.KindPeriodic {
		t.Fatalf("nightly = %+v, %v", ts, err)
	}
	if ts, _ := s.List(ctx, store.Filter{Tag: "job:off"}); len(ts) != 0 {
		t.Fatal("disabled job was submitted")
	}
}

func TestSubmitJobsReportsBrokenJobs(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	jobs := []config.JobConfig{
		{Name: "bad-constraint", Worker: "log", Constraints: []string{"moon.full"}},
		{Name: "bad-worker", Worker: "nope"},
		{Name: "good", Worker: "log", Constraints: []string{"device.idle"}},
	}
	n, err := submitJobs(context.Background(), s, jobs, logx.Nop())
	if n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	if !errors.Is(err, task.ErrInvalidConstraint) || !errors.Is(err, task.ErrUnknownWorker) {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyJobsCancelsRemoved(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	a := &App{sched: s, log: logx.Nop()}
	ctx := context.Background()
	oldJobs := []config.JobConfig{{Name: "a", Worker: "log", Constraints: []string{"device.idle"}}}
	if _, err := submitJobs(ctx, s, oldJobs, logx.Nop()); err != nil {
		t.Fatal(err)
	}
	newJobs := []config.JobConfig{{Name: "b", Worker: "log", Constraints: []string{"device.idle"}}}
	a.applyJobs(ctx, oldJobs, newJobs)

	ts, _ := s.List(ctx, store.Filter{Tag: "job:a"})
	if len(ts) != 1 || ts[0].State != task.StateCancelled {
		t.Fatalf("job a = %+v", ts)
	}
	if ts, _ := s.List(ctx, store.Filter{Tag: "job:b"}); len(ts) != 1 {
		t.Fatal("job b not submitted")
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	got, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Workers:             3,
		DefaultTimeout:      "2m",
		MinPeriodicInterval: "1m",
		Retention:           "48h",
		Retry:               config.RetryConfig{Max: 4, Backoff: "Linear", Base: "5s", MaxDelay: "1m", Jitter: 0.1},
		Timezone:            " Asia/Jakarta ",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Workers != 3 || got.DefaultTimeout != 2*time.Minute || got.MinPeriodicInterval != time.Minute || got.Retention != 48*time.Hour {
		t.Fatalf("got %+v", got)
	}
	want := task.RetryPolicy{MaxRetries: 4, Backoff: task.BackoffLinear, Base: 5 * time.Second, MaxDelay: time.Minute, Jitter: 0.1}
	if got.Retry != want || got.Timezone != "Asia/Jakarta" {
		t.Fatalf("retry=%+v tz=%q", got.Retry, got.Timezone)
	}
	if _, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Retry: config.RetryConfig{Base: "fast"}}}); err == nil {
		t.Fatal("bad retry base accepted")
	}
}

func TestMapStoreConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		want    store.Config
		wantErr bool
	}{
		{"absent", nil, store.Config{Driver: "memory"}, false},
		{"none", &config.StorageConfig{Driver: "none"}, store.Config{Driver: "memory"}, false},
		{"file default path", &config.StorageConfig{Driver: "file", CompactEvery: 50}, store.Config{Driver: "file", Path: "./deferq", CompactEvery: 50}, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite3", Path: "/var/lib/deferq.db"}, store.Config{Driver: "sqlite", Path: "/var/lib/deferq.db", BusyTimeout: time.Second}, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, store.Config{}, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, store.Config{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStoreConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMapSinkConfig(t *testing.T) {
	t.Parallel()
	if _, on, err := mapSinkConfig(&config.Config{}); on || err != nil {
		t.Fatalf("absent telegram = %v, %v", on, err)
	}
	sc, on, err := mapSinkConfig(&config.Config{Telegram: &config.TelegramConfig{Enabled: true, ChatID: 9, States: []string{"Failed", "succeeded"}}})
	if err != nil || !on || sc.ChatID != 9 || len(sc.States) != 2 || sc.States[0] != task.StateFailed {
		t.Fatalf("got %+v, %v, %v", sc, on, err)
	}
	if _, _, err := mapSinkConfig(&config.Config{Telegram: &config.TelegramConfig{Enabled: true, States: []string{"exploded"}}}); err == nil {
		t.Fatal("unknown state accepted")
	}
}
