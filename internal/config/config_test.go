package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  workers: 4
  min_periodic_interval: 15m
  retry:
    max: 5
    backoff: linear
    base: 10s
  timezone: UTC
storage:
  driver: sqlite
  path: ./deferq.db
signals:
  network:
    enabled: true
    interval: 1m
  static:
    device.idle: true
jobs:
  - name: weather
    worker: http.get
    schedule: 30m
    constraints: [network.connected]
    payload:
      url: https://example.com/weather?city=Jakarta
      days: 3
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "deferd.yaml", sampleYAML)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.Retry.Backoff != "linear" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Signals.Static["device.idle"] || cfg.Signals.Network == nil || !cfg.Signals.Network.Enabled {
		t.Fatalf("signals = %+v", cfg.Signals)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].Payload["days"] != float64(3) || !cfg.Jobs[0].IsEnabled() {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown json key", "c.json", `{"scheduler":{"workerz":1}}`},
		{"unknown yaml key", "c.yml", "scheduler:\n  queue_size: 3\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "scheduler: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{}, ""},
		{"bad duration", Config{Scheduler: SchedulerConfig{Retention: "soon"}}, "scheduler.retention"},
		{"negative workers", Config{Scheduler: SchedulerConfig{Workers: -1}}, "scheduler.workers"},
		{"bad backoff", Config{Scheduler: SchedulerConfig{Retry: RetryConfig{Backoff: "fibonacci"}}}, "scheduler.retry.backoff"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"sqlite without path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"telegram without token", Config{Telegram: &TelegramConfig{Enabled: true, ChatID: 1}}, "telegram.token"},
		{"battery range", Config{Signals: SignalsConfig{Power: &PowerProbeConfig{BatteryMin: 120}}}, "battery_min"},
		{"duplicate job", Config{Jobs: []JobConfig{{Name: "a", Worker: "log"}, {Name: "a", Worker: "log"}}}, "duplicate job"},
		{"job without worker", Config{Jobs: []JobConfig{{Name: "a"}}}, "jobs.a.worker"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty: %s, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("90s: %s, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":1}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":-3}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Scheduler.Workers != 1 {
		t.Fatal("invalid config was committed")
	}

	veto := errors.New("veto")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Scheduler.Workers > 8 {
			return veto
		}
		return nil
	})
	writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":9}}`)
	if _, err := m.Reload(ctx); !errors.Is(err, veto) {
		t.Fatalf("validator hook not applied: %v", err)
	}

	writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":3}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("valid reload = %v, %v", ok, err)
	}
	select {
	case c := <-sub:
		if c.Scheduler.Workers != 3 {
			t.Fatalf("published workers = %d", c.Scheduler.Workers)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":1}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Rewrite until the watcher is up; each wait outlasts the debounce.
	for attempt := 0; attempt < 5; attempt++ {
		writeFile(t, dir, "deferd.json", `{"scheduler":{"workers":6}}`)
		select {
		case c := <-sub:
			if c.Scheduler.Workers != 6 {
				t.Fatalf("workers = %d", c.Scheduler.Workers)
			}
			return
		case <-time.After(time.Second):
		}
	}
	t.Fatal("watch did not publish the edit")
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Telegram: &TelegramConfig{Enabled: true, Token: "secret-a", ChatID: 1},
		Jobs:     []JobConfig{{Name: "a", Worker: "log"}, {Name: "b", Worker: "log"}},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{Workers: 3},
		Telegram:  &TelegramConfig{Enabled: true, Token: "secret-b", ChatID: 1},
		Jobs:      []JobConfig{{Name: "a", Worker: "log"}, {Name: "c", Worker: "log"}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"jobs", "scheduler", "telegram"}
	if !slices.Equal(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := diffJobs(oldCfg.Jobs, newCfg.Jobs); !slices.Equal(got, []string{"b", "c"}) {
		t.Fatalf("diffJobs = %v", got)
	}
	if s, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}
