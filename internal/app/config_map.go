package app

import (
	"fmt"
	"strings"
	"time"

	"deferq/internal/config"
	tgsink "deferq/internal/sink/telegram"
	"deferq/internal/task"
	"deferq/internal/task/scheduler"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRetry(path string, rc config.RetryConfig) (task.RetryPolicy, error) {
	base, err := config.ParseDurationField(path+".base", rc.Base)
	if err != nil {
		return task.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField(path+".max_delay", rc.MaxDelay)
	if err != nil {
		return task.RetryPolicy{}, err
	}
	return task.RetryPolicy{
		MaxRetries: rc.Max,
		Backoff:    task.Backoff(strings.ToLower(strings.TrimSpace(rc.Backoff))),
		Base:       base,
		MaxDelay:   maxDelay,
		Jitter:     rc.Jitter,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Workers:            sc.Workers,
		DispatchRatePerSec: sc.DispatchRatePerSec,
		DispatchBurst:      sc.DispatchBurst,
		HistorySize:        sc.HistorySize,
		Timezone:           strings.TrimSpace(sc.Timezone),
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if out.MinPeriodicInterval, err = config.ParseDurationField("scheduler.min_periodic_interval", sc.MinPeriodicInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.Retention, err = config.ParseDurationField("scheduler.retention", sc.Retention); err != nil {
		return scheduler.Config{}, err
	}
	if out.JanitorEvery, err = config.ParseDurationField("scheduler.janitor_every", sc.JanitorEvery); err != nil {
		return scheduler.Config{}, err
	}
	if out.Retry, err = mapRetry("scheduler.retry", sc.Retry); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// mapStoreConfig returns the memory store when storage is absent or "none".
func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if cfg.Storage == nil {
		return store.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory", "mem":
		return store.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./deferq"
		}
		return store.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapSinkConfig reports whether the Telegram sink is enabled.
func mapSinkConfig(cfg *config.Config) (tgsink.Config, bool, error) {
	tc := cfg.Telegram
	if tc == nil || !tc.Enabled {
		return tgsink.Config{}, false, nil
	}
	out := tgsink.Config{ChatID: tc.ChatID, ThreadID: tc.ThreadID, RatePerSec: tc.RatePerSec}
	for _, raw := range tc.States {
		st, err := task.ParseState(raw)
		if err != nil {
			return tgsink.Config{}, false, fmt.Errorf("telegram.states: %w", err)
		}
		out.States = append(out.States, st)
	}
	return out, true, nil
}
