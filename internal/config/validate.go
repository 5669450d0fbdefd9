package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
// path names the field in errors ("scheduler.retention").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that can be checked without building services.
// Schedule strings and worker names are checked by the app when jobs are
// submitted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := cfg.Scheduler
	if s.Workers < 0 {
		add(errors.New("scheduler.workers must be >= 0"))
	}
	if s.HistorySize < 0 {
		add(errors.New("scheduler.history_size must be >= 0"))
	}
	if s.DispatchRatePerSec < 0 {
		add(errors.New("scheduler.dispatch_rate_per_sec must be >= 0"))
	}
	if s.DispatchBurst < 0 {
		add(errors.New("scheduler.dispatch_burst must be >= 0"))
	}
	dur("scheduler.default_timeout", s.DefaultTimeout)
	dur("scheduler.min_periodic_interval", s.MinPeriodicInterval)
	dur("scheduler.retention", s.Retention)
	dur("scheduler.janitor_every", s.JanitorEvery)
	add(validateRetry("scheduler.retry", s.Retry))
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
		if st.CompactEvery < 0 {
			add(errors.New("storage.compact_every must be >= 0"))
		}
	}

	if n := cfg.Signals.Network; n != nil {
		dur("signals.network.interval", n.Interval)
		dur("signals.network.timeout", n.Timeout)
	}
	if p := cfg.Signals.Power; p != nil {
		dur("signals.power.interval", p.Interval)
		if p.BatteryMin < 0 || p.BatteryMin > 100 {
			add(errors.New("signals.power.battery_min must be within 0..100"))
		}
	}
	for name := range cfg.Signals.Static {
		if strings.TrimSpace(name) == "" {
			add(errors.New("signals.static: empty signal name"))
		}
	}

	if tg := cfg.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("telegram.token is required when telegram.enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("telegram.chat_id is required when telegram.enabled"))
		}
		if tg.RatePerSec < 0 {
			add(errors.New("telegram.rate_per_sec must be >= 0"))
		}
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else {
			path = "jobs." + name
			if seen[name] {
				add(fmt.Errorf("%s: duplicate job name", path))
			}
			seen[name] = true
		}
		if strings.TrimSpace(j.Worker) == "" {
			add(fmt.Errorf("%s.worker is required", path))
		}
		dur(path+".timeout", j.Timeout)
		dur(path+".delay", j.Delay)
		if j.Retry != nil {
			add(validateRetry(path+".retry", *j.Retry))
		}
	}
	return errors.Join(errs...)
}

func validateRetry(path string, r RetryConfig) error {
	switch strings.ToLower(strings.TrimSpace(r.Backoff)) {
	case "", "exponential", "linear":
	default:
		return fmt.Errorf("%s.backoff: unknown %q (use exponential or linear)", path, r.Backoff)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("%s.jitter must be within 0..1", path)
	}
	if _, err := ParseDurationField(path+".base", r.Base); err != nil {
		return err
	}
	_, err := ParseDurationField(path+".max_delay", r.MaxDelay)
	return err
}
