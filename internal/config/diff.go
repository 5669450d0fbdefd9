package config

import (
	"reflect"
	"sort"
	"strings"

	logx "deferq/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (the Telegram token) are never
// included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
			logx.String("scheduler.min_periodic_interval", strings.TrimSpace(s.MinPeriodicInterval)),
			logx.Int("scheduler.retry_max", s.Retry.Max),
			logx.Float64("scheduler.dispatch_rate_per_sec", s.DispatchRatePerSec),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	// Nil storage means in-memory.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.CompactEvery != nS.CompactEvery {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Signals, newCfg.Signals) {
		changed = append(changed, "signals")
		n, p := newCfg.Signals.Network, newCfg.Signals.Power
		attrs = append(attrs,
			logx.Bool("signals.network_enabled", n != nil && n.Enabled),
			logx.Bool("signals.power_enabled", p != nil && p.Enabled),
			logx.Int("signals.static_count", len(newCfg.Signals.Static)),
		)
	}

	var oT, nT TelegramConfig
	if oldCfg.Telegram != nil {
		oT = *oldCfg.Telegram
	}
	if newCfg.Telegram != nil {
		nT = *newCfg.Telegram
	}
	if !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.chat_set", nT.ChatID != 0),
			logx.Strs("telegram.states", nT.States),
		)
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strs("jobs.changed", jobs),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffJobs lists job names that were added, removed or modified.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var out []string
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
