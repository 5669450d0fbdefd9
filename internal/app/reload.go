package app

import (
	"context"
	"slices"
	"strings"

	"deferq/internal/config"
	"deferq/internal/signal"
	logx "deferq/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break coalesce
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if slices.Contains(sections, "scheduler") {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}

	if slices.Contains(sections, "signals") {
		a.eval.Register(newCfg.Signals.Extra...)
		signal.ReportStatic(a.eval, newCfg.Signals.Static)
		if probesChanged(oldCfg.Signals, newCfg.Signals) {
			a.log.Warn("signal probe config changed; restart required for changes to take effect")
		}
	}

	if slices.Contains(sections, "telegram") {
		sc, enabled, err := mapSinkConfig(newCfg)
		switch {
		case err != nil:
			a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		case a.sink == nil && enabled:
			a.log.Warn("telegram enabled; restart required for changes to take effect")
		case a.sink != nil && !enabled:
			a.log.Warn("telegram disabled; restart required for changes to take effect")
		case a.sink != nil:
			a.sink.Apply(sc)
		}
	}

	if slices.Contains(sections, "jobs") {
		a.applyJobs(ctx, oldCfg.Jobs, newCfg.Jobs)
	}

	a.log.Info("config reloaded", fields...)
}

// applyJobs cancels tasks of removed or disabled jobs and submits new ones.
// Jobs whose definition changed keep their active task until it finishes.
func (a *App) applyJobs(ctx context.Context, oldJobs, newJobs []config.JobConfig) {
	keep := make(map[string]bool, len(newJobs))
	for _, j := range newJobs {
		if j.IsEnabled() {
			keep[j.Name] = true
		}
	}
	for _, j := range oldJobs {
		if keep[j.Name] {
			continue
		}
		n, err := a.sched.CancelByTag(ctx, jobTag(j.Name))
		if err != nil {
			a.log.Warn("job cancel failed", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		if n > 0 {
			a.log.Info("job removed", logx.String("job", j.Name), logx.Int("cancelled", n))
		}
	}
	if _, err := submitJobs(ctx, a.sched, newJobs, a.log); err != nil {
		a.log.Warn("some jobs were not submitted", logx.Err(err))
	}
}

func probesChanged(a, b config.SignalsConfig) bool {
	return !equalPtr(a.Network, b.Network) || !equalPtr(a.Power, b.Power)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
