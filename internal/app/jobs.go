package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deferq/internal/config"
	"deferq/internal/task"
	"deferq/internal/task/scheduler"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

// jobTag marks tasks submitted for a configured job.
func jobTag(name string) string { return "job:" + strings.TrimSpace(name) }

// submitJobs submits every enabled job that has no Enqueued or Running task
// yet, so restarting with persistent storage does not duplicate them.
// A broken job is logged and skipped; the rest are still submitted.
func submitJobs(ctx context.Context, sched *scheduler.Service, jobs []config.JobConfig, log logx.Logger) (submitted int, err error) {
	var errs []error
	for _, j := range jobs {
		if !j.IsEnabled() {
			continue
		}
		tag := jobTag(j.Name)
		active, lerr := sched.List(ctx, store.Filter{Tag: tag, States: []task.State{task.StateEnqueued, task.StateRunning}})
		if lerr != nil {
			return submitted, fmt.Errorf("list job %s: %w", j.Name, lerr)
		}
		if len(active) > 0 {
			log.Debug("job already active", logx.String("job", j.Name), logx.String("task", active[0].ID.String()))
			continue
		}
		id, serr := submitJob(ctx, sched, j)
		if serr != nil {
			log.Warn("job submit failed", logx.String("job", j.Name), logx.Err(serr))
			errs = append(errs, fmt.Errorf("job %s: %w", j.Name, serr))
			continue
		}
		submitted++
		log.Info("job submitted", logx.String("job", j.Name), logx.String("task", id.String()), logx.String("worker", j.Worker))
	}
	return submitted, errors.Join(errs...)
}

func submitJob(ctx context.Context, sched *scheduler.Service, j config.JobConfig) (task.ID, error) {
	path := "jobs." + j.Name
	payload, err := task.PayloadFromMap(j.Payload)
	if err != nil {
		return "", err
	}
	cs, err := task.NewConstraintSet(j.Constraints...)
	if err != nil {
		return "", err
	}
	timeout, err := config.ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return "", err
	}
	delay, err := config.ParseDurationField(path+".delay", j.Delay)
	if err != nil {
		return "", err
	}

	opts := []scheduler.Option{
		scheduler.WithTags(append([]string{jobTag(j.Name)}, j.Tags...)...),
		scheduler.WithTimeout(timeout),
		scheduler.WithInitialDelay(delay),
	}
	if j.Retry != nil {
		rp, err := mapRetry(path+".retry", *j.Retry)
		if err != nil {
			return "", err
		}
		opts = append(opts, scheduler.WithRetry(rp))
	}

	if strings.TrimSpace(j.Schedule) == "" {
		return sched.SubmitOneTime(ctx, j.Worker, payload, cs, opts...)
	}
	return sched.SubmitSchedule(ctx, j.Worker, payload, cs, j.Schedule, opts...)
}
