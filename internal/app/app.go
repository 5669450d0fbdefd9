// Package app wires the daemon: configuration, logging, task storage, the
// scheduler, signal producers and the optional Telegram status sink.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"deferq/internal/config"
	"deferq/internal/eventbus"
	"deferq/internal/runtime/supervisor"
	"deferq/internal/signal"
	tgsink "deferq/internal/sink/telegram"
	"deferq/internal/task/constraint"
	"deferq/internal/task/scheduler"
	"deferq/internal/task/store"
	logx "deferq/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   store.Store
	eval    *constraint.Evaluator
	sched   *scheduler.Service
	signals *signal.Runner
	sink    *tgsink.Sink
}

type options struct {
	sender     tgsink.Sender
	httpClient *http.Client
	schedOpts  []scheduler.ServiceOption
}

// Option customizes New. Production code passes none.
type Option func(*options)

// WithSender replaces the Telegram bot used by the status sink.
func WithSender(s tgsink.Sender) Option { return func(o *options) { o.sender = s } }

// WithHTTPClient sets the client used by the http.get worker.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithSchedulerOptions forwards options to scheduler.New.
func WithSchedulerOptions(opts ...scheduler.ServiceOption) Option {
	return func(o *options) { o.schedOpts = append(o.schedOpts, opts...) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sinkCfg, sinkEnabled, err := mapSinkConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	st, err := store.Open(storeCfg, root.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	bus := eventbus.New()
	eval := constraint.New(root.With(logx.String("comp", "constraint")), cfg.Signals.Extra...)
	sched := scheduler.New(schedCfg, st, eval, bus, root.With(logx.String("comp", "scheduler")), o.schedOpts...)

	if err := errors.Join(
		sched.Register("log", logWorker(root.With(logx.String("comp", "worker.log")))),
		sched.Register("http.get", httpGetWorker(o.httpClient, root.With(logx.String("comp", "worker.http")))),
	); err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	signals := signal.NewRunner(eval, root.With(logx.String("comp", "signal")))
	if err := addProbes(signals, cfg.Signals, root); err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	// Static values are in place before any job is submitted.
	signal.ReportStatic(eval, cfg.Signals.Static)

	var sink *tgsink.Sink
	if sinkEnabled {
		sender := o.sender
		if sender == nil {
			bot, err := tgsink.NewBot(cfg.Telegram.Token)
			if err != nil {
				_ = st.Close()
				_ = logSvc.Close()
				return nil, fmt.Errorf("telegram: %w", err)
			}
			sender = bot
		}
		sink = tgsink.New(sinkCfg, sender, bus, root.With(logx.String("comp", "telegram")))
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		eval:    eval,
		sched:   sched,
		signals: signals,
		sink:    sink,
	}, nil
}

func addProbes(r *signal.Runner, sc config.SignalsConfig, root logx.Logger) error {
	if n := sc.Network; n != nil && n.Enabled {
		every, err := config.ParseDurationOrDefault("signals.network.interval", n.Interval, time.Minute)
		if err != nil {
			return err
		}
		timeout, err := config.ParseDurationOrDefault("signals.network.timeout", n.Timeout, 10*time.Second)
		if err != nil {
			return err
		}
		r.Add(signal.NewNetworkProbe(timeout, n.Unmetered, root.With(logx.String("comp", "signal.network"))), every)
	}
	if p := sc.Power; p != nil && p.Enabled {
		every, err := config.ParseDurationOrDefault("signals.power.interval", p.Interval, 30*time.Second)
		if err != nil {
			return err
		}
		r.Add(signal.NewPowerProbe(p.Path, p.BatteryMin), every)
	}
	return nil
}

// Scheduler exposes the scheduler for embedding and tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Evaluator is the signal sink external producers report to.
func (a *App) Evaluator() *constraint.Evaluator { return a.eval }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if n, err := submitJobs(a.sup.Context(), a.sched, a.cfgm.Get().Jobs, a.log); err != nil {
		// A bad job never blocks the others or the daemon.
		a.log.Warn("some jobs were not submitted", logx.Int("submitted", n), logx.Err(err))
	}

	a.signals.Start(a.sup)
	if a.sink != nil {
		a.sup.GoRestart("sink.telegram", a.sink.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("probes", a.signals.Len()),
		logx.Bool("telegram", a.sink != nil),
	)
	return nil
}

// validate rejects reloads the running services cannot apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSinkConfig(cfg); err != nil {
		return err
	}
	var errs []error
	for _, j := range cfg.Jobs {
		if !a.sched.HasWorker(j.Worker) {
			errs = append(errs, fmt.Errorf("jobs.%s.worker: unknown worker %q", j.Name, j.Worker))
		}
		if j.Schedule != "" {
			if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("jobs.%s.schedule: %w", j.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Running tasks go back to Enqueued before storage closes.
	step("scheduler", 5*time.Second, a.sched.Close)
	if a.sink != nil {
		step("telegram", time.Second, func(context.Context) error { a.sink.Close(); return nil })
	}
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
