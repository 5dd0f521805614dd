package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"reportsched/internal/config"
	"reportsched/internal/engine"
	"reportsched/internal/eventbus"
	"reportsched/internal/guard"
	"reportsched/internal/guard/liveness"
	"reportsched/internal/keepalive"
	"reportsched/internal/launcher"
	"reportsched/internal/notifier"
	"reportsched/internal/observability/status"
	"reportsched/internal/registry"
	"reportsched/internal/reporter"
	"reportsched/internal/runtime/supervisor"
	"reportsched/internal/schedule"
	"reportsched/internal/storage"
	kit "reportsched/internal/transport"
	"reportsched/internal/transport/telegram"
	logx "reportsched/pkg/logx"
)

// App owns every long-lived component of the scheduler process.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	notif    *notifier.Service
	reg      *registry.Registry
	lease    *liveness.RedisLease
	launcher *launcher.Launcher
	engine   *engine.Engine
	reporter *reporter.Reporter
	keep     *keepalive.Ticker
	status   *status.Server

	shutdownTimeout time.Duration
	sup             *supervisor.Supervisor
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.WithHint(err, "run the check command for details")
	}
	loc, err := loadLocation(cfg)
	if err != nil {
		return nil, err
	}

	// Telegram is optional. Without it there are no chat logs and no reports.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "app"))
	var sender kit.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = tg
	} else {
		bootLog.Warn("telegram.token not set; failure reports and chat logging are off")
	}

	// logx.New applies immediately, so chat forwarding is switched on only
	// after the target is known.
	logCfg := mapLogConfig(cfg)
	chatEnabled := logCfg.Chat.Enabled
	logCfg.Chat.Enabled = false
	logs, log := logx.New(logCfg, sender)
	logs.SetChatTarget(logTarget(cfg))
	logCfg.Chat.Enabled = chatEnabled
	logs.Apply(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logs, bus: eventbus.New()}
	if err := a.wire(sender, loc); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(sender kit.Sender, loc *time.Location) error {
	cfg := a.cfg
	var err error

	if a.shutdownTimeout, err = config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout); err != nil {
		return err
	}

	sc, enabled, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return errors.Wrap(err, "open storage")
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; every job is planned as never run and nothing is reported")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if sender == nil {
		ncfg.Enabled = false
	}
	a.notif = notifier.New(ncfg, sender, a.log, a.bus, a.store)

	flag := processFlag(cfg)
	reg, errs := registry.Build(cfg.Jobs, a.log.With(logx.String("comp", "registry")), registry.WithUserFlag(flag))
	if len(errs) > 0 {
		a.log.Warn("some jobs were rejected", logx.Int("rejected", len(errs)), logx.Err(errors.Join(errs...)))
	}
	a.reg = reg

	gopts, err := mapGuardOptions(cfg, a.log.With(logx.String("comp", "guard")))
	if err != nil {
		return err
	}
	var live guard.Liveness = liveness.NewProcess(flag)
	var tracker guard.Tracker
	if r := cfg.Guard.Redis; r.Enabled {
		ttl, err := config.ParseDurationOrDefault("guard.redis.ttl", r.TTL, 0)
		if err != nil {
			return err
		}
		lease, err := liveness.NewRedisLease(r.URL, r.Prefix, ttl, a.log.With(logx.String("comp", "lease")))
		if err != nil {
			return errors.Wrap(err, "guard.redis")
		}
		a.lease = lease
		live = liveness.Any(live, lease)
		tracker = lease
	}
	g := guard.New(reg.ExclusivityKeys(), live, gopts...)

	// The exit callback needs the engine, which needs the launcher.
	var eng *engine.Engine
	l, err := launcher.New(mapLauncherConfig(cfg),
		launcher.WithLogger(a.log.With(logx.String("comp", "launcher"))),
		launcher.WithOnExit(func(def registry.Definition, taskID string, exitErr error) {
			if eng != nil {
				eng.HandleExit(def, taskID, exitErr)
			}
		}),
	)
	if err != nil {
		return err
	}
	a.launcher = l

	deps := engine.Deps{
		Registry: reg,
		Planner:  schedule.NewPlanner(schedule.NewResolver(nil), loc),
		Guard:    g,
		Launcher: l,
		Bus:      a.bus,
		Log:      a.log,
	}
	if a.store != nil {
		deps.History = a.store
	}
	if tracker != nil {
		deps.Tracker = tracker
	}
	if eng, err = engine.New(deps); err != nil {
		return err
	}
	a.engine = eng

	if cfg.Reporter.Enabled {
		switch {
		case a.store == nil:
			a.log.Warn("reporter enabled but storage is disabled; reporter not started")
		case !a.notif.Enabled():
			a.log.Warn("reporter enabled but notifier is off; reporter not started")
		default:
			rcfg, err := mapReporterConfig(cfg)
			if err != nil {
				return err
			}
			a.reporter = reporter.New(rcfg, a.store, a.notif, reporter.WithLogger(a.log))
		}
	}

	kaInterval, err := config.ParseDurationOrDefault("scheduler.keep_alive_interval", cfg.Scheduler.KeepAliveInterval, keepalive.DefaultInterval)
	if err != nil {
		return err
	}
	a.keep = keepalive.New(kaInterval, keepalive.WithLogger(a.log.With(logx.String("comp", "keepalive"))))

	stcfg, err := mapStatusConfig(cfg)
	if err != nil {
		return err
	}
	a.status = status.New(stcfg, a.log)
	a.status.Handle("jobs", func() any { return a.engine.Snapshot() })
	a.status.Handle("notifier", func() any { return a.notif.Snapshot() })
	a.status.Handle("runtime", func() any {
		return map[string]any{
			"launched_running": a.launcher.Running(),
			"events_dropped":   a.bus.Dropped(),
			"supervisor":       a.sup.Counters(),
		}
	})
	return nil
}

// closeEarly releases what wire managed to open before failing.
func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lease != nil {
		_ = a.lease.Close()
	}
	_ = a.logs.Close()
}

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

// ShutdownTimeout bounds Stop when the caller has no deadline of its own.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.notif.Start(c)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, "job.")
		runlog := engine.NewRunLog(a.store, a.log)
		a.sup.Go("runlog", func(c context.Context) error {
			defer unsub()
			return runlog.Run(c, events)
		})
	}

	// Debug-level only; job events are frequent on busy hosts.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.engine.Start(c); err != nil {
		return err
	}
	if a.reporter != nil {
		a.sup.GoRestart("reporter", a.reporter.Run)
	}
	a.sup.GoRestart("keepalive", a.keep.Run)

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c, a.onConfigChange)
	})

	if err := a.status.Start(c); err != nil {
		return err
	}

	a.keep.Ready()
	a.log.Info("app started", logx.Int("jobs", len(a.reg.Enabled())), logx.Bool("reporter", a.reporter != nil))
	return nil
}

// onConfigChange applies logging and notifier settings live. Everything
// else is read once at startup.
func (a *App) onConfigChange(old, next *config.Config) {
	sections, attrs := config.SummarizeChange(old, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config changed", fields...)

	var restart []string
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.SetChatTarget(logTarget(next))
			a.logs.Apply(mapLogConfig(next))
		case "notifier":
			ncfg, err := mapNotifierConfig(next)
			if err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				continue
			}
			// Workers are started once; toggling them needs a restart.
			if ncfg.Enabled != a.notif.Enabled() {
				restart = append(restart, "notifier.enabled")
				ncfg.Enabled = a.notif.Enabled()
			}
			a.notif.Apply(ncfg)
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
}

// Stop tears the app down in dependency order. Each step is bounded so one
// component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.keep.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
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
			// fn must honor stepCtx; a step that outlives it is logged as a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The engine stops first so no new job starts while the rest unwinds.
	step("status", 1*time.Second, a.status.Stop)
	step("engine", 4*time.Second, a.engine.Stop)
	step("launcher", 2*time.Second, a.launcher.Wait)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("lease", 1*time.Second, func(context.Context) error {
		if a.lease != nil {
			return a.lease.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
