package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"reviewremind/internal/config"
	"reviewremind/internal/eventbus"
	"reviewremind/internal/relay"
	"reviewremind/internal/reminder"
	"reviewremind/internal/resync"
	rtsup "reviewremind/internal/runtime/supervisor"
	"reviewremind/internal/storage"
	logx "reviewremind/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *reminder.Engine
	bridge *reminder.Bridge
	relay  *relay.Service
	resync *resync.Service
}

type Option func(*options)

type options struct {
	sink relay.Sink
}

// WithSink replaces the default log sink of the ping relay.
func WithSink(s relay.Sink) Option { return func(o *options) { o.sink = s } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rsCfg, err := mapResyncConfig(cfg)
	if err != nil {
		return nil, err
	}
	rlCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))
	if sc.Driver == "memory" || sc.Driver == "mem" {
		appLog.Warn("memory storage only sees pull requests written in this process; use sqlite, file or postgres to share them")
	}

	bus := eventbus.New()

	engine := reminder.New(remCfg, store, log.With(logx.String("comp", "reminder")))
	bridge := reminder.NewBridge(engine, bus, log.With(logx.String("comp", "bridge")))
	engine.SetNotifier(bridge)

	sink := o.sink
	if sink == nil {
		sink = relay.NewLogSink(log.With(logx.String("comp", "sink")))
	}
	relaySvc := relay.New(rlCfg, sink, store, bus, log.With(logx.String("comp", "relay")))

	resyncLog := log.With(logx.String("comp", "resync"))
	resyncSvc := resync.New(rsCfg, func(ctx context.Context) error {
		_, err := reminder.ReconcileIdle(ctx, store, engine, resyncLog)
		return err
	}, resyncLog)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		root:    log,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engine,
		bridge:  bridge,
		relay:   relaySvc,
		resync:  resyncSvc,
	}, nil
}

// Logger returns the configured logger tagged with comp. It follows
// logging.* hot reloads.
func (a *App) Logger(comp string) logx.Logger {
	return a.root.With(logx.String("comp", comp))
}

func (a *App) Engine() *reminder.Engine { return a.engine }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Relay() *relay.Service { return a.relay }

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

// Start wires the bus, seeds reminders for every pull request in review and
// starts the background services. It returns once the seed pass is done.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRelayConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	// The relay is stopped explicitly in Stop so queued pings drain.
	a.relay.Start(context.WithoutCancel(a.sup.Context()))

	run, err := a.bridge.Listen()
	if err != nil {
		return err
	}
	a.sup.Go("reminder.bridge", run)

	res, err := reminder.Reconcile(ctx, a.store, a.engine, a.log.With(logx.String("comp", "bootstrap")))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if err := a.resync.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("jobs", a.engine.Len()),
		logx.Int("seeded", res.Scheduled),
		logx.Int("seed_failures", res.Failed),
	)
	return nil
}

// Stop shuts the app down. Every step is bounded so one component can't
// stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// No new jobs and no new resync passes; in-flight fires finish.
	step("scheduling", 3*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error {
			a.resync.Stop(gctx)
			return nil
		})
		g.Go(func() error {
			a.engine.ShutdownAll()
			return a.engine.Wait(gctx)
		})
		return g.Wait()
	})
	step("relay", 2*time.Second, func(c context.Context) error {
		a.relay.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		return a.store.Close()
	})

	st := a.engine.Stats()
	rs := a.relay.Stats()
	a.log.Info("stopped",
		logx.Uint64("fired", st.Fired),
		logx.Uint64("pings", st.Pings),
		logx.Uint64("relayed", rs.Sent),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
