// Package app wires pingbot's components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"pingbot/internal/config"
	"pingbot/internal/dedup"
	"pingbot/internal/dispatch"
	"pingbot/internal/eventbus"
	"pingbot/internal/httpapi"
	"pingbot/internal/linking"
	"pingbot/internal/observability"
	rtsup "pingbot/internal/runtime/supervisor"
	"pingbot/internal/schedules"
	"pingbot/internal/storage"
	"pingbot/internal/transport"
	telegram "pingbot/internal/transport/telegram/adapter"
	"pingbot/internal/transport/telegram/router"
	logx "pingbot/pkg/logx"
	"pingbot/pkg/systemd"
)

const updatesBuffer = 256

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus       eventbus.Bus
	reg       *prometheus.Registry
	collector *observability.Collector

	store storage.Store
	rdb   *redis.Client
	seen  dedup.Store
	gw    transport.Adapter

	schedules  *schedules.Service
	dispatcher *dispatch.Dispatcher
	reconciler *dispatch.Reconciler
	linking    *linking.Service
	router     *router.Router
	http       *httpapi.Service
	sd         *systemd.Notifier

	updates chan transport.Update
}

type Option func(*options)

type options struct {
	gateway transport.Adapter
}

// WithGateway replaces the Telegram adapter.
func WithGateway(gw transport.Adapter) Option {
	return func(o *options) { o.gateway = gw }
}

// New builds every component from the manager's current config without
// starting any of them. Callers must Stop the app to release resources
// even when Start is never called.
func New(ctx context.Context, cfgm *config.Manager, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := cfgm.Get()
	if cfg == nil {
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logs, log := logx.New(mapLogging(cfg))
	a = &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		reg:     prometheus.NewRegistry(),
		sd:      systemd.NewNotifier(log),
		updates: make(chan transport.Update, updatesBuffer),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.store, err = storage.Open(ctx, mapStorage(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a.gw = o.gateway
	if a.gw == nil {
		ad, err := telegram.New(mapTelegram(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.gw = ad
	}
	logs.SetAlertSender(func(ctx context.Context, chatID int64, _ int, text string) error {
		_, err := a.gw.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
		return err
	})

	ropts, ttl := mapRedis(cfg)
	if ropts != nil {
		a.rdb = redis.NewClient(ropts)
		a.seen = dedup.NewRedis(a.rdb, ttl)
		a.log.Info("callback dedup uses redis", logx.String("addr", ropts.Addr))
	} else {
		a.seen = dedup.NewMemory(ttl)
	}

	a.collector = observability.NewCollector(a.bus, log)
	observability.Register(a.reg)
	a.reg.MustRegister(
		a.collector.DroppedEvents(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.schedules = schedules.New(a.store, log)
	a.dispatcher = dispatch.New(mapDispatcher(cfg), a.schedules, a.store, a.gw, log,
		dispatch.WithBus(a.bus),
	)
	a.reconciler = dispatch.NewReconciler(a.store, a.store, a.gw, log,
		dispatch.WithBus(a.bus),
		dispatch.WithDedup(a.seen),
	)
	a.linking = linking.New(a.store, a.gw, mapCodeTTL(cfg), log)
	a.router = router.New(mapRouter(cfg),
		a.linking.HandleMessage,
		func(ctx context.Context, cb transport.Callback) { a.reconciler.Handle(ctx, cb) },
		log,
	)

	hc := mapHTTP(cfg)
	a.http = httpapi.New(hc, httpapi.Routes{
		Gatherer: a.reg,
		Checks:   a.readinessChecks(),
	}, log)
	return a, nil
}

func (a *App) readinessChecks() []httpapi.ReadyzCheck {
	checks := []httpapi.ReadyzCheck{a.store.Ping}
	if a.rdb != nil {
		checks = append(checks, func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() })
	}
	return checks
}

// healthy runs every readiness check; used to gate watchdog pings.
func (a *App) healthy(ctx context.Context) error {
	for _, check := range a.readinessChecks() {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Schedules() *schedules.Service { return a.schedules }

func (a *App) Linking() *linking.Service { return a.linking }

// Tick runs one dispatcher pass outside the loop.
func (a *App) Tick(ctx context.Context) (dispatch.TickReport, error) {
	return a.dispatcher.Tick(ctx)
}

// Done is closed when the app supervisor stops, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.gw.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("gateway start: %w", err)
	}
	if mu, ok := a.gw.(transport.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, router.MenuCommands()); err != nil {
			a.log.Warn("command menu not updated", logx.Err(err))
		}
		cancel()
	}

	a.sup.Go("router", func(c context.Context) error { return a.router.Run(c, a.updates) })
	a.sup.Go("dispatcher", a.dispatcher.Run)
	a.sup.Go("metrics.collector", a.collector.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := a.sd.Watchdog(c, a.healthy); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
		return nil
	})
	a.http.Start(a.sup.Context())

	a.sd.Ready()
	a.sd.Status("dispatching every %s", mapDispatcher(a.cfgm.Get()).Interval)
	a.log.Info("app started")
	return nil
}

// Stop shuts components down in reverse dependency order, each step bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sd.Stopping()
		a.sup.Cancel()
		a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
		a.step(ctx, "gateway", 3*time.Second, a.gw.Stop)
		a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	}
	a.release()
	return nil
}

// release closes the resources New opened.
func (a *App) release() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
