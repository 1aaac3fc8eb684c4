package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"dotpush/internal/automation"
	"dotpush/internal/config"
	"dotpush/internal/delivery"
	"dotpush/internal/eventbus"
	"dotpush/internal/httpapi"
	"dotpush/internal/macro"
	"dotpush/internal/notify"
	"dotpush/internal/runtime/supervisor"
	"dotpush/internal/storage"
	logx "dotpush/pkg/logx"
)

// App wires config, storage, the automation core and its surfaces.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *delivery.Client
	auto   *automation.Service
	notif  *notify.Service

	httpCfg httpSettings
	srv     *http.Server
	addr    chan string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	autoCfg, _ := mapAutomationConfig(cfg)
	delivCfg, _ := mapDeliveryConfig(cfg)
	storeCfg, _ := mapStorageConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)
	notifCfg, tgCfg, _ := mapNotifyConfig(cfg)

	store, err := storage.Open(storeCfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storeCfg.Driver))

	tz := autoCfg.Timezone
	if tz == "" {
		tz = automation.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("automation.timezone: %w", err)
	}

	bus := eventbus.New()
	client := delivery.New(delivCfg, log)
	auto, err := automation.New(autoCfg, automation.Deps{
		Store:     store,
		Deliverer: client,
		Macros:    macro.New(loc),
		Bus:       bus,
		Log:       log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var sender notify.Sender
	if notifCfg.Enabled {
		tg, err := notify.NewTelegram(tgCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("notify: %w", err)
		}
		sender = tg
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		auto:    auto,
		notif:   notify.New(notifCfg, sender, log),
		httpCfg: httpCfg,
		addr:    make(chan string, 1),
	}, nil
}

// Automation exposes the core service.
func (a *App) Automation() *automation.Service { return a.auto }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr reports the bound control surface address once listening.
func (a *App) HTTPAddr(ctx context.Context) (string, error) {
	select {
	case addr := <-a.addr:
		a.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.auto.Load(ctx); err != nil {
		return err
	}
	a.auto.Start(a.sup.Context())
	a.notif.Start(a.sup.Context(), a.bus)

	if a.httpCfg.Addr != "" {
		if err := a.startHTTP(); err != nil {
			return err
		}
	}

	if a.bus != nil {
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
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startHTTP() error {
	ln, err := net.Listen("tcp", a.httpCfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.httpCfg.Addr, err)
	}
	a.srv = &http.Server{
		Handler:           httpapi.NewHandler(a.auto, a.log, httpapi.WithProfiler(a.httpCfg.Pprof)),
		ReadTimeout:       a.httpCfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.httpCfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	a.addr <- ln.Addr().String()
	a.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

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
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the hot-reloadable sections: logging, credentials,
// delivery and notify tuning.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ac, err := mapAutomationConfig(newCfg); err != nil {
		a.log.Warn("invalid automation config; keeping previous", logx.Err(err))
	} else {
		n := a.auto.SyncCredentials(ac.Credentials)
		a.log.Debug("credentials synced", logx.Int("devices", n))
		if ac.Timezone != "" && ac.Timezone != a.auto.Location().String() {
			a.log.Warn("automation.timezone changed; restart required", logx.String("timezone", ac.Timezone))
		}
	}

	if dc, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.client.Apply(dc)
	}

	if nc, _, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else if a.notif.Enabled() {
		// the Telegram target itself only changes on restart
		nc.Enabled = true
		a.notif.Apply(nc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("automation", 5*time.Second, a.auto.Stop)
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
