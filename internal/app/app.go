// Package app wires the engine, the operator bot and the ambient services
// together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"joinbot/internal/accounts"
	"joinbot/internal/commands"
	"joinbot/internal/config"
	"joinbot/internal/dispatcher"
	"joinbot/internal/eventbus"
	"joinbot/internal/janitor"
	"joinbot/internal/jobs"
	"joinbot/internal/joiner"
	"joinbot/internal/observability/debughttp"
	"joinbot/internal/proxy"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/storage"
	kit "joinbot/internal/transport"
	telegram "joinbot/internal/transport/telegram/adapter"
	"joinbot/internal/transport/telegram/router"
	"joinbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	proxies  *proxy.Registry
	dir      *accounts.Directory
	executor *joiner.Executor
	disp     *dispatcher.Service
	jobs     *jobs.Service
	janitor  *janitor.Service

	adapter  *telegram.Adapter
	cmdm     *router.CommandManager
	handlers *commands.Handlers
	notifier *groupNotifier
	debug    *debughttp.Service

	startedAt time.Time
	updates   chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapter(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enable the Telegram sink only once its
	// target is set so Apply does not warn about a missing chat.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	groupID, _ := cfg.GroupLogChatID()
	if groupID != 0 {
		logSvc.SetTelegramTarget(groupID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	with := func(comp string) logx.Logger { return log.With(logx.String("comp", comp)) }

	a := &App{
		cfgm:    cfgm,
		log:     with("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	a.notifier = &groupNotifier{adapter: ad, log: with("notifier")}
	a.notifier.SetTarget(groupID, cfg.Logging.Telegram.ThreadID)
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	with := func(comp string) logx.Logger { return log.With(logx.String("comp", comp)) }

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, with("storage")); err != nil {
		return err
	}

	a.proxies = proxy.NewRegistry(cfg.Proxies.Path, a.store, with("proxy"))
	eps, err := a.proxies.Load()
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	a.log.Info("proxies loaded", logx.Int("count", len(eps)), logx.String("path", cfg.Proxies.Path))

	a.dir = accounts.NewDirectory(cfg.Accounts.SessionsDir, cfg.QuarantineDir(), a.store, with("accounts"))

	mt, err := joiner.NewMTProto(mapMTProto(cfg), log)
	if err != nil {
		return err
	}
	exCfg, err := mapExecutor(cfg)
	if err != nil {
		return err
	}
	a.executor = joiner.NewExecutor(mt, a.dir, a.proxies, exCfg, log)

	dCfg, err := mapDispatcher(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatcher.New(dCfg, a.store, a.executor, a.bus, log)

	a.jobs = jobs.New(jobs.Deps{
		Store:       a.store,
		Directory:   a.dir,
		Proxies:     a.proxies,
		Quarantiner: a.executor,
		Processor:   a.disp,
		Bus:         a.bus,
		Log:         log,
		MinInterval: dCfg.MinInterval,
	})

	jCfg, err := mapJanitor(cfg)
	if err != nil {
		return err
	}
	a.janitor = janitor.New(jCfg, a.store, a.dir, log)
	if err := a.janitor.Validate(jCfg); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	dbg := mapDebug(cfg)
	if err := debughttp.Validate(dbg); err != nil {
		return fmt.Errorf("debug: %w", err)
	}
	a.debug = debughttp.New(dbg, a.statusDoc, log)

	a.handlers = commands.New(a.jobs, a.proxies, a.disp)
	a.cmdm = router.NewCommandManager(with("commands"), a.adapter, cfg.Telegram.OwnerUserIDs)
	return nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if cfg.SyncOnStart() {
		rep, err := a.jobs.SyncAccounts(runCtx)
		if err != nil {
			a.log.Warn("initial session sync failed", logx.Err(err))
		} else {
			a.log.Info("sessions synced", logx.Int("added", len(rep.Added)), logx.Int("known", rep.Known))
		}
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.cmdm.SetRegistry(runCtx, a.handlers.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if cfg.DispatcherEnabled() {
		a.disp.Start(runCtx)
	} else {
		a.log.Info("dispatcher disabled; items run only via /process")
	}
	a.janitor.Start(runCtx)
	a.debug.Start(runCtx)

	events, unsub := a.bus.Subscribe(64, eventbus.TypeAccountQuarantined)
	a.sup.Go0("notify.quarantine", func(c context.Context) {
		defer unsub()
		a.notifier.run(c, events)
	})

	all, unsubAll := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubAll()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-all:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if cfg.Proxies.Watch {
		a.sup.GoRestart("proxies.watch", a.proxies.Watch,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("started",
		logx.Bool("dispatcher", cfg.DispatcherEnabled()),
		logx.Bool("janitor", cfg.Janitor.Enabled),
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
	return nil
}

// validate rejects reloads whose derived component configs are invalid.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapDispatcher(cfg); err != nil {
		return err
	}
	jCfg, err := mapJanitor(cfg)
	if err != nil {
		return err
	}
	if err := a.janitor.Validate(jCfg); err != nil {
		return err
	}
	return debughttp.Validate(mapDebug(cfg))
}

func (a *App) reload(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.RestartRequired(old, cfg); len(restart) > 0 {
		a.log.Warn("restart required for some changes", logx.Strings("settings", restart))
	}

	groupID, _ := cfg.GroupLogChatID()
	a.logs.SetTelegramTarget(groupID, cfg.Logging.Telegram.ThreadID)
	a.notifier.SetTarget(groupID, cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(cfg))
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	// validate already accepted these mappings
	dCfg, _ := mapDispatcher(cfg)
	a.disp.Apply(dCfg)
	a.jobs.SetMinInterval(dCfg.MinInterval)
	switch {
	case cfg.DispatcherEnabled() && !a.disp.Running():
		a.disp.Start(a.sup.Context())
	case !cfg.DispatcherEnabled() && a.disp.Running():
		a.disp.Stop(ctx)
	}
	jCfg, _ := mapJanitor(cfg)
	a.janitor.Apply(jCfg)
	a.debug.Reconfigure(a.sup.Context(), mapDebug(cfg))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown action so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("dispatcher", 6*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("janitor", 2*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("joiner", 5*time.Second, a.executor.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
