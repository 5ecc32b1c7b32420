// Package app wires the trigger daemon together: config, logging,
// storage, the scheduler poller, the event receiver with its retry
// queue, the notifier, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/events"
	"triggerd/internal/httpapi"
	"triggerd/internal/notify"
	"triggerd/internal/retryq"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *workflow.Registry
	runner   workflow.Runner

	poller   *trigger.Poller
	queue    *retryq.Queue
	worker   *retryq.Worker
	receiver *events.Receiver
	notif    *notify.Service
	api      *httpapi.API

	// Live-toggled loops (scheduler poller, retry drain). Guarded by
	// loopMu: the reload handler and Stop both touch them.
	loopMu     sync.Mutex
	pollerLoop *loopHandle
	drainLoop  *loopHandle
}

// loopHandle tracks a loop the reload handler can stop independently of
// the rest of the supervisor tree.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	if err := validateTemplates(cfg); err != nil {
		return nil, err
	}
	registry := workflow.NewRegistry(templatesOf(cfg))

	var runner workflow.Runner
	if cfg.Runner.URL != "" {
		timeout, terr := mapRunnerTimeout(cfg)
		if terr != nil {
			return nil, terr
		}
		runner, err = workflow.NewHTTPRunner(cfg.Runner.URL, timeout)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("runner.url is not configured; every invocation will fail")
		runner = unconfiguredRunner{}
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		runner:   runner,
	}

	a.queue = retryq.NewQueue(store, a.retrySettings)
	a.receiver = events.NewReceiver(registry, runner, store, a.queue, a.eventsSettings,
		log.With(logx.String("comp", "events")))
	a.worker = retryq.NewWorker(store, a.receiver, bus, a.retrySettings,
		log.With(logx.String("comp", "retryq")))
	a.poller = trigger.NewPoller(store, runner, bus, a.schedulerSettings,
		log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapters, err := buildNotifyAdapters(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(ncfg, adapters, log)

	a.api = httpapi.New(store, a.receiver, a.worker, a.httpSettings, log)

	return a, nil
}

// Settings closures read the committed config on every call so a reload
// retunes live components without restarts.

func (a *App) schedulerSettings() trigger.Settings {
	s, _ := mapSchedulerSettings(a.cfgm.Get())
	return s
}

func (a *App) eventsSettings() events.Settings {
	s, _ := mapEventsSettings(a.cfgm.Get())
	return s
}

func (a *App) retrySettings() retryq.Settings {
	s, _ := mapRetryQueueSettings(a.cfgm.Get())
	return s
}

func (a *App) httpSettings() httpapi.Settings {
	return mapHTTPSettings(a.cfgm.Get())
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerSettings(cfg); err != nil {
			return err
		}
		if _, err := mapEventsSettings(cfg); err != nil {
			return err
		}
		if _, err := mapRetryQueueSettings(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRunnerTimeout(cfg); err != nil {
			return err
		}
		return validateTemplates(cfg)
	})

	cfg := a.cfgm.Get()

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("notify.bridge", func(c context.Context) error {
		return notify.RunBridge(c, a.bus, a.notif, a.log)
	})

	if cfg.Scheduler.Enabled {
		a.startPoller()
	}
	if drainEnabled(cfg) {
		a.startDrain()
	}

	addr := httpAddr(cfg)
	a.sup.Go("httpapi", func(c context.Context) error {
		return a.api.Serve(c, addr)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("http_addr", addr))
	return nil
}

// applyReload pushes a validated config into the running components.
// Storage, the HTTP listen address, the runner endpoint, and the
// notification adapters are fixed at startup; everything else is live.
func (a *App) applyReload(ctx context.Context, prev, cfg *Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.registry.Apply(templatesOf(cfg))

	if prev != nil {
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if httpAddr(prev) != httpAddr(cfg) {
			a.log.Warn("http.addr changed; restart required for changes to take effect")
		}
		if prev.Runner != cfg.Runner {
			a.log.Warn("runner config changed; restart required for changes to take effect")
		}
		if notifyAdaptersChanged(prev, cfg) {
			a.log.Warn("notifier adapters changed; restart required for changes to take effect")
		}
	}

	// Scheduler poller on/off.
	if cfg.Scheduler.Enabled && !a.pollerRunning() {
		a.log.Info("scheduler enabled via config")
		a.startPoller()
	} else if !cfg.Scheduler.Enabled && a.pollerRunning() {
		a.log.Info("scheduler disabled via config")
		a.stopPoller(ctx)
	}

	// Retry drain on/off.
	if drainEnabled(cfg) && !a.drainRunning() {
		a.log.Info("retry drain enabled via config")
		a.startDrain()
	} else if !drainEnabled(cfg) && a.drainRunning() {
		a.log.Info("retry drain disabled via config")
		a.stopDrain(ctx)
	}

	// Notifier pipeline tunables plus on/off.
	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.sup.Context())
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) pollerRunning() bool {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	return a.pollerLoop != nil
}

func (a *App) drainRunning() bool {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	return a.drainLoop != nil
}

func (a *App) startPoller() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.pollerLoop == nil {
		a.pollerLoop = a.startLoop("scheduler.poller", a.poller.Run)
	}
}

func (a *App) startDrain() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.drainLoop == nil {
		a.drainLoop = a.startLoop("retryq.drain", a.worker.Run)
	}
}

func (a *App) stopPoller(ctx context.Context) {
	a.loopMu.Lock()
	h := a.pollerLoop
	a.pollerLoop = nil
	a.loopMu.Unlock()
	waitLoop(ctx, h)
}

func (a *App) stopDrain(ctx context.Context) {
	a.loopMu.Lock()
	h := a.drainLoop
	a.drainLoop = nil
	a.loopMu.Unlock()
	waitLoop(ctx, h)
}

// startLoop runs fn under the supervisor but with its own cancel so the
// reload handler can stop just this loop. Callers hold loopMu.
func (a *App) startLoop(name string, fn func(context.Context) error) *loopHandle {
	loopCtx, cancel := context.WithCancel(a.sup.Context())
	done := make(chan struct{})
	a.sup.Go0(name, func(context.Context) {
		defer close(done)
		if err := fn(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("loop exited", logx.String("name", name), logx.Err(err))
		}
	})
	return &loopHandle{cancel: cancel, done: done}
}

func waitLoop(ctx context.Context, h *loopHandle) {
	if h == nil {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown phase with an upper bound so a single
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 4*time.Second, func(c context.Context) error {
		a.stopPoller(c)
		return nil
	})
	step("retryq", 4*time.Second, func(c context.Context) error {
		a.stopDrain(c)
		return nil
	})
	step("notifier", 3*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("supervisor", 4*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// buildNotifyAdapters constructs the configured delivery targets. Both
// adapters may be active at once; a notifier section with neither set is
// allowed but will drop every alert.
func buildNotifyAdapters(cfg *Config) ([]notify.Adapter, error) {
	if cfg == nil || cfg.Notifier == nil {
		return nil, nil
	}
	var out []notify.Adapter
	if cfg.Notifier.WebhookURL != "" {
		out = append(out, notify.NewWebhook(cfg.Notifier.WebhookURL))
	}
	if tg := cfg.Notifier.Telegram; tg != nil {
		ad, err := notify.NewTelegram(tg.Token, tg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, ad)
	}
	return out, nil
}

func notifyAdaptersChanged(prev, cfg *Config) bool {
	pn, cn := prev.Notifier, cfg.Notifier
	if (pn == nil) != (cn == nil) {
		return true
	}
	if pn == nil {
		return false
	}
	if pn.WebhookURL != cn.WebhookURL {
		return true
	}
	if (pn.Telegram == nil) != (cn.Telegram == nil) {
		return true
	}
	return pn.Telegram != nil && *pn.Telegram != *cn.Telegram
}

// unconfiguredRunner rejects every invocation. It keeps the rest of the
// system functional when runner.url is not set (dry runs, local tests).
type unconfiguredRunner struct{}

func (unconfiguredRunner) Invoke(context.Context, string, workflow.Period) (string, error) {
	return "", errors.New("runner.url is not configured")
}
