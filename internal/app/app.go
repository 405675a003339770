// Package app wires the daemon together: config, logging, catalogue,
// dispatcher, scheduler, and the ingress surfaces, all run under one
// supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"routined/internal/config"
	"routined/internal/dispatch"
	"routined/internal/eventbus"
	"routined/internal/executor"
	"routined/internal/history"
	"routined/internal/ingress"
	"routined/internal/provider"
	"routined/internal/routine"
	"routined/internal/runtime/supervisor"
	"routined/internal/scheduler"
	logx "routined/pkg/logx"
)

const stopTimeout = 10 * time.Second

type App struct {
	cfg  *config.Config
	log  logx.Logger
	logs *logx.Service

	bus  eventbus.Bus
	hist history.Store
	disp *dispatch.Dispatcher

	sup *supervisor.Supervisor
}

// New loads the config at cfgPath and constructs every component. Nothing
// is running yet; call Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(cfg.Logging)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	hist, err := history.Open(cfg.History, log.With(logx.String("comp", "history")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	var prov provider.Provider
	if cfg.Provider.Primary != nil {
		prov, err = provider.New(*cfg.Provider.Primary)
		if err != nil {
			logs.Close()
			return nil, fmt.Errorf("build provider: %w", err)
		}
		if cfg.Provider.Fallback != nil {
			second, ferr := provider.New(*cfg.Provider.Fallback)
			if ferr != nil {
				logs.Close()
				return nil, fmt.Errorf("build fallback provider: %w", ferr)
			}
			prov = provider.NewFallback(prov, second, log.With(logx.String("comp", "provider")))
		}
	}

	store := routine.NewStore(cfg.Routines.Path, log.With(logx.String("comp", "store")))
	exec := executor.New(prov, nil, cfg.ExecutorTimeout(0), log.With(logx.String("comp", "executor")))
	disp := dispatch.New(store, exec, hist, bus, log.With(logx.String("comp", "dispatch")))

	return &App{cfg: cfg, log: log, logs: logs, bus: bus, hist: hist, disp: disp}, nil
}

// Dispatcher exposes the admission pipeline, mainly for embedding callers.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Start launches the configured subsystems and notifies systemd.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("already started")
	}
	a.sup = supervisor.New(ctx, a.log.With(logx.String("comp", "supervisor")))

	if a.cfg.Scheduler.Enabled {
		sched := scheduler.New(
			a.disp,
			a.cfg.PollInterval(scheduler.DefaultPollInterval),
			a.cfg.Location(),
			a.log.With(logx.String("comp", "scheduler")),
		)
		a.sup.Go("scheduler", sched.Run)
	}
	if a.cfg.Routines.Watch {
		w := dispatch.NewWatcher(a.disp, a.log.With(logx.String("comp", "watcher")))
		a.sup.Go("watcher", w.Run)
	}
	if h := a.cfg.Ingress.HTTP; h != nil && h.Enabled {
		srv := ingress.NewWebhookServer(h.WebhookConfig, a.disp, a.log.With(logx.String("comp", "webhook")))
		a.sup.Go("webhook", srv.Run)
	}
	if t := a.cfg.Ingress.Telegram; t != nil {
		adapter, err := ingress.NewTelegramAdapter(*t, a.disp, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		// telegram long polling drops on transient network errors
		a.sup.GoRestart("telegram", time.Second, 30*time.Second, adapter.Run)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("daemon started",
		logx.Int("routines", a.disp.Store().Len()),
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled),
		logx.Bool("watch", a.cfg.Routines.Watch))
	return nil
}

// Stop shuts down subsystems, waits for in-flight executions, and closes
// the history store and log sinks.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(stopTimeout); err != nil {
			firstErr = err
		}
	}
	wctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := a.disp.Wait(wctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("waiting for executions: %w", err)
	}
	if a.hist != nil {
		if err := a.hist.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("daemon stopped", logx.Err(firstErr))
	a.logs.Close()
	return firstErr
}
