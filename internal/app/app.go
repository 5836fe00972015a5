// Package app assembles the daemon: config, logging, the MTProto client, the
// auth flow, the engine, and the supporting workers, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/internal/auth"
	"fleetbot/internal/config"
	"fleetbot/internal/engine"
	"fleetbot/internal/eventbus"
	"fleetbot/internal/history"
	"fleetbot/internal/httpapi"
	"fleetbot/internal/notifier"
	"fleetbot/internal/platform/mtproto"
	"fleetbot/internal/runtime/supervisor"
	logx "fleetbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	authm *auth.Manager
	eng   *engine.Engine
	hist  *history.Store
	histW *history.Worker
	notif *notifier.Service
	api   *httpapi.Server

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	client := mtproto.New(mtproto.Config{
		ConnectTimeout: config.DurationOr("platform.connect_timeout", cfg.Platform.ConnectTimeout, 15*time.Second),
		SendRatePerSec: cfg.Platform.SendRatePerSec,
		InboundBuffer:  cfg.Platform.InboundBuffer,
	}, log.With(logx.String("comp", "mtproto")))

	authm := auth.New(client, bus, log.With(logx.String("comp", "auth")))

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("engine.timezone: %w", err)
		}
	}
	eng := engine.New(client, bus, log.With(logx.String("comp", "engine")),
		engine.WithLocation(loc))

	a := &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		bus:   bus,
		authm: authm,
		eng:   eng,
	}

	if hc := cfg.History; hc != nil && hc.Enabled {
		histCfg := history.Config{
			Enabled:     true,
			Path:        hc.Path,
			BusyTimeout: config.DurationOr("history.busy_timeout", hc.BusyTimeout, 5*time.Second),
			RetainDays:  hc.RetainDays,
			PruneSpec:   hc.PruneSpec,
		}
		store, err := history.Open(histCfg, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		a.hist = store
		a.histW = history.NewWorker(store, bus, histCfg, log.With(logx.String("comp", "history")))
		log.Info("history enabled", logx.String("path", hc.Path))
	}

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		sender, err := notifier.NewTelegramSender(nc.Token)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		a.notif = notifier.New(notifier.Config{
			Enabled:    true,
			ChatID:     nc.ChatID,
			RatePerSec: nc.RatePerSec,
			RetryMax:   2,
		}, sender, bus, log.With(logx.String("comp", "notifier")))
		log.Info("operator notifier enabled", logx.Int64("chat", nc.ChatID))
	}

	a.api = httpapi.New(cfg.API, authm, eng, a.hist, log.With(logx.String("comp", "api")))
	return a, nil
}

// Start launches every worker. It returns once all are running; the daemon
// then lives until the supervisor's context ends.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	a.sup.Go("api", a.api.Run)
	a.sup.Go("auth.janitor", a.authm.Janitor)

	// The bus consumers are best-effort side channels: a failure there should
	// self-heal, not take the daemon down.
	if a.histW != nil {
		a.sup.GoRestart("history.journal", a.histW.Run)
		a.sup.Go("history.prune", a.histW.Pruner)
	}
	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run)
	}

	// Hot reload: the watcher publishes validated configs, the fan-out loop
	// applies what can change at runtime (currently the logging sink).
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded")
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("daemon started")
	return nil
}

// Done exposes the supervisor's lifetime for the main loop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop unwinds in order: no new work, drain bots, wait for workers, close the
// journal and log sinks last.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	a.eng.StopAll(stopCtx)

	err := a.sup.Wait(stopCtx)
	if a.hist != nil {
		_ = a.hist.Close()
	}
	_ = a.logs.Close()
	return err
}

// validate is the shared gate for both the initial load and hot reloads.
func validate(ctx context.Context, cfg *config.Config) error {
	for path, raw := range map[string]string{
		"api.read_timeout":         cfg.API.ReadTimeout,
		"api.write_timeout":        cfg.API.WriteTimeout,
		"api.idle_timeout":         cfg.API.IdleTimeout,
		"platform.connect_timeout": cfg.Platform.ConnectTimeout,
	} {
		if _, err := config.ParseDuration(path, raw); err != nil {
			return err
		}
	}
	if cfg.Platform.SendRatePerSec < 0 {
		return fmt.Errorf("platform.send_rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}
	if hc := cfg.History; hc != nil && hc.Enabled {
		if strings.TrimSpace(hc.Path) == "" {
			return fmt.Errorf("history.path is required when history is enabled")
		}
		if _, err := config.ParseDuration("history.busy_timeout", hc.BusyTimeout); err != nil {
			return err
		}
		if spec := strings.TrimSpace(hc.PruneSpec); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("history.prune_spec: %w", err)
			}
		}
	}
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		if strings.TrimSpace(nc.Token) == "" {
			return fmt.Errorf("notifier.token is required when the notifier is enabled")
		}
		if nc.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id is required when the notifier is enabled")
		}
	}
	return nil
}
