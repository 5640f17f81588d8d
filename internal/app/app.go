package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"onpatrol/internal/adapters/telegram"
	"onpatrol/internal/config"
	"onpatrol/internal/event"
	"onpatrol/internal/flood"
	"onpatrol/internal/notifier"
	"onpatrol/internal/observability/debugserver"
	"onpatrol/internal/recorder"
	rtsup "onpatrol/internal/runtime/supervisor"
	"onpatrol/internal/storage"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

// Options configure NewApp. Zero fields take production defaults.
type Options struct {
	Env Env
	// Messenger replaces the Telegram adapter.
	Messenger transport.Messenger
	// Detector, if set, labels event media before routing.
	Detector recorder.Detector
}

// App owns the config, logging, storage and the notification pipeline.
type App struct {
	env  Env
	cfgm *config.ConfigManager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	msgr  transport.Messenger
	flood *flood.Controller

	snaps    *notifier.SnapshotStore
	pipeline *notifier.Pipeline
	sup      *rtsup.Supervisor

	shutdownTimeout time.Duration
}

func NewApp(opts Options) (*App, error) {
	cfgPath := strings.TrimSpace(opts.Env.ConfigPath)
	if cfgPath == "" {
		return nil, errors.New("config path is required")
	}
	cfgm := config.NewConfigManager(cfgPath)
	raw, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	cfg := withEnv(raw, opts.Env)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config after environment overrides: %w", err)
	}

	logSvc, log := logx.New(cfg.LogConfig())

	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; sent messages will not expire")
	}

	msgr := opts.Messenger
	if msgr == nil {
		msgr = telegram.New(telegram.Config{}, log.With(logx.String("comp", "telegram")))
	}

	pcfg, err := cfg.Pipeline()
	if err != nil {
		return nil, err
	}
	shutdown, err := cfg.ShutdownTimeout()
	if err != nil {
		return nil, err
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	a := &App{
		env:             opts.Env,
		cfgm:            cfgm,
		cfg:             cfg,
		log:             log.With(logx.String("comp", "app")),
		logs:            logSvc,
		store:           store,
		msgr:            msgr,
		flood:           flood.New(cfg.FloodConfig()),
		snaps:           notifier.NewSnapshotStore(snap),
		shutdownTimeout: shutdown,
	}
	a.installLogSink(cfg)

	a.pipeline = notifier.NewPipeline(pcfg, notifier.Deps{
		Snapshots: a.snaps,
		Messenger: msgr,
		Flood:     a.flood,
		Store:     store,
		Log:       log.With(logx.String("comp", "notifier")),
		Pre: &recorder.Recorder{
			Store:     store,
			Snapshots: a.snaps,
			Detector:  opts.Detector,
			Log:       log,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return withEnv(next, opts.Env).Validate()
	})
	return a, nil
}

func withEnv(cfg *config.Config, e Env) *config.Config {
	cp := *cfg
	e.Apply(&cp)
	return &cp
}

func (a *App) Logger() logx.Logger { return a.log }

// Snapshot returns the routing snapshot currently in use.
func (a *App) Snapshot() *notifier.Snapshot { return a.snaps.Snapshot() }

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

// Verify checks every target against the Bot API and publishes the result.
func (a *App) Verify(ctx context.Context) []notifier.Target {
	snap := a.snaps.Snapshot()
	next := *snap
	next.Targets = notifier.VerifyTargets(ctx, a.msgr, snap.Targets, a.cfg.VerifyBurst(), a.log.With(logx.String("comp", "verify")))
	a.snaps.Swap(&next)
	return next.Targets
}

// Start verifies targets, starts the pipeline and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.Verify(a.sup.Context())
	if err := a.pipeline.Start(a.sup.Context()); err != nil {
		return err
	}

	updates := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-updates:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if dc := a.cfg.DebugServer(); dc.Enabled {
		srv := debugserver.New(dc, a.status, a.log.With(logx.String("comp", "debug")))
		a.sup.GoRestart("debug.http", srv.Serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("targets", len(a.snaps.Snapshot().Targets)))
	return nil
}

// reload re-verifies targets against the new config and swaps the snapshot.
// A rejected config keeps the previous snapshot.
func (a *App) reload(ctx context.Context, raw *config.Config) {
	cfg := withEnv(raw, a.env)
	if err := cfg.Validate(); err != nil {
		a.log.Warn("config reload rejected after environment overrides", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeConfigChange(a.cfg, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if config.RequiresRestart(a.cfg, cfg) {
		a.log.Warn("notifier, flood, storage or debug settings changed; restart required for them to take effect")
	}

	a.logs.Apply(cfg.LogConfig())
	a.installLogSink(cfg)

	snap, err := cfg.Snapshot()
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	a.notifySystemd(daemon.SdNotifyReloading)
	snap.Targets = notifier.VerifyTargets(ctx, a.msgr, snap.Targets, cfg.VerifyBurst(), a.log.With(logx.String("comp", "verify")))
	a.snaps.Swap(snap)
	a.cfg = cfg
	a.notifySystemd(daemon.SdNotifyReady)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) installLogSink(cfg *config.Config) {
	tl := cfg.TelegramLog
	if !tl.Enabled {
		a.logs.SetTelegramSender(nil)
		return
	}
	token, chatID := strings.TrimSpace(tl.Token), strings.TrimSpace(string(tl.ChatID))
	isGroup := strings.HasPrefix(chatID, "-")
	msgr, fc := a.msgr, a.flood
	a.logs.SetTelegramSender(func(ctx context.Context, text string) error {
		if err := fc.Delay(ctx, token, chatID, flood.DelayOptions{IsGroup: isGroup}); err != nil {
			return err
		}
		_, err := msgr.SendText(ctx, token, chatID, html.EscapeString(text))
		return err
	})
}

func (a *App) status() debugserver.Status {
	c := a.sup.Counters()
	st := debugserver.Status{
		RetriesPending: a.pipeline.RetriesPending(),
		Goroutines:     c.Active,
		Panics:         c.Panics,
	}
	select {
	case <-a.pipeline.Done():
	default:
		st.Running = true
	}
	for _, t := range a.snaps.Snapshot().Targets {
		st.Targets = append(st.Targets, debugserver.TargetStatus{
			Name:   t.Name,
			Active: t.Eligible(),
			Reason: t.Verification.Reason,
			Bot:    t.Verification.BotUsername,
		})
	}
	return st
}

// Submit hands ev to the pipeline.
func (a *App) Submit(ctx context.Context, ev event.Event) error {
	return a.pipeline.Submit(ctx, ev)
}

// Stop drains the pipeline within the configured shutdown timeout (or ctx,
// whichever ends first), then releases storage and logging.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.notifySystemd(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	stopCtx, cancel := context.WithTimeout(ctx, a.shutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.pipeline.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}

	a.sup.Cancel()
	if err := a.sup.Wait(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.log.Warn("stopped with errors", logx.Err(err))
	} else {
		a.log.Info("stopped")
	}
	_ = a.logs.Close()
	return err
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

func (a *App) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
