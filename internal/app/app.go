// Package app wires the quotecast components together and owns process
// lifecycle: startup order, config hot reload, and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"quotecast/internal/catalog"
	"quotecast/internal/config"
	"quotecast/internal/dispatch"
	"quotecast/internal/eventbus"
	"quotecast/internal/inbound"
	"quotecast/internal/roster"
	rtsup "quotecast/internal/runtime/supervisor"
	"quotecast/internal/scheduler"
	"quotecast/internal/session"
	"quotecast/internal/transport"
	"quotecast/internal/transport/telegram"
	logx "quotecast/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   roster.Store
	cat     *catalog.Catalog
	client  transport.Client
	state   *session.State
	disp    *dispatch.Service
	sched   *scheduler.Service
	handler *inbound.Handler

	events chan transport.Event
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDuration("channel.poll_timeout", cfg.Channel.PollTimeout)
	if err != nil {
		return nil, err
	}
	client, err := telegram.New(telegram.Config{
		Token:       cfg.Channel.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "channel")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	state := session.New(log.With(logx.String("comp", "session")))

	rcfg, err := mapRosterConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := roster.Open(rcfg, log.With(logx.String("comp", "roster")))
	if err != nil {
		return nil, err
	}

	cat := catalog.Load(cfg.Catalog.Path, log.With(logx.String("comp", "catalog")))
	if cat.Len() == 0 {
		log.Warn("content catalog is empty; scheduled runs will have nothing to send")
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, client, log.With(logx.String("comp", "dispatch")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		cat:     cat,
		client:  client,
		state:   state,
		disp:    disp,
		events:  make(chan transport.Event, 256),
	}

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Schedule.Enabled,
		Spec:     cfg.Schedule.Spec,
		Timezone: cfg.Schedule.Timezone,
	}, state, a.runDispatch, log.With(logx.String("comp", "scheduler")), bus)

	a.handler = inbound.New(mapKeywordsConfig(cfg), store, client, state,
		log.With(logx.String("comp", "inbound")), bus)

	return a, nil
}

// runDispatch is the scheduler job: select today's item, snapshot the
// roster, fan out. The roster snapshot is taken before the run starts;
// an unsubscribe landing mid-run may still receive this run's send, which
// is an accepted race, not a defect.
func (a *App) runDispatch(ctx context.Context, now time.Time) {
	item, idx, err := a.cat.SelectForDate(now)
	if errors.Is(err, catalog.ErrNoContent) {
		a.log.Warn("tick skipped: no content available")
		return
	}
	a.log.Info("content selected", logx.Int("item", idx), logx.String("date", now.Format("2006-01-02")))

	recipients, err := a.store.ListActive(ctx)
	if err != nil {
		a.log.Error("roster snapshot failed; tick skipped", logx.Err(err))
		return
	}
	if len(recipients) == 0 {
		a.log.Info("no active subscribers; nothing to do")
		return
	}

	if _, err := a.disp.Run(ctx, idx, item, recipients); errors.Is(err, dispatch.ErrRunInProgress) {
		a.log.Warn("tick skipped: previous run still in flight")
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := scheduler.Validate(scheduler.Config{
			Spec:     cfg.Schedule.Spec,
			Timezone: cfg.Schedule.Timezone,
		}); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRosterConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDuration("channel.poll_timeout", cfg.Channel.PollTimeout); err != nil {
			return err
		}
		return nil
	})

	if err := a.client.Start(a.sup.Context(), a.events); err != nil {
		return err
	}

	// The inbound loop is the single consumer of the event channel; it must
	// outlive any individual failure.
	a.sup.GoRestart("inbound.loop", func(c context.Context) error {
		return a.handler.Loop(c, a.events)
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; no scheduled dispatch will run")
	}

	// Debug tap on operational events.
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

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// applyConfig applies a validated hot reload. Channel token and roster
// driver changes need a restart; everything else applies live.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLoggingConfig(cfg))

	if dcfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(dcfg)
	}
	a.handler.Apply(mapKeywordsConfig(cfg))

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{
		Enabled:  cfg.Schedule.Enabled,
		Spec:     cfg.Schedule.Spec,
		Timezone: cfg.Schedule.Timezone,
	})
	switch {
	case prevEnabled && !cfg.Schedule.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && cfg.Schedule.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(a.sup.Context())
	}

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context first so loops (and an in-flight dispatch run)
	// start unwinding; the run finishes its current recipient and records
	// the rest as canceled.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("channel", 2*time.Second, func(c context.Context) error { return a.client.Stop(c) })
	step("roster", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRosterConfig(cfg *config.Config) (roster.Config, error) {
	busy, err := config.ParseDuration("roster.busy_timeout", cfg.Roster.BusyTimeout)
	if err != nil {
		return roster.Config{}, err
	}
	return roster.Config{
		Driver:      cfg.Roster.Driver,
		Path:        cfg.Roster.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	retryBase, err := config.ParseDuration("dispatch.retry_base", cfg.Dispatch.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	pauseBase, err := config.ParseDuration("dispatch.pause_base", cfg.Dispatch.PauseBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	pauseJitter, err := config.ParseDuration("dispatch.pause_jitter", cfg.Dispatch.PauseJitter)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RetryMax:    cfg.Dispatch.RetryMax,
		RetryBase:   retryBase,
		PauseBase:   pauseBase,
		PauseJitter: pauseJitter,
		RatePerSec:  cfg.Dispatch.RatePerSec,
	}, nil
}

func mapKeywordsConfig(cfg *config.Config) inbound.Config {
	return inbound.Config{
		UnsubscribeKeywords: cfg.Keywords.Unsubscribe,
		ResubscribeKeywords: cfg.Keywords.Resubscribe,
		AllowResubscribe:    cfg.Keywords.AllowResubscribe,
	}
}
