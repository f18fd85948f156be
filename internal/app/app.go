// Package app wires the bot together: configuration, the chat gateway, the
// order lifecycle, the announcement and the operational surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smsbot/internal/announce"
	"smsbot/internal/config"
	"smsbot/internal/eventbus"
	"smsbot/internal/notify"
	"smsbot/internal/observability/ops"
	"smsbot/internal/orders"
	"smsbot/internal/provisioning"
	rtsup "smsbot/internal/runtime/supervisor"
	"smsbot/internal/storage"
	"smsbot/internal/task/scheduler"
	kit "smsbot/internal/transport"
	telegram "smsbot/internal/transport/telegram/adapter"
	logx "smsbot/pkg/logx"
)

const (
	jobPoll    = "orders.poll"
	jobRefresh = "announce.refresh"

	// jobTimeout bounds one poll tick or one announcement refresh.
	jobTimeout = 30 * time.Second
	// requestTimeout bounds the purchase behind one button press. Telegram
	// drops callback answers after roughly 15 seconds, and the reply still
	// needs to fit in that window.
	requestTimeout = 8 * time.Second
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	client  *provisioning.Client
	sched   *scheduler.Service

	dir       *orders.Directory
	placer    *orders.Placer
	poller    *orders.Poller
	refresher *announce.Refresher
	notifier  *notify.Dispatcher
	ops       *ops.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("info").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
		HistorySize: cfg.Telegram.HistorySize,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	client, err := provisioning.New(provisioning.Config{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		RatePerSec: cfg.Provider.RatePerSec,
		Timeout:    cfg.Provider.TimeoutOrDefault(),
	}, log.With(logx.String("comp", "provider")))
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{}, log.With(logx.String("comp", "scheduler")))
	dir := orders.NewDirectory()

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		client:  client,
		sched:   sched,
		dir:     dir,
		updates: make(chan kit.Update, 256),
	}

	author := strings.TrimSpace(cfg.Announce.Author)
	if author == "" {
		author = ad.Name()
	}
	var handles announce.HandleStore
	if store != nil {
		handles = store
	}
	a.refresher = announce.New(announce.Config{
		ChannelID: cfg.Telegram.ChannelID,
		Country:   cfg.Provider.Country,
		Service:   cfg.Provider.Service,
		ScanLimit: cfg.Announce.ScanLimit,
		Author:    author,
		URL:       cfg.Announce.URL,
	}, ad, client, handles, log.With(logx.String("comp", "announce")))

	a.placer = orders.NewPlacer(orders.PlacerConfig{
		Country: cfg.Provider.Country,
		Service: cfg.Provider.Service,
	}, dir, client, bus, log.With(logx.String("comp", "orders.placer")))
	a.placer.OnPlaced(func(orders.Placement) { a.refreshAsync("announce.refresh.placed") })

	// The dispatcher's runner is bound at Start; a.Go0 forwards to the live supervisor.
	a.notifier = notify.New(notify.Config{
		ChannelID: cfg.Telegram.ChannelID,
		TTL:       cfg.Orders.CodeTTLOrDefault(),
	}, ad, sched, appRunner{a}, log.With(logx.String("comp", "notify")))

	a.poller = orders.NewPoller(orders.PollerConfig{
		MaxAge: cfg.Orders.MaxAgeOrZero(),
	}, dir, client, a.notifier, bus, log.With(logx.String("comp", "orders.poller")))

	a.ops, err = ops.New(ops.Config{
		Addr:          cfg.Ops.Addr,
		Pprof:         cfg.Ops.Pprof,
		AllowNonLocal: cfg.Ops.AllowNonLocal,
	}, ops.Sources{
		Supervisors: a.supervisors,
		Orders:      dir.Active,
		Schedules:   sched.Snapshot,
	}, log.With(logx.String("comp", "ops")))
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// appRunner starts work on the app supervisor once it exists.
type appRunner struct{ a *App }

func (r appRunner) Go0(name string, fn func(ctx context.Context)) {
	if sup := r.a.sup; sup != nil {
		sup.Go0(name, fn)
		return
	}
	fn(context.Background())
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		out["telegram"] = sup.Snapshot()
	}
	return out
}

func (a *App) refreshAsync(name string) {
	if a.sup == nil {
		return
	}
	a.sup.Go0(name, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		if err := a.refresher.Refresh(ctx); err != nil {
			a.log.Warn("announcement refresh failed", logx.Err(err))
		}
	})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("telegram start: %w", err)
	}
	a.sched.Start(a.sup.Context())

	in := &interactions{
		placer:  a.placer,
		reply:   a.adapter,
		run:     a.sup,
		log:     a.log.With(logx.String("comp", "interactions")),
		timeout: requestTimeout,
	}
	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return in.loop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	var sink auditSink
	if a.store != nil {
		sink = a.store
	}
	a.sup.Go0("audit.record", func(c context.Context) {
		defer unsub()
		recordAudit(c, events, sink, a.log.With(logx.String("comp", "audit")))
	})

	a.refreshAsync("announce.refresh.startup")
	if err := a.scheduleJobs(cfg); err != nil {
		return err
	}

	if err := a.ops.Start(a.sup.Context(), a.sup); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("channel", cfg.Telegram.ChannelID),
		logx.String("country", cfg.Provider.Country),
		logx.String("service", cfg.Provider.Service),
	)
	return nil
}

func (a *App) scheduleJobs(cfg *config.Config) error {
	poll := func(ctx context.Context) error { return a.poller.Tick(ctx) }
	if err := a.sched.AddInterval(jobPoll, cfg.Orders.PollIntervalOrDefault(), jobTimeout, poll); err != nil {
		return fmt.Errorf("schedule %s: %w", jobPoll, err)
	}
	refresh := func(ctx context.Context) error { return a.refresher.Refresh(ctx) }
	if err := a.sched.AddInterval(jobRefresh, cfg.Announce.RefreshIntervalOrDefault(), jobTimeout, refresh); err != nil {
		return fmt.Errorf("schedule %s: %w", jobRefresh, err)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step(ctx, a.log, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step(ctx, a.log, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step(ctx, a.log, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step(ctx, a.log, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step(ctx, a.log, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	sent, failed, deleted := a.notifier.Stats()
	a.log.Info("stopped",
		logx.Int("open_orders", a.dir.Len()),
		logx.Uint64("codes_sent", sent),
		logx.Uint64("codes_failed", failed),
		logx.Uint64("codes_deleted", deleted),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	return a.logs.Close()
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

func logConfig(cfg *config.Config) logx.Config {
	path := strings.TrimSpace(cfg.Logging.File.Path)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    path != "",
			Path:       path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOrZero(),
	}
}
