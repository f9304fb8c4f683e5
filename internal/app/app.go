package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pingrelay/internal/bot"
	"pingrelay/internal/config"
	"pingrelay/internal/httpapi"
	"pingrelay/internal/linking"
	"pingrelay/internal/notify"
	"pingrelay/internal/storage"
	"pingrelay/internal/transport/telegram"
	"pingrelay/pkg/logx"
)

const (
	defaultRetentionSchedule = "0 4 * * *"
	defaultRetentionKeep     = 720 * time.Hour
)

// App wires the relay together: config manager, storage, linking engine,
// Telegram front-end, delivery pipeline and the platform HTTP API.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *storage.Store
	engine   *linking.Engine
	adapter  *telegram.Adapter
	bot      *bot.Bot
	notifier *notify.Service
	emailer  *notify.Emailer
	httpSrv  *httpapi.Server
	cron     *cron.Cron

	bg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
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
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("component", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	ttl, _ := config.ParseDurationField("linking.token_ttl", cfg.Linking.TokenTTL)
	a.engine = linking.NewEngine(store, ttl, a.log.With(logx.String("component", "linking")))

	poll, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
	}, a.log.With(logx.String("component", "telegram")))
	if err != nil {
		_ = store.Close()
		return err
	}
	a.adapter = adapter

	a.bot = bot.New(adapter, a.engine, store, a.log.With(logx.String("component", "bot")))

	a.notifier = notify.New(notifierConfig(cfg.Notifier), adapter,
		a.log.With(logx.String("component", "notify")))

	a.emailer = notify.NewEmailer(emailConfig(cfg.Email),
		a.log.With(logx.String("component", "email")))

	api := httpapi.NewAPI(a.engine, store, a.notifier, a.emailer,
		cfg.Telegram.BotUsername, a.log.With(logx.String("component", "httpapi")))

	readTO, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	writeTO, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	idleTO, _ := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	a.httpSrv = httpapi.NewServer(httpapi.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		IdleTimeout:  idleTO,
	}, api.Router(), a.log.With(logx.String("component", "http")))

	if cfg.Linking.Retention.Enabled {
		a.cron = cron.New()
		schedule := cfg.Linking.Retention.Schedule
		if schedule == "" {
			schedule = defaultRetentionSchedule
		}
		keep, _ := config.ParseDurationOrDefault("linking.retention.keep", cfg.Linking.Retention.Keep, defaultRetentionKeep)
		log := a.log.With(logx.String("component", "retention"))
		_, err := a.cron.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := a.store.PurgeDeadTokens(ctx, time.Now().Add(-keep))
			if err != nil {
				log.Warn("token purge failed", logx.Err(err))
				return
			}
			if n > 0 {
				log.Info("dead tokens purged", logx.Int64("rows", n))
			}
		})
		if err != nil {
			_ = store.Close()
			return err
		}
	}

	return nil
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.notifier.Start(rctx)

	if err := a.bot.Start(rctx); err != nil {
		cancel()
		return err
	}

	a.httpSrv.Start()

	if a.cron != nil {
		a.cron.Start()
	}

	// Config file watcher plus the reload applier.
	sub := a.cfgMgr.Subscribe(1)
	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		if err := a.cfgMgr.Watch(rctx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		defer a.bg.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-rctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.log.Info("relay started")
	return nil
}

// applyReload applies the hot-reloadable subset of the config. Storage path,
// bot token and HTTP addr need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	ttl, _ := config.ParseDurationField("linking.token_ttl", cfg.Linking.TokenTTL)
	a.engine.SetTokenTTL(ttl)

	a.notifier.Apply(notifierConfig(cfg.Notifier))

	a.log.Info("config applied", logx.Duration("token_ttl", ttl))
}

func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	// Intake first: stop accepting HTTP requests, then the bot, then drain the
	// delivery queue, then close storage.
	if err := a.httpSrv.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if err := a.bot.Stop(ctx); err != nil {
		a.log.Warn("bot shutdown", logx.Err(err))
	}
	a.notifier.Stop(ctx)

	a.bg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("relay stopped")
	_ = a.logSvc.Close()
}

// Err surfaces a fatal HTTP serve failure so main can exit instead of
// running half-alive.
func (a *App) Err() <-chan error { return a.httpSrv.Err() }

func notifierConfig(nc *config.NotifierConfig) notify.Config {
	out := notify.Config{Enabled: true}
	if nc == nil {
		return out
	}
	out.Enabled = nc.Enabled
	out.Workers = nc.Workers
	out.QueueSize = nc.QueueSize
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.RetryBase, _ = config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	out.RetryMaxDelay, _ = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	return out
}

func emailConfig(ec *config.EmailConfig) notify.EmailConfig {
	if ec == nil {
		return notify.EmailConfig{}
	}
	return notify.EmailConfig{
		Enabled:  ec.Enabled,
		Host:     ec.Host,
		Port:     ec.Port,
		Username: ec.Username,
		Password: ec.Password,
		From:     ec.From,
	}
}
