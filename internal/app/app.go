// Package app wires the daemon together: config, logging, storage, the
// worker pool, background jobs, and lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"github.com/matthewnbrown/roc-massrecruit/internal/captcha"
	"github.com/matthewnbrown/roc-massrecruit/internal/config"
	"github.com/matthewnbrown/roc-massrecruit/internal/importer"
	"github.com/matthewnbrown/roc-massrecruit/internal/metrics"
	"github.com/matthewnbrown/roc-massrecruit/internal/notify"
	"github.com/matthewnbrown/roc-massrecruit/internal/roc"
	supv "github.com/matthewnbrown/roc-massrecruit/internal/runtime/supervisor"
	"github.com/matthewnbrown/roc-massrecruit/internal/scheduler"
	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
	"github.com/matthewnbrown/roc-massrecruit/internal/worker"
	"github.com/matthewnbrown/roc-massrecruit/internal/workflow"
	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	imp     *importer.Importer
	sched   *scheduler.Scheduler
	pool    *worker.Pool
	metrics *metrics.Metrics
	cron    *cron.Cron

	jobs config.JobsConfig

	sup *supv.Supervisor
}

// New loads the config and builds every component. Nothing is started yet.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	boot := logx.NewConsole(cfg.Logging.Level)

	var alerter logx.Alerter
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(notify.Config{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		}, boot)
		if err != nil {
			// Alerts are an extra channel, not a startup requirement.
			boot.Warn("telegram alerter unavailable", logx.Err(err))
		} else {
			alerter = tg
		}
	}

	logSvc, log := logx.New(logConfig(cfg.Logging), alerter)
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	d, err := durations(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "./accounts.db"
	}
	store, err := storage.Open(storage.Config{
		Path:        dbPath,
		BusyTimeout: d.busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	imp := importer.New(cfg.Accounts.CSVFile, store, log.With(logx.String("comp", "importer")))

	client, err := roc.NewClient(roc.Config{
		BaseURL:         cfg.Server.BaseURL,
		LoginEndpoint:   cfg.Server.LoginEndpoint,
		RecruitEndpoint: cfg.Server.RecruitEndpoint,
		UserAgent:       cfg.Server.UserAgent,
		Timeout:         d.requestTimeout,
		RatePerSec:      cfg.Server.RatePerSec,
		Markers: roc.Markers{
			Unsolved: cfg.Captcha.UnsolvedMessage,
			Solved:   cfg.Captcha.SolvedMessage,
			Success:  cfg.Captcha.SuccessMessage,
		},
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	var solver captcha.Solver
	if cfg.Captcha.Enabled {
		solver = captcha.NewAPISolver(cfg.Captcha.APIURL, d.requestTimeout)
	}

	keypad := newKeypad(cfg.Keypad)
	sorter := captcha.NewSorter(
		cfg.Buckets.ErrorDir,
		cfg.Buckets.FailedDir,
		cfg.Buckets.LowConfidenceDir,
		cfg.Buckets.CorrectDir,
		log.With(logx.String("comp", "sorter")),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	runner := workflow.New(workflow.Deps{
		Dial: workflow.DialerFunc(func(blob []byte) (workflow.Session, error) {
			return client.NewSession(blob)
		}),
		Solver:   solver,
		Keypad:   keypad,
		Sorter:   sorter,
		Sessions: store,
		Metrics:  m,
	}, workflow.Config{
		CaptchaEnabled:      cfg.Captcha.Enabled,
		ConfidenceThreshold: cfg.Captcha.ConfidenceThreshold,
		MaxAttempts:         cfg.Captcha.MaxAttempts,
		Zone:                cfg.Captcha.Zone,
		FailureCooldown:     d.failureCooldown,
	}, log.With(logx.String("comp", "workflow")))

	sched := scheduler.New(store, d.leaseTimeout)

	pool := worker.New(sched, runner, worker.Config{
		Workers:      cfg.Pool.Workers,
		IdlePoll:     d.idlePoll,
		ErrorBackoff: d.errorBackoff,
		JoinTimeout:  d.joinTimeout,
	}, m, log.With(logx.String("comp", "worker")))

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		store:   store,
		imp:     imp,
		sched:   sched,
		pool:    pool,
		metrics: m,
		jobs:    cfg.Jobs,
	}, nil
}

// Start syncs credentials, launches the pool and background jobs, and
// signals readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	n, err := a.imp.Sync(ctx)
	if err != nil {
		if errors.Is(err, importer.ErrNoFile) {
			if werr := a.imp.WriteExample(); werr == nil {
				a.log.Warn("created example credentials file; fill it in and restart",
					logx.String("file", a.imp.Path()))
			}
		}
		return err
	}
	if n == 0 {
		return fmt.Errorf("no accounts in %s", a.imp.Path())
	}

	a.sup = supv.New(ctx, supv.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.pool.Start()

	if err := a.startJobs(); err != nil {
		return err
	}

	cfg := a.cfgMgr.Get()
	if a.metrics != nil && cfg != nil {
		addr := cfg.Metrics.Addr
		a.sup.Go("metrics", func(ctx context.Context) error {
			return a.metrics.Serve(ctx, addr, a.log.With(logx.String("comp", "metrics")))
		})
	}

	a.sup.Go("config.watch", a.cfgMgr.Watch)
	updates := a.cfgMgr.Subscribe(1)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		a.applyUpdates(ctx, updates)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started", logx.Int("accounts", n))
	return nil
}

// startJobs registers the cron-driven background jobs.
func (a *App) startJobs() error {
	statusEvery, err := config.ParseDurationOrDefault("jobs.status_every", a.jobs.StatusEvery, 30*time.Second)
	if err != nil {
		return err
	}

	c := cron.New()
	if statusEvery > 0 {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", statusEvery), a.statusReport); err != nil {
			return fmt.Errorf("status job: %w", err)
		}
	}
	if spec := a.jobs.ResyncSchedule; spec != "" {
		if _, err := c.AddFunc(spec, a.resyncJob); err != nil {
			return fmt.Errorf("resync job: invalid schedule %q: %w", spec, err)
		}
	}
	c.Start()
	a.cron = c
	return nil
}

func (a *App) statusReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accounts, scheduled, err := a.store.Counts(ctx)
	if err != nil {
		a.log.Warn("status: counts failed", logx.Err(err))
		return
	}
	alive := a.pool.Alive()
	fields := []logx.Field{
		logx.Int("accounts", accounts),
		logx.Int("scheduled", scheduled),
		logx.Bool("pool_alive", alive),
	}
	if next, ok, err := a.sched.NextAvailable(ctx); err == nil && ok {
		fields = append(fields, logx.Time("next_available", next))
	}
	if !alive {
		a.log.Error("status: worker pool is dead", fields...)
		return
	}
	a.log.Info("status", fields...)
}

func (a *App) resyncJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := a.imp.Sync(ctx); err != nil {
		a.log.Warn("credentials resync failed", logx.Err(err))
	}
}

// applyUpdates consumes committed config reloads. Only the logging section
// is applied live; everything else needs a restart and is called out.
func (a *App) applyUpdates(ctx context.Context, updates chan *config.Config) {
	defer a.cfgMgr.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logConfig(cfg.Logging))
			a.log.Info("logging config applied; other sections take effect on restart")
		}
	}
}

// Stop shuts everything down in dependency order: stop producing work, then
// let in-flight work drain, then close shared resources.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	a.pool.Stop()

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}

	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logSvc.Close()
	return err
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

func newKeypad(c *config.KeypadConfig) *captcha.Keypad {
	if c == nil {
		return captcha.NewKeypad(nil, [2]int{}, [2]int{})
	}
	return captcha.NewKeypad(c.Zones, c.Gap, c.Button)
}

type appDurations struct {
	busyTimeout     time.Duration
	requestTimeout  time.Duration
	idlePoll        time.Duration
	errorBackoff    time.Duration
	leaseTimeout    time.Duration
	joinTimeout     time.Duration
	failureCooldown time.Duration
}

func durations(cfg *config.Config) (appDurations, error) {
	var d appDurations
	var err error
	if d.busyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.requestTimeout, err = config.ParseDurationOrDefault("server.request_timeout", cfg.Server.RequestTimeout, 30*time.Second); err != nil {
		return d, err
	}
	if d.idlePoll, err = config.ParseDurationOrDefault("pool.idle_poll", cfg.Pool.IdlePoll, 2*time.Second); err != nil {
		return d, err
	}
	if d.errorBackoff, err = config.ParseDurationOrDefault("pool.error_backoff", cfg.Pool.ErrorBackoff, 5*time.Second); err != nil {
		return d, err
	}
	if d.leaseTimeout, err = config.ParseDurationOrDefault("pool.lease_timeout", cfg.Pool.LeaseTimeout, 10*time.Minute); err != nil {
		return d, err
	}
	if d.joinTimeout, err = config.ParseDurationOrDefault("pool.join_timeout", cfg.Pool.JoinTimeout, 10*time.Second); err != nil {
		return d, err
	}
	// Zero is meaningful here: a failed run leaves the account eligible.
	if d.failureCooldown, err = config.ParseDurationField("pool.failure_cooldown", cfg.Pool.FailureCooldown); err != nil {
		return d, err
	}
	return d, nil
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if cfg.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if cfg.Captcha.Enabled && cfg.Captcha.APIURL == "" {
		return errors.New("captcha.api_url is required when captcha is enabled")
	}
	if _, err := durations(cfg); err != nil {
		return err
	}
	return nil
}
