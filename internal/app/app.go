// Package app assembles the store, the functions and their triggers from a
// Config. Both entrypoints share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/config"
	dbpkg "github.com/xiot/watch/internal/db"
	"github.com/xiot/watch/internal/xiot/i18n"
	"github.com/xiot/watch/internal/xiot/notify"
	"github.com/xiot/watch/internal/xiot/schedule"
	"github.com/xiot/watch/internal/xiot/service"
	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/store/dynamo"
	"github.com/xiot/watch/internal/xiot/store/memory"
	"github.com/xiot/watch/internal/xiot/store/sqlite"
	"github.com/xiot/watch/internal/xiot/trigger"
)

type App struct {
	Config config.Config
	Logger *zap.SugaredLogger
	Clock  clockwork.Clock

	Store     store.Store
	Router    *trigger.Router
	Scheduler *schedule.Scheduler

	Registry  *service.DeviceRegistry
	Ingest    *service.IngestService
	Cleanup   *service.Cleanup
	Functions *service.Functions

	closers []func() error
}

type Option func(*options)

type options struct {
	clock    clockwork.Clock
	store    store.Store
	notifier service.Notifier
}

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore uses st instead of the backend named in the config. The caller
// attaches the router as its sink if it wants the change feed.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithNotifier replaces the Pushover dispatcher.
func WithNotifier(n service.Notifier) Option { return func(o *options) { o.notifier = n } }

func New(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  o.clock,
		Router: trigger.NewRouter(logger.Named("trigger")),
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = a.openStore(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Store = st

	notifier := o.notifier
	if notifier == nil {
		notifier = notify.NewPushover(cfg.PushoverEndpoint, nil, logger.Named("notify"))
	}

	fnLogger := logger.Named("functions")
	deleter := service.NewBulkDeleter(st, fnLogger)
	a.Registry = service.NewDeviceRegistry(st)
	a.Ingest = service.NewIngestService(st, a.Registry, a.Clock)
	a.Cleanup = service.NewCleanup(deleter, fnLogger)

	a.Functions = &service.Functions{
		Stamper: service.NewStamper(st, a.Clock, fnLogger),
		Sweeper: service.NewSweeper(deleter, a.Clock, service.SweeperConfig{
			RetentionDays: cfg.RetentionDays,
			BatchSize:     cfg.SweepBatch,
		}, fnLogger),
		Monitor: service.NewMonitor(st, a.Registry, notifier, i18n.New(), a.Clock, service.MonitorConfig{
			Window:      time.Duration(cfg.PingWindowSeconds) * time.Second,
			Concurrency: cfg.MonitorConcurrency,
		}, fnLogger),
		Cleanup:       a.Cleanup,
		SweepSchedule: cfg.SweepSchedule,
		CheckSchedule: cfg.CheckSchedule,
		Logger:        fnLogger,
	}
	a.Functions.Register(a.Router)

	a.Scheduler = schedule.New(a.Clock, logger.Named("schedule"))
	for _, j := range a.Functions.Jobs() {
		if err := a.Scheduler.Add(j); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	switch cfg.Store {
	case "memory":
		return memory.New(memory.WithSink(a.Router)), nil

	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		a.Logger.Infof("using dynamodb table %s", cfg.DynamoTable)
		return dynamo.NewRecordStore(client, cfg.DynamoTable), nil

	default:
		sqlDB, err := dbpkg.Open(ctx, dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)

		if cfg.Env == "dev" && len(cfg.SeedModules) > 0 {
			if err := dbpkg.SeedDev(ctx, sqlDB, dbpkg.SeedDevOptions{Devices: cfg.SeedModules}); err != nil {
				return nil, err
			}
		}

		writer := dbpkg.NewWorker(sqlDB)
		a.closers = append(a.closers, func() error { writer.Close(); return nil })

		a.Logger.Infof("using sqlite at %s", cfg.DBPath)
		return sqlite.NewRecordStore(sqlDB, writer, a.Router), nil
	}
}

// Close waits for in-flight observers, then releases the store. Resources
// close in reverse order of opening.
func (a *App) Close() error {
	a.Router.Wait()

	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
