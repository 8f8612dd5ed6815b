// Package server initializes and runs the conversion server: database and
// migrations, encrypted storage, the job queue with its workers, and the
// expired-file cleanup sweep, with graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/docuvert/docuvert/internal/cryptox"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/queue"
	"github.com/docuvert/docuvert/internal/scheduler"
	"github.com/docuvert/docuvert/internal/server/config"
	"github.com/docuvert/docuvert/internal/server/repositories/repomanager"
	"github.com/docuvert/docuvert/internal/server/services"
	"github.com/docuvert/docuvert/internal/storage"
	"github.com/docuvert/docuvert/internal/transfer"
	"github.com/docuvert/docuvert/internal/worker"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	repos     repomanager.RepositoryManager
	scheduler *scheduler.Scheduler
	service   *services.ConversionService
	cleanup   *services.CleanupService
	workers   []*worker.Worker
}

// NewApp wires every component from the loaded config. The converter is
// injected by the caller; everything else is constructed here.
func NewApp(ctx context.Context, cfg *config.Config, converter services.Converter) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	codec, err := cryptox.New([]byte(cfg.MasterSecret))
	if err != nil {
		return nil, fmt.Errorf("crypto init error: %w", err)
	}
	store, err := storage.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	tr := transfer.New(codec, logger,
		transfer.WithThreshold(cfg.StreamingThreshold),
		transfer.WithMaxFileSize(cfg.MaxFileSize))

	q := queue.NewPostgresQueue(db)
	sched := scheduler.New(q, logger)
	svc := services.NewConversionService(db, repos, store, tr, sched, converter, cfg, logger)
	cleanup := services.NewCleanupService(db, repos, logger, cfg.SweepInterval, cfg.SweepBatchSize)

	n := cfg.Workers
	if n < 1 {
		n = 1
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(q, svc, logger))
	}

	return &App{
		config:    cfg,
		logger:    logger,
		db:        db,
		repos:     repos,
		scheduler: sched,
		service:   svc,
		cleanup:   cleanup,
		workers:   workers,
	}, nil
}

// Service exposes the conversion service to transport layers.
func (app *App) Service() *services.ConversionService {
	return app.service
}

// Scheduler exposes job status, cancellation and queue statistics.
func (app *App) Scheduler() *scheduler.Scheduler {
	return app.scheduler
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the workers and the cleanup sweep and blocks until the context
// is cancelled or a termination signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app",
		"workers", len(app.workers), "sweep_interval", app.config.SweepInterval.String())

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.cleanup.Run(ctx)
	}()

	for _, w := range app.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
	app.logger.Info(ctx, "app stopped")
}
