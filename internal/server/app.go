// Package server wires the FileFlow server together: database, object
// storage, Redis queue and locks, the application services, and the
// background loops (outbox relay, expiry sweep, zombie sweep). It also
// handles graceful shutdown on OS signals.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fileflow/fileflow/internal/logging"
	"github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/db"
	"github.com/fileflow/fileflow/internal/server/locks"
	"github.com/fileflow/fileflow/internal/server/queue"
	"github.com/fileflow/fileflow/internal/server/repositories/repomanager"
	"github.com/fileflow/fileflow/internal/server/services"
	"github.com/fileflow/fileflow/internal/server/storage"
)

type App struct {
	config *config.Config
	logger logging.Logger

	sessionService  *services.SessionService
	downloadService *services.DownloadService
	relay           *services.OutboxRelay
	recovery        *services.RecoveryService
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	conn, err := db.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}

	provider, err := storage.NewS3Provider(ctx, storage.S3Options{
		Region:       c.S3Region,
		AccessKey:    c.S3RootUser,
		SecretKey:    c.S3RootPassword,
		BaseEndpoint: c.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	publisher := queue.NewRedisPublisher(rdb, c.QueueKey)
	locker := locks.NewRedisLocker(rdb)

	ss := services.NewSessionService(conn, rm, provider, c, logger)
	ds := services.NewDownloadService(conn, rm, c, logger)
	relay := services.NewOutboxRelay(conn, rm, publisher, c, logger)
	recovery := services.NewRecoveryService(conn, rm, ss, locker, c, logger)

	return &App{
		config:          c,
		logger:          logger,
		sessionService:  ss,
		downloadService: ds,
		relay:           relay,
		recovery:        recovery,
	}, nil
}

// Sessions exposes the session service to transport layers.
func (app *App) Sessions() *services.SessionService { return app.sessionService }

// Downloads exposes the download service to transport layers.
func (app *App) Downloads() *services.DownloadService { return app.downloadService }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runPeriodic ticks every interval and runs job under the named
// distributed lock until ctx is cancelled. Job errors are logged, not
// fatal; the next tick tries again.
func (app *App) runPeriodic(ctx context.Context, name, lockKey string, interval time.Duration, job func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			app.logger.Info(ctx, "stopping job", "job", name)
			return
		case <-ticker.C:
			if err := app.recovery.RunWithLock(ctx, lockKey, job); err != nil {
				app.logger.Error(ctx, "job failed", "job", name, "error", err)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runPeriodic(ctx, "outbox-relay", services.LockOutboxRelay, app.config.OutboxInterval, func(ctx context.Context) error {
			report, err := app.relay.Run(ctx)
			if err != nil {
				return err
			}
			if report.Attempted > 0 {
				app.logger.Info(ctx, "outbox pass done",
					"attempted", report.Attempted, "succeeded", report.Succeeded,
					"failed", report.Failed, "iterations", report.Iterations)
			}
			if _, err := app.relay.RetryFailed(ctx); err != nil {
				return err
			}
			return nil
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runPeriodic(ctx, "expiry-sweep", services.LockExpirySweep, app.config.ExpirySweepInterval, func(ctx context.Context) error {
			report, err := app.recovery.SweepExpiredSessions(ctx)
			if err != nil {
				return err
			}
			if report.Scanned > 0 {
				app.logger.Info(ctx, "expiry sweep done",
					"scanned", report.Scanned, "handled", report.Handled, "skipped", report.Skipped)
			}
			return nil
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runPeriodic(ctx, "zombie-sweep", services.LockZombieSweep, app.config.ZombieSweepInterval, func(ctx context.Context) error {
			report, err := app.recovery.SweepZombieDownloads(ctx)
			if err != nil {
				return err
			}
			if report.Scanned > 0 {
				app.logger.Info(ctx, "zombie sweep done",
					"scanned", report.Scanned, "handled", report.Handled, "skipped", report.Skipped)
			}
			return nil
		})
	}()

	wg.Wait()
}
