// Package app wires the storage, queue and observers shared by the api,
// the worker and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joshu-sajeev/parsemd/internal/config"
	"github.com/joshu-sajeev/parsemd/internal/job"
	"github.com/joshu-sajeev/parsemd/internal/queue"
	"github.com/joshu-sajeev/parsemd/internal/storage/postgres"
	"github.com/joshu-sajeev/parsemd/internal/storage/rabbitmq"
	"gorm.io/gorm"
)

type Deps struct {
	Config  *config.Config
	DB      *gorm.DB
	Records *postgres.JobRepository
	Queue   *queue.Queue
	Logger  *slog.Logger
}

// NewLogger returns a JSON logger on stderr at the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Open loads configuration, connects to Postgres and builds the queue.
// Cross-process wake-ups and the event publisher are only set up when
// configured.
func Open(ctx context.Context, component string) (*Deps, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.LogLevel).With("service", "parsemd", "component", component)

	pgCfg, err := postgres.LoadConfigFromEnv(ctx)
	if err != nil {
		return nil, err
	}

	db, err := postgres.ConnectDB(ctx, pgCfg, logger)
	if err != nil {
		return nil, err
	}

	d := &Deps{Config: cfg, DB: db, Logger: logger}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = d.closeDB()
			return nil, err
		}
		logger.Info("migrations applied")
	}

	d.Records = postgres.NewJobRepository(db, postgres.WithRetention(cfg.JobRetention))

	opts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithLockDuration(cfg.Queue.LockDuration),
	}
	observers := []queue.Observer{queue.LogObserver(logger)}

	if cfg.Queue.Notify {
		n, err := postgres.NewPGNotifier(db, pgCfg.DSN(), postgres.DefaultNotifyChannel, logger)
		if err != nil {
			logger.Warn("listen/notify unavailable, falling back to polling", "error", err)
		} else {
			opts = append(opts, queue.WithNotifier(n), queue.WithCloser(n))
		}
	}

	if cfg.Rabbit.URL != "" {
		pub, err := rabbitmq.NewEventPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange, logger)
		if err != nil {
			logger.Warn("event publisher unavailable", "error", err)
		} else {
			observers = append(observers, pub)
			opts = append(opts, queue.WithCloser(pub))
		}
	}

	opts = append(opts, queue.WithObservers(observers...))
	d.Queue = queue.New(postgres.NewQueueRepository(db), opts...)
	return d, nil
}

// SubmitPolicy is the retry policy uploads are enqueued with.
func (d *Deps) SubmitPolicy() (job.SubmitPolicy, error) {
	return PolicyFromConfig(d.Config.Queue)
}

func PolicyFromConfig(qc config.QueueConfig) (job.SubmitPolicy, error) {
	bt, err := queue.ParseBackoffType(qc.BackoffType)
	if err != nil {
		return job.SubmitPolicy{}, err
	}
	p := job.SubmitPolicy{
		MaxAttempts: qc.MaxAttempts,
		Backoff:     queue.BackoffPolicy{Type: bt, Delay: qc.BackoffDelay},
	}
	if err := p.Backoff.Validate(); err != nil {
		return job.SubmitPolicy{}, err
	}
	return p, nil
}

// Ping checks the database is reachable.
func (d *Deps) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *Deps) Close() error {
	var errs []error
	if d.Queue != nil {
		errs = append(errs, d.Queue.Close())
	}
	errs = append(errs, d.closeDB())
	return errors.Join(errs...)
}

func (d *Deps) closeDB() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

var _ io.Closer = (*Deps)(nil)
