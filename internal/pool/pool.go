package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Runner is one long-running consumer, normally a *worker.Worker.
type Runner interface {
	Run(ctx context.Context) error
}

// Janitor is the queue maintenance the pool runs periodically.
type Janitor interface {
	RecoverStalled(ctx context.Context) (queue.Recovery, error)
	PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Records is the record store maintenance the pool runs periodically.
type Records interface {
	MarkFailed(ctx context.Context, id string, msg string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Uploads removes stored payloads.
type Uploads interface {
	Remove(handle string) error
}

type WorkerPool struct {
	workers   []Runner
	janitor   Janitor
	records   Records
	uploads   Uploads
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

type Option func(*WorkerPool)

// WithUploads makes Sweep delete the payloads of entries it fails.
func WithUploads(u Uploads) Option {
	return func(p *WorkerPool) {
		p.uploads = u
	}
}

func NewWorkerPool(workers []Runner, janitor Janitor, records Records, interval, retention time.Duration, logger *slog.Logger, opts ...Option) *WorkerPool {
	p := &WorkerPool{
		workers:   workers,
		janitor:   janitor,
		records:   records,
		interval:  interval,
		retention: retention,
		logger:    logger.With("subsystem", "pool"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run starts every worker and the janitor, and blocks until ctx is done or
// a worker gives up. A worker error stops the whole pool and is returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		p.runJanitor(gctx)
		return nil
	})

	p.logger.Info("worker pool active", "workers", len(p.workers), "janitor_interval", p.interval)
	return g.Wait()
}

func (p *WorkerPool) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep recovers stalled leases and fails the records of entries that ran
// out of attempts while stalled. It then purges expired records and failed
// entries.
func (p *WorkerPool) Sweep(ctx context.Context) {
	rec, err := p.janitor.RecoverStalled(ctx)
	if err != nil {
		p.logger.Error("recover stalled entries", "error", err)
	}
	for _, e := range rec.Requeued {
		p.logger.Warn("recovered stalled entry", "entry_id", e.ID, "job_id", e.JobID, "attempt", e.AttemptsMade)
	}
	for _, e := range rec.Exhausted {
		msg := "processing stalled"
		if e.LastError != nil {
			msg = *e.LastError
		}
		if err := p.records.MarkFailed(ctx, e.JobID, msg); err != nil {
			p.logger.Warn("could not mark stalled job failed", "job_id", e.JobID, "error", err)
		}
		if p.uploads != nil {
			if err := p.uploads.Remove(e.Payload); err != nil {
				p.logger.Warn("could not remove upload", "job_id", e.JobID, "error", err)
			}
		}
	}

	if n, err := p.records.DeleteExpired(ctx); err != nil {
		p.logger.Error("delete expired jobs", "error", err)
	} else if n > 0 {
		p.logger.Info("deleted expired jobs", "count", n)
	}

	if n, err := p.janitor.PurgeFailed(ctx, p.retention); err != nil {
		p.logger.Error("purge failed entries", "error", err)
	} else if n > 0 {
		p.logger.Info("purged failed entries", "count", n)
	}
}
