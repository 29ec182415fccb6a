package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/queue"
)

// Queue is the part of the job queue a worker consumes.
type Queue interface {
	Deliver(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery, cause error) (queue.Disposition, error)
	Fail(ctx context.Context, d *queue.Delivery, cause error) error
	Release(ctx context.Context, d *queue.Delivery) error
	SetProgress(ctx context.Context, d *queue.Delivery, pct int) error
}

// FailureRecorder moves a job record into failed.
type FailureRecorder interface {
	MarkFailed(ctx context.Context, id string, msg string) error
}

// Uploads removes stored payloads once their entry is settled for good.
type Uploads interface {
	Remove(handle string) error
}

type Worker struct {
	ID      int
	queue   Queue
	proc    *Processor
	records FailureRecorder
	uploads Uploads
	logger  *slog.Logger

	maxInfraFailures int
	retryDelay       time.Duration
	maxRetryDelay    time.Duration
}

type Option func(*Worker)

// WithMaxInfraFailures sets how many consecutive queue failures Run
// tolerates before giving up.
func WithMaxInfraFailures(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxInfraFailures = n
		}
	}
}

// WithUploads makes the worker delete the payload of every entry that
// completes or fails permanently.
func WithUploads(u Uploads) Option {
	return func(w *Worker) {
		w.uploads = u
	}
}

func WithRetryDelay(base, max time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.retryDelay = base
		}
		if max >= w.retryDelay {
			w.maxRetryDelay = max
		}
	}
}

func New(id int, q Queue, proc *Processor, records FailureRecorder, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		ID:               id,
		queue:            q,
		proc:             proc,
		records:          records,
		logger:           logger.With("worker_id", id),
		maxInfraFailures: 5,
		retryDelay:       time.Second,
		maxRetryDelay:    60 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run delivers and processes entries until ctx is done or the queue is
// closed. It returns an error only when the queue keeps failing.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	failures := 0
	currentDelay := w.retryDelay

	for {
		err := w.step(ctx)
		switch {
		case err == nil:
			failures = 0
			currentDelay = w.retryDelay
			continue
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		}

		failures++
		w.logger.Error("queue unavailable", "error", err, "consecutive_failures", failures)
		if failures >= w.maxInfraFailures {
			return fmt.Errorf("worker %d: giving up after %d consecutive failures: %w", w.ID, failures, err)
		}

		select {
		case <-time.After(currentDelay):
		case <-ctx.Done():
			return nil
		}
		currentDelay = min(currentDelay*2, w.maxRetryDelay)
	}
}

func (w *Worker) step(ctx context.Context) error {
	d, err := w.queue.Deliver(ctx)
	if err != nil {
		return err
	}
	return w.handle(ctx, d)
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) error {
	log := w.logger.With("job_id", d.JobID(), "entry_id", d.EntryID(), "attempt", d.AttemptsMade())
	log.Info("processing entry", "max_attempts", d.MaxAttempts())

	out := w.proc.Process(ctx, d.JobID(), d.Payload(), progressReporter{queue: w.queue, delivery: d, logger: log})

	// settle even if shutdown started mid-attempt
	settleCtx := context.WithoutCancel(ctx)

	if interrupted(ctx, out) {
		err := w.queue.Release(settleCtx, d)
		if err == nil {
			log.Warn("attempt interrupted, entry released", "error", out.Err)
		}
		return leaseLostIsFine(log, err)
	}

	var err error
	switch out.Kind {
	case OutcomeOk:
		err = w.queue.Ack(settleCtx, d)
		if err == nil {
			log.Info("entry completed")
			w.removeUpload(log, d)
		}
	case OutcomeRetryable:
		if d.Final() {
			w.markFailed(settleCtx, log, d.JobID(), out.Err)
		}

		var disp queue.Disposition
		disp, err = w.queue.Nack(settleCtx, d, out.Err)
		if err == nil {
			if disp.Retrying {
				log.Warn("attempt failed, retrying", "error", out.Err, "retry_in", disp.Delay)
			} else {
				log.Error("attempts exhausted", "error", out.Err)
				w.removeUpload(log, d)
			}
		}
	case OutcomeFatal:
		w.markFailed(settleCtx, log, d.JobID(), out.Err)
		err = w.queue.Fail(settleCtx, d, out.Err)
		if err == nil {
			log.Error("entry failed permanently", "error", out.Err)
			w.removeUpload(log, d)
		}
	default:
		err = fmt.Errorf("unknown outcome %d", out.Kind)
	}

	return leaseLostIsFine(log, err)
}

// interrupted reports whether a retryable outcome was caused by ctx being
// canceled. Such attempts are released rather than counted.
func interrupted(ctx context.Context, out Outcome) bool {
	return ctx.Err() != nil && out.Kind == OutcomeRetryable
}

func leaseLostIsFine(log *slog.Logger, err error) error {
	if errors.Is(err, common.ErrLeaseLost) {
		// the entry was recovered by the janitor and will be redelivered
		log.Warn("lease lost before settling", "error", err)
		return nil
	}
	return err
}

// markFailed is best-effort: a failed write is logged and never blocks settlement.
func (w *Worker) markFailed(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	if err := w.records.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		log.Warn("could not mark job failed", "error", err)
	}
}

func (w *Worker) removeUpload(log *slog.Logger, d *queue.Delivery) {
	if w.uploads == nil {
		return
	}
	if err := w.uploads.Remove(d.Payload()); err != nil {
		log.Warn("could not remove upload", "error", err)
	}
}

type progressReporter struct {
	queue    Queue
	delivery *queue.Delivery
	logger   *slog.Logger
}

func (r progressReporter) Report(ctx context.Context, c Checkpoint) {
	if err := r.queue.SetProgress(ctx, r.delivery, int(c)); err != nil {
		r.logger.Warn("progress update failed", "progress", int(c), "error", err)
	}
}
