// Package queue is a durable job queue with at-most-one holder per entry,
// retry scheduling and backoff. Storage is delegated to a Backend.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/models"
)

// ErrClosed is returned by Deliver once the queue has been closed.
var ErrClosed = errors.New("queue closed")

const minWait = 10 * time.Millisecond

// Backend persists queue entries. Claim must be atomic: two concurrent
// callers never receive the same entry. Methods taking a token only act
// while the entry is active and held by that token, and return
// common.ErrLeaseLost otherwise.
type Backend interface {
	Insert(ctx context.Context, entry *models.QueueEntry) error
	// Claim returns nil, nil when nothing is ready at now.
	Claim(ctx context.Context, now time.Time, token string, lockUntil time.Time) (*models.QueueEntry, error)
	// NextAvailableAt returns the earliest available_at among waiting entries, or nil.
	NextAvailableAt(ctx context.Context) (*time.Time, error)
	Delete(ctx context.Context, id uint, token string) error
	Reschedule(ctx context.Context, id uint, token string, availableAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uint, token string, finishedAt time.Time, lastErr string) error
	// Release returns a held entry to waiting without counting the attempt.
	Release(ctx context.Context, id uint, token string, availableAt time.Time) error
	UpdateProgress(ctx context.Context, id uint, token string, progress int, lockUntil time.Time) error
	FindByJob(ctx context.Context, jobID string) (*models.QueueEntry, error)
	List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error)
	ReleaseStalled(ctx context.Context, now time.Time) (requeued, exhausted []models.QueueEntry, err error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Delivery is one claimed attempt of an entry.
type Delivery struct {
	entry    models.QueueEntry
	token    string
	progress int
	mu       sync.Mutex
}

func (d *Delivery) EntryID() uint     { return d.entry.ID }
func (d *Delivery) JobID() string     { return d.entry.JobID }
func (d *Delivery) Payload() string   { return d.entry.Payload }
func (d *Delivery) AttemptsMade() int { return d.entry.AttemptsMade }
func (d *Delivery) MaxAttempts() int  { return d.entry.MaxAttempts }

// Final reports whether a failure of this attempt exhausts the entry.
func (d *Delivery) Final() bool { return d.entry.AttemptsMade >= d.entry.MaxAttempts }

func (d *Delivery) policy() BackoffPolicy {
	return BackoffPolicy{
		Type:  BackoffType(d.entry.BackoffType),
		Delay: time.Duration(d.entry.BackoffDelay) * time.Millisecond,
	}
}

// Disposition is what Nack decided for the entry.
type Disposition struct {
	Retrying      bool
	Delay         time.Duration
	NextAttemptAt time.Time
}

func (d Disposition) Exhausted() bool { return !d.Retrying }

// Recovery is the outcome of one stalled-lease sweep.
type Recovery struct {
	Requeued  []models.QueueEntry
	Exhausted []models.QueueEntry
}

type Queue struct {
	backend      Backend
	notifier     Notifier
	observers    []Observer
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	lockDuration time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	closers   []io.Closer
}

type Option func(*Queue)

func WithNotifier(n Notifier) Option {
	return func(q *Queue) {
		if n != nil {
			q.notifier = n
		}
	}
}

func WithObservers(obs ...Observer) Option {
	return func(q *Queue) { q.observers = append(q.observers, obs...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source. Only stored timestamps follow it;
// Deliver still waits in real time.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func WithLockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lockDuration = d
		}
	}
}

// WithCloser registers a resource released by Close, such as a
// notifier connection.
func WithCloser(c io.Closer) Option {
	return func(q *Queue) {
		if c != nil {
			q.closers = append(q.closers, c)
		}
	}
}

func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:      backend,
		notifier:     NewLocalNotifier(),
		logger:       slog.New(slog.DiscardHandler),
		now:          time.Now,
		pollInterval: time.Second,
		lockDuration: 5 * time.Minute,
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds a ready entry for jobID. The entry starts with no attempts made.
func (q *Queue) Enqueue(ctx context.Context, jobID, payload string, maxAttempts int, policy BackoffPolicy) (*models.QueueEntry, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	entry := &models.QueueEntry{
		JobID:        jobID,
		Payload:      payload,
		State:        models.EntryWaiting,
		MaxAttempts:  maxAttempts,
		BackoffType:  string(policy.Type),
		BackoffDelay: policy.Delay.Milliseconds(),
		AvailableAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.backend.Insert(ctx, entry); err != nil {
		return nil, unavailable("enqueue", err)
	}

	q.wake(ctx)
	q.emit(ctx, Event{Kind: EventEnqueued, EntryID: entry.ID, JobID: jobID, MaxAttempts: maxAttempts})
	return entry, nil
}

// Deliver blocks until an entry is claimed, ctx is done or the queue is closed.
func (q *Queue) Deliver(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		// Take the wake channel before claiming so a Notify between the
		// claim and the wait is not lost.
		wake := q.notifier.Wait()

		d, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		wait, err := q.nextWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) claim(ctx context.Context) (*Delivery, error) {
	now := q.now().UTC()
	token := uuid.NewString()

	entry, err := q.backend.Claim(ctx, now, token, now.Add(q.lockDuration))
	if err != nil {
		return nil, unavailable("claim", err)
	}
	if entry == nil {
		return nil, nil
	}

	q.emit(ctx, Event{
		Kind:         EventActive,
		EntryID:      entry.ID,
		JobID:        entry.JobID,
		AttemptsMade: entry.AttemptsMade,
		MaxAttempts:  entry.MaxAttempts,
	})
	return &Delivery{entry: *entry, token: token}, nil
}

func (q *Queue) nextWait(ctx context.Context) (time.Duration, error) {
	next, err := q.backend.NextAvailableAt(ctx)
	if err != nil {
		return 0, unavailable("next available", err)
	}
	wait := q.pollInterval
	if next != nil {
		if until := next.Sub(q.now()); until < wait {
			wait = max(until, minWait)
		}
	}
	return wait, nil
}

// Ack removes a successfully processed entry.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.backend.Delete(ctx, d.entry.ID, d.token); err != nil {
		return unavailable("ack", err)
	}
	q.emit(ctx, q.event(EventCompleted, d))
	return nil
}

// Nack records a failed attempt. With attempts remaining the entry is
// rescheduled after its backoff delay; otherwise it is kept as failed.
func (q *Queue) Nack(ctx context.Context, d *Delivery, cause error) (Disposition, error) {
	if d.Final() {
		if err := q.fail(ctx, d, cause); err != nil {
			return Disposition{}, err
		}
		return Disposition{}, nil
	}

	delay := d.policy().NextDelay(d.entry.AttemptsMade)
	next := q.now().UTC().Add(delay)
	if err := q.backend.Reschedule(ctx, d.entry.ID, d.token, next, errorText(cause)); err != nil {
		return Disposition{}, unavailable("nack", err)
	}

	ev := q.event(EventRetrying, d)
	ev.NextAttemptAt = &next
	ev.Error = errorText(cause)
	q.emit(ctx, ev)
	q.wake(ctx)

	return Disposition{Retrying: true, Delay: delay, NextAttemptAt: next}, nil
}

// Fail marks the entry failed regardless of remaining attempts.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) error {
	return q.fail(ctx, d, cause)
}

func (q *Queue) fail(ctx context.Context, d *Delivery, cause error) error {
	if err := q.backend.MarkFailed(ctx, d.entry.ID, d.token, q.now().UTC(), errorText(cause)); err != nil {
		return unavailable("fail", err)
	}
	ev := q.event(EventFailed, d)
	ev.Error = errorText(cause)
	q.emit(ctx, ev)
	return nil
}

// Release gives the lease back without consuming the attempt, for work
// interrupted by shutdown. The entry is immediately ready again.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	if err := q.backend.Release(ctx, d.entry.ID, d.token, q.now().UTC()); err != nil {
		return unavailable("release", err)
	}
	q.emit(ctx, q.event(EventReleased, d))
	q.wake(ctx)
	return nil
}

// SetProgress records pct (clamped to 0..100) for the current attempt and
// extends the lease. Progress never decreases within an attempt.
func (q *Queue) SetProgress(ctx context.Context, d *Delivery, pct int) error {
	pct = max(0, min(pct, 100))

	d.mu.Lock()
	if pct < d.progress {
		pct = d.progress
	}
	d.progress = pct
	d.mu.Unlock()

	now := q.now().UTC()
	if err := q.backend.UpdateProgress(ctx, d.entry.ID, d.token, pct, now.Add(q.lockDuration)); err != nil {
		return unavailable("progress", err)
	}

	ev := q.event(EventProgress, d)
	ev.Progress = pct
	q.emit(ctx, ev)
	return nil
}

// Inspect returns the entry for jobID, or common.ErrRecordNotFound.
func (q *Queue) Inspect(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	entry, err := q.backend.FindByJob(ctx, jobID)
	if err != nil {
		return nil, unavailable("inspect", err)
	}
	return entry, nil
}

// List returns up to limit entries, optionally filtered by state.
func (q *Queue) List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error) {
	entries, err := q.backend.List(ctx, state, limit)
	if err != nil {
		return nil, unavailable("list", err)
	}
	return entries, nil
}

// RecoverStalled returns entries whose lease expired to the waiting state,
// or fails them when they have no attempts left.
func (q *Queue) RecoverStalled(ctx context.Context) (Recovery, error) {
	requeued, exhausted, err := q.backend.ReleaseStalled(ctx, q.now().UTC())
	if err != nil {
		return Recovery{}, unavailable("recover stalled", err)
	}

	for _, e := range requeued {
		q.emit(ctx, entryEvent(EventRecovered, e))
	}
	for _, e := range exhausted {
		ev := entryEvent(EventFailed, e)
		if e.LastError != nil {
			ev.Error = *e.LastError
		}
		q.emit(ctx, ev)
	}
	if len(requeued) > 0 {
		q.wake(ctx)
	}
	return Recovery{Requeued: requeued, Exhausted: exhausted}, nil
}

// PurgeFailed deletes failed entries that finished before now - olderThan.
func (q *Queue) PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.backend.DeleteFailedBefore(ctx, q.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, unavailable("purge failed", err)
	}
	return n, nil
}

// Close wakes every blocked Deliver and releases registered closers.
func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.closed)
		for _, c := range q.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (q *Queue) wake(ctx context.Context) {
	if err := q.notifier.Notify(ctx); err != nil {
		q.logger.Warn("queue notify failed", "error", err)
	}
}

func (q *Queue) emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = q.now().UTC()
	}
	for _, o := range q.observers {
		o.Observe(ctx, e)
	}
}

func (q *Queue) event(kind EventKind, d *Delivery) Event {
	return Event{
		Kind:         kind,
		EntryID:      d.entry.ID,
		JobID:        d.entry.JobID,
		AttemptsMade: d.entry.AttemptsMade,
		MaxAttempts:  d.entry.MaxAttempts,
	}
}

func entryEvent(kind EventKind, e models.QueueEntry) Event {
	return Event{
		Kind:         kind,
		EntryID:      e.ID,
		JobID:        e.JobID,
		AttemptsMade: e.AttemptsMade,
		MaxAttempts:  e.MaxAttempts,
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, common.ErrLeaseLost) ||
		errors.Is(err, common.ErrRecordNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", common.ErrQueueUnavailable, op, err)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
