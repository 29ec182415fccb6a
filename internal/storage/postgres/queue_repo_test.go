package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu    sync.Mutex
	kinds []queue.EventKind
}

func (l *eventLog) Observe(_ context.Context, e queue.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, e.Kind)
}

func (l *eventLog) Kinds() []queue.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]queue.EventKind(nil), l.kinds...)
}

func newTestQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *QueueRepository) {
	repo := NewQueueRepository(SetupTestDB(t))
	q := queue.New(repo, opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q, repo
}

func deliverWithin(t *testing.T, q *queue.Queue, d time.Duration) (*queue.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Deliver(ctx)
}

func TestQueue_EnqueueAndDeliver(t *testing.T) {
	q, repo := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "job-1", "/uploads/a.txt", 3, queue.DefaultBackoff)
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, entry.State)
	assert.Zero(t, entry.AttemptsMade)
	assert.Equal(t, int64(2000), entry.BackoffDelay)

	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.JobID())
	assert.Equal(t, "/uploads/a.txt", d.Payload())
	assert.Equal(t, 1, d.AttemptsMade())
	assert.Equal(t, 3, d.MaxAttempts())
	assert.False(t, d.Final())

	stored, err := repo.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryActive, stored.State)
	assert.NotNil(t, stored.LeaseToken)
	assert.NotNil(t, stored.LockedUntil)
}

func TestQueue_EnqueueRejectsBadInput(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 0, queue.DefaultBackoff)
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, "job-1", "p", 3, queue.BackoffPolicy{Type: "linear", Delay: time.Second})
	assert.Error(t, err)
}

func TestQueue_RetriesWithExponentialBackoffThenFails(t *testing.T) {
	clock := newFixedClock()
	events := &eventLog{}
	q, repo := newTestQueue(t, queue.WithClock(clock.Now), queue.WithObservers(events))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := deliverWithin(t, q, time.Second)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt, d.AttemptsMade())

		disp, err := q.Nack(ctx, d, errors.New("always fails"))
		require.NoError(t, err)

		if attempt < 3 {
			require.True(t, disp.Retrying)
			assert.True(t, clock.Now().Add(disp.Delay).Equal(disp.NextAttemptAt))
			delays = append(delays, disp.Delay)

			// not ready before the backoff elapses
			_, err = deliverWithin(t, q, 50*time.Millisecond)
			require.ErrorIs(t, err, context.DeadlineExceeded)

			clock.Advance(disp.Delay)
			continue
		}
		assert.True(t, disp.Exhausted())
	}

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)

	entry, err := repo.FindByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryFailed, entry.State)
	assert.Equal(t, 3, entry.AttemptsMade)
	require.NotNil(t, entry.LastError)
	assert.Equal(t, "always fails", *entry.LastError)
	assert.NotNil(t, entry.FinishedAt)

	assert.Equal(t, []queue.EventKind{
		queue.EventEnqueued,
		queue.EventActive, queue.EventRetrying,
		queue.EventActive, queue.EventRetrying,
		queue.EventActive, queue.EventFailed,
	}, events.Kinds())

	// exhausted entries are never delivered again
	clock.Advance(time.Hour)
	_, err = deliverWithin(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_AckRemovesEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)
	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, d))

	_, err = q.Inspect(ctx, "job-1")
	assert.ErrorIs(t, err, common.ErrRecordNotFound)

	// settling twice means the lease is gone
	assert.ErrorIs(t, q.Ack(ctx, d), common.ErrLeaseLost)
}

func TestQueue_FailIgnoresRemainingAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)
	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, d, errors.New("unsupported format")))

	entry, err := q.Inspect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryFailed, entry.State)
	assert.Equal(t, 1, entry.AttemptsMade)
}

func TestQueue_ReleaseDoesNotCountAttempt(t *testing.T) {
	events := &eventLog{}
	q, _ := newTestQueue(t, queue.WithObservers(events))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 1, queue.DefaultBackoff)
	require.NoError(t, err)
	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.SetProgress(ctx, d, 30))

	require.NoError(t, q.Release(ctx, d))

	entry, err := q.Inspect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, entry.State)
	assert.Equal(t, 0, entry.AttemptsMade)
	assert.Equal(t, 0, entry.Progress)
	assert.Nil(t, entry.LeaseToken)
	assert.Contains(t, events.Kinds(), queue.EventReleased)

	// the only attempt is still available
	again, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, again.AttemptsMade())
	assert.True(t, again.Final())

	assert.ErrorIs(t, q.Release(ctx, d), common.ErrLeaseLost)
}

func TestQueue_OnlyOneClaimerWins(t *testing.T) {
	repo := NewQueueRepository(SetupTestDB(t))
	q := queue.New(repo)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)

	const claimers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	now := time.Now().UTC().Add(time.Second)
	for i := range claimers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("token-%d", i)
			entry, err := repo.Claim(ctx, now, token, now.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if entry != nil {
				winners = append(winners, *entry.LeaseToken)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Len(t, winners, 1)
}

func TestQueue_DeliverWakesOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, queue.WithPollInterval(time.Hour))
	ctx := context.Background()

	got := make(chan *queue.Delivery, 1)
	go func() {
		d, err := deliverWithin(t, q, 5*time.Second)
		if err == nil {
			got <- d
		}
		close(got)
	}()

	// let the deliverer block first
	time.Sleep(50 * time.Millisecond)
	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)

	select {
	case d, ok := <-got:
		require.True(t, ok, "deliver returned an error")
		assert.Equal(t, "job-1", d.JobID())
	case <-time.After(2 * time.Second):
		t.Fatal("deliver was not woken by enqueue")
	}
}

func TestQueue_DeliverStopsOnClose(t *testing.T) {
	repo := NewQueueRepository(SetupTestDB(t))
	q := queue.New(repo, queue.WithPollInterval(time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := q.Deliver(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not return after close")
	}
}

func TestQueue_FairnessOldestFirst(t *testing.T) {
	clock := newFixedClock()
	q, _ := newTestQueue(t, queue.WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		_, err := q.Enqueue(ctx, id, "p", 3, queue.DefaultBackoff)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	for _, want := range []string{"job-a", "job-b", "job-c"} {
		d, err := deliverWithin(t, q, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, d.JobID())
	}
}

func TestQueue_ProgressIsMonotonicAndResetsPerAttempt(t *testing.T) {
	clock := newFixedClock()
	q, _ := newTestQueue(t, queue.WithClock(clock.Now))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)
	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.SetProgress(ctx, d, 60))
	require.NoError(t, q.SetProgress(ctx, d, 30))
	require.NoError(t, q.SetProgress(ctx, d, 250))

	entry, err := q.Inspect(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, entry.Progress)

	disp, err := q.Nack(ctx, d, errors.New("transient"))
	require.NoError(t, err)
	clock.Advance(disp.Delay)

	_, err = deliverWithin(t, q, time.Second)
	require.NoError(t, err)
	entry, err = q.Inspect(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, entry.Progress)
}

func TestQueue_SettleWithLostLease(t *testing.T) {
	clock := newFixedClock()
	q, _ := newTestQueue(t, queue.WithClock(clock.Now), queue.WithLockDuration(time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
	require.NoError(t, err)
	stale, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = q.RecoverStalled(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, q.SetProgress(ctx, stale, 10), common.ErrLeaseLost)
	_, err = q.Nack(ctx, stale, errors.New("late"))
	assert.ErrorIs(t, err, common.ErrLeaseLost)
}

func TestQueue_RecoverStalled(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues entries with attempts left", func(t *testing.T) {
		clock := newFixedClock()
		q, _ := newTestQueue(t, queue.WithClock(clock.Now), queue.WithLockDuration(time.Minute))

		_, err := q.Enqueue(ctx, "job-1", "p", 3, queue.DefaultBackoff)
		require.NoError(t, err)
		_, err = deliverWithin(t, q, time.Second)
		require.NoError(t, err)

		rec, err := q.RecoverStalled(ctx)
		require.NoError(t, err)
		assert.Empty(t, rec.Requeued, "lease still valid")

		clock.Advance(2 * time.Minute)
		rec, err = q.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Len(t, rec.Requeued, 1)
		assert.Empty(t, rec.Exhausted)

		d, err := deliverWithin(t, q, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, d.AttemptsMade())
	})

	t.Run("fails entries without attempts left", func(t *testing.T) {
		clock := newFixedClock()
		q, _ := newTestQueue(t, queue.WithClock(clock.Now), queue.WithLockDuration(time.Minute))

		_, err := q.Enqueue(ctx, "job-1", "p", 1, queue.DefaultBackoff)
		require.NoError(t, err)
		_, err = deliverWithin(t, q, time.Second)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		rec, err := q.RecoverStalled(ctx)
		require.NoError(t, err)
		assert.Empty(t, rec.Requeued)
		require.Len(t, rec.Exhausted, 1)
		assert.Equal(t, "job-1", rec.Exhausted[0].JobID)

		entry, err := q.Inspect(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.EntryFailed, entry.State)
	})
}

func TestQueue_ListAndPurge(t *testing.T) {
	clock := newFixedClock()
	q, _ := newTestQueue(t, queue.WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b"} {
		_, err := q.Enqueue(ctx, id, "p", 1, queue.DefaultBackoff)
		require.NoError(t, err)
	}
	d, err := deliverWithin(t, q, time.Second)
	require.NoError(t, err)
	_, err = q.Nack(ctx, d, errors.New("boom"))
	require.NoError(t, err)

	failed, err := q.List(ctx, models.EntryFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job-a", failed[0].JobID)

	all, err := q.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := q.PurgeFailed(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = q.PurgeFailed(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_StorageFailureIsQueueUnavailable(t *testing.T) {
	db := SetupTestDB(t)
	q := queue.New(NewQueueRepository(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = q.Enqueue(context.Background(), "job-1", "p", 3, queue.DefaultBackoff)
	assert.ErrorIs(t, err, common.ErrQueueUnavailable)

	_, err = deliverWithin(t, q, time.Second)
	assert.ErrorIs(t, err, common.ErrQueueUnavailable)
}
