package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/document"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
	"github.com/joshu-sajeev/parsemd/internal/storage/postgres"
	"github.com/joshu-sajeev/parsemd/internal/storage/sqlitetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: 10 * time.Millisecond}

type harness struct {
	records *postgres.JobRepository
	queue   *queue.Queue
}

func newHarness(t *testing.T) *harness {
	db := sqlitetest.Open(t)
	q := queue.New(postgres.NewQueueRepository(db), queue.WithPollInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = q.Close() })
	return &harness{records: postgres.NewJobRepository(db), queue: q}
}

func (h *harness) submit(t *testing.T, maxAttempts int) string {
	t.Helper()
	ctx := context.Background()
	job, err := h.records.Create(ctx, "referral.txt")
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, job.ID, "/uploads/referral.txt", maxAttempts, fastBackoff)
	require.NoError(t, err)
	return job.ID
}

// start runs a worker until the test ends and returns the value Run returned.
func (h *harness) start(t *testing.T, dec document.Decoder, opts ...Option) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(1, h.queue, NewProcessor(h.records, dec), h.records, slog.New(slog.DiscardHandler), opts...)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func (h *harness) status(id string) models.Status {
	job, err := h.records.Get(context.Background(), id)
	if err != nil {
		return 0
	}
	return job.Status
}

// watch polls the record until it is terminal and returns every distinct
// status it saw, in order.
func (h *harness) watch(id string, timeout time.Duration) <-chan []models.Status {
	seen := make(chan []models.Status, 1)
	statuses := []models.Status{h.status(id)}
	go func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			s := h.status(id)
			if s.Valid() && (len(statuses) == 0 || statuses[len(statuses)-1] != s) {
				statuses = append(statuses, s)
			}
			if s.Terminal() {
				break
			}
			time.Sleep(time.Millisecond)
		}
		seen <- statuses
	}()
	return seen
}

func TestWorker_FailTwiceThenSucceed(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, 3)
	dec := &scriptedDecoder{
		text: referralText,
		errs: []error{common.ErrPayloadUnreadable, common.ErrPayloadUnreadable},
	}

	seen := h.watch(id, 5*time.Second)
	h.start(t, dec)

	require.Eventually(t, func() bool {
		return h.status(id) == models.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	// a poller only ever sees queued, then processing, then the terminal status
	statuses := <-seen
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.StatusQueued, statuses[0])
	assert.Equal(t, models.StatusComplete, statuses[len(statuses)-1])
	for i := 1; i < len(statuses); i++ {
		assert.True(t, models.CanTransition(statuses[i-1], statuses[i]),
			"observed %s -> %s", statuses[i-1], statuses[i])
	}

	// the entry is acknowledged and removed
	require.Eventually(t, func() bool {
		_, err := h.queue.Inspect(context.Background(), id)
		return errors.Is(err, common.ErrRecordNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, dec.Calls())

	job, err := h.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job.Error)
	assert.NotEmpty(t, job.Result)
}

func TestWorker_AlwaysFailingEndsFailedAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, 3)
	cause := fmt.Errorf("%w: corrupt upload", common.ErrPayloadUnreadable)
	dec := &scriptedDecoder{errs: []error{cause, cause, cause, cause}}

	h.start(t, dec)

	require.Eventually(t, func() bool {
		entry, err := h.queue.Inspect(context.Background(), id)
		return err == nil && entry.State == models.EntryFailed
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := h.queue.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.AttemptsMade)
	assert.Equal(t, 3, dec.Calls())

	job, err := h.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "corrupt upload")
	assert.Empty(t, job.Result)
}

func TestWorker_FatalOutcomeSkipsRetries(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, 3)
	dec := &scriptedDecoder{errs: []error{fmt.Errorf("%w: \".docx\"", document.ErrUnsupportedFormat)}}

	h.start(t, dec)

	require.Eventually(t, func() bool {
		return h.status(id) == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entry, err := h.queue.Inspect(context.Background(), id)
		return err == nil && entry.State == models.EntryFailed
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := h.queue.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.AttemptsMade)
	assert.Equal(t, 1, dec.Calls())
}

func TestWorker_RetryKeepsRecordProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, 3)
	dec := &scriptedDecoder{errs: []error{common.ErrPayloadUnreadable}}
	w := New(1, h.queue, NewProcessor(h.records, dec), h.records, slog.New(slog.DiscardHandler))

	d, err := h.queue.Deliver(ctx)
	require.NoError(t, err)
	require.NoError(t, w.handle(ctx, d))

	// the attempt error lives on the entry only
	job, err := h.records.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Nil(t, job.Error)

	entry, err := h.queue.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, entry.State)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "payload unreadable")
}

// blockingDecoder waits for ctx to end and returns its error.
type blockingDecoder struct {
	started chan struct{}
}

func (d *blockingDecoder) Decode(ctx context.Context, _ string) (string, error) {
	close(d.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWorker_ShutdownReleasesFinalAttempt(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, 1)
	dec := &blockingDecoder{started: make(chan struct{})}
	w := New(1, h.queue, NewProcessor(h.records, dec), h.records, slog.New(slog.DiscardHandler))

	d, err := h.queue.Deliver(context.Background())
	require.NoError(t, err)
	require.True(t, d.Final())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.handle(ctx, d) }()

	<-dec.started
	cancel()
	require.NoError(t, <-done)

	job, err := h.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, models.StatusFailed, job.Status)
	assert.Nil(t, job.Error)

	entry, err := h.queue.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, entry.State)
	assert.Equal(t, 0, entry.AttemptsMade)

	// the next worker still gets the full attempt
	h.start(t, &scriptedDecoder{text: referralText})
	require.Eventually(t, func() bool {
		return h.status(id) == models.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorker_RemovesUploadOnceSettled(t *testing.T) {
	tests := []struct {
		name       string
		decoder    *scriptedDecoder
		wantStatus models.Status
	}{
		{
			name:       "completed",
			decoder:    &scriptedDecoder{text: referralText},
			wantStatus: models.StatusComplete,
		},
		{
			name:       "failed permanently",
			decoder:    &scriptedDecoder{errs: []error{document.ErrUnsupportedFormat}},
			wantStatus: models.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			store, err := document.NewStore(t.TempDir())
			require.NoError(t, err)

			handle, err := store.Save(ctx, "referral.txt", strings.NewReader(referralText))
			require.NoError(t, err)
			job, err := h.records.Create(ctx, "referral.txt")
			require.NoError(t, err)
			_, err = h.queue.Enqueue(ctx, job.ID, handle, 3, fastBackoff)
			require.NoError(t, err)

			h.start(t, tt.decoder, WithUploads(store))

			require.Eventually(t, func() bool {
				_, statErr := os.Stat(handle)
				return h.status(job.ID) == tt.wantStatus && os.IsNotExist(statErr)
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestWorker_RetryKeepsUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store, err := document.NewStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.Save(ctx, "referral.txt", strings.NewReader(referralText))
	require.NoError(t, err)
	job, err := h.records.Create(ctx, "referral.txt")
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, job.ID, handle, 3, fastBackoff)
	require.NoError(t, err)

	w := New(1, h.queue, NewProcessor(h.records, &scriptedDecoder{errs: []error{common.ErrPayloadUnreadable}}),
		h.records, slog.New(slog.DiscardHandler), WithUploads(store))
	d, err := h.queue.Deliver(ctx)
	require.NoError(t, err)
	require.NoError(t, w.handle(ctx, d))

	_, err = os.Stat(handle)
	assert.NoError(t, err)
}

// brokenQueue fails every delivery.
type brokenQueue struct {
	deliveries int
}

func (q *brokenQueue) Deliver(context.Context) (*queue.Delivery, error) {
	q.deliveries++
	return nil, fmt.Errorf("%w: claim: connection refused", common.ErrQueueUnavailable)
}

func (q *brokenQueue) Ack(context.Context, *queue.Delivery) error { return nil }

func (q *brokenQueue) Nack(context.Context, *queue.Delivery, error) (queue.Disposition, error) {
	return queue.Disposition{}, nil
}

func (q *brokenQueue) Fail(context.Context, *queue.Delivery, error) error { return nil }

func (q *brokenQueue) Release(context.Context, *queue.Delivery) error { return nil }

func (q *brokenQueue) SetProgress(context.Context, *queue.Delivery, int) error { return nil }

func TestWorker_RunGivesUpOnPersistentQueueFailure(t *testing.T) {
	q := &brokenQueue{}
	w := New(7, q, nil, nil, slog.New(slog.DiscardHandler),
		WithMaxInfraFailures(3),
		WithRetryDelay(time.Millisecond, 4*time.Millisecond),
	)

	err := w.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrQueueUnavailable)
	assert.Contains(t, err.Error(), "worker 7")
	assert.Equal(t, 3, q.deliveries)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := New(1, h.queue, NewProcessor(h.records, &scriptedDecoder{}), h.records, slog.New(slog.DiscardHandler))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
