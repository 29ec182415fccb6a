package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeRecords struct {
	jobs    []models.Job
	deleted int64
	status  models.Status
}

func (f *fakeRecords) Get(_ context.Context, id string) (*models.Job, error) {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			return &f.jobs[i], nil
		}
	}
	return nil, common.ErrRecordNotFound
}

func (f *fakeRecords) List(_ context.Context, status models.Status, _ int) ([]models.Job, error) {
	f.status = status
	return f.jobs, nil
}

func (f *fakeRecords) DeleteExpired(context.Context) (int64, error) { return f.deleted, nil }

type fakeEntries struct {
	entries   []models.QueueEntry
	purged    int64
	purgedAge time.Duration
	state     models.EntryState
	limit     int
}

func (f *fakeEntries) List(_ context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error) {
	f.state, f.limit = state, limit
	return f.entries, nil
}

func (f *fakeEntries) Inspect(_ context.Context, jobID string) (*models.QueueEntry, error) {
	for i := range f.entries {
		if f.entries[i].JobID == jobID {
			return &f.entries[i], nil
		}
	}
	return nil, common.ErrRecordNotFound
}

func (f *fakeEntries) PurgeFailed(_ context.Context, olderThan time.Duration) (int64, error) {
	f.purgedAge = olderThan
	return f.purged, nil
}

type harness struct {
	records  *fakeRecords
	entries  *fakeEntries
	migrated bool
	closed   bool
	opened   int
}

func newHarness() *harness {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastErr := "pdftotext: exit status 1"
	return &harness{
		records: &fakeRecords{
			jobs: []models.Job{
				{ID: "01A", SourceName: "a.txt", Status: models.StatusComplete, CreatedAt: created,
					Result: datatypes.JSON(`{"patientName":"Jane Doe"}`), CompletedAt: &created},
				{ID: "01B", SourceName: "b.pdf", Status: models.StatusQueued, CreatedAt: created},
			},
			deleted: 2,
		},
		entries: &fakeEntries{
			entries: []models.QueueEntry{
				{ID: 1, JobID: "01B", State: models.EntryWaiting, AttemptsMade: 1, MaxAttempts: 3,
					AvailableAt: created.Add(2 * time.Second), LastError: &lastErr},
			},
			purged: 1,
		},
	}
}

func (h *harness) open(context.Context) (*Backend, error) {
	h.opened++
	return &Backend{
		Migrate:       func(context.Context) error { h.migrated = true; return nil },
		SchemaVersion: func(context.Context) (int64, error) { return 2, nil },
		Records:       h.records,
		Entries:       h.entries,
		Retention:     168 * time.Hour,
		Close:         func() error { h.closed = true; return nil },
	}, nil
}

func run(t *testing.T, h *harness, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(h.open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "migrate")
	require.NoError(t, err)
	assert.True(t, h.migrated)
	assert.True(t, h.closed)
	assert.Contains(t, out, "schema at version 2")
}

func TestEntriesList(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "entries", "list", "--state", "waiting", "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, h.entries.state)
	assert.Equal(t, 10, h.entries.limit)
	assert.Contains(t, out, "01B")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "2026-03-01T12:00:02Z")
	assert.Contains(t, out, "pdftotext: exit status 1")
}

func TestEntriesListRejectsUnknownState(t *testing.T) {
	h := newHarness()
	_, err := run(t, h, "entries", "list", "--state", "dead")
	require.Error(t, err)
	assert.Zero(t, h.opened)
}

func TestEntriesShowJSON(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "entries", "show", "01B")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "01B", got["jobId"])
	assert.Equal(t, "waiting", got["state"])

	_, err = run(t, newHarness(), "entries", "show", "missing")
	assert.True(t, errors.Is(err, common.ErrRecordNotFound))
}

func TestJobShowAndList(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "job", "show", "01A")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "complete", got["status"])
	assert.Equal(t, map[string]any{"patientName": "Jane Doe"}, got["result"])

	out, err = run(t, h, "job", "list", "--status", "queued")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, h.records.status)
	assert.Contains(t, out, "a.txt")

	_, err = run(t, h, "job", "list", "--status", "done")
	assert.Error(t, err)
}

func TestPurge(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "purge")
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, h.entries.purgedAge)
	assert.Contains(t, out, "deleted 2 expired jobs, 1 failed entries")

	h = newHarness()
	_, err = run(t, h, "purge", "--failed-older-than", "24h")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, h.entries.purgedAge)
}
