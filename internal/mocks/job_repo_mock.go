package mocks

import (
	"context"
	"io"

	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
	"github.com/stretchr/testify/mock"
)

type JobRepoMock struct {
	mock.Mock
}

func (m *JobRepoMock) Create(ctx context.Context, sourceName string) (*models.Job, error) {
	args := m.Called(ctx, sourceName)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) Get(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

type QueueMock struct {
	mock.Mock
}

func (m *QueueMock) Enqueue(ctx context.Context, jobID, payload string, maxAttempts int, policy queue.BackoffPolicy) (*models.QueueEntry, error) {
	args := m.Called(ctx, jobID, payload, maxAttempts, policy)

	entry, _ := args.Get(0).(*models.QueueEntry)
	return entry, args.Error(1)
}

func (m *QueueMock) Inspect(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	args := m.Called(ctx, jobID)

	entry, _ := args.Get(0).(*models.QueueEntry)
	return entry, args.Error(1)
}

func (m *QueueMock) List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error) {
	args := m.Called(ctx, state, limit)

	entries, _ := args.Get(0).([]models.QueueEntry)
	return entries, args.Error(1)
}

type DocumentStoreMock struct {
	mock.Mock
}

func (m *DocumentStoreMock) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	args := m.Called(ctx, name, r)
	return args.String(0), args.Error(1)
}

func (m *DocumentStoreMock) Remove(handle string) error {
	args := m.Called(handle)
	return args.Error(0)
}
