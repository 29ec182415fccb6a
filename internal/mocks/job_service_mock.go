package mocks

import (
	"context"
	"io"

	"github.com/joshu-sajeev/parsemd/internal/dto"
	"github.com/stretchr/testify/mock"
)

type JobServiceMock struct {
	mock.Mock
}

func (m *JobServiceMock) Submit(ctx context.Context, sourceName string, r io.Reader) (*dto.UploadResponse, error) {
	args := m.Called(ctx, sourceName, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.UploadResponse), args.Error(1)
}

func (m *JobServiceMock) Status(ctx context.Context, id string) (*dto.StatusResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.StatusResponse), args.Error(1)
}

func (m *JobServiceMock) Result(ctx context.Context, id string) (*dto.ResultView, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.ResultView), args.Error(1)
}

func (m *JobServiceMock) ListEntries(ctx context.Context, q dto.EntryListQuery) ([]dto.EntryResponse, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dto.EntryResponse), args.Error(1)
}

func (m *JobServiceMock) GetEntry(ctx context.Context, jobID string) (*dto.EntryResponse, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dto.EntryResponse), args.Error(1)
}
