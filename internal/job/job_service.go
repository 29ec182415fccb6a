package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/config"
	"github.com/joshu-sajeev/parsemd/internal/document"
	"github.com/joshu-sajeev/parsemd/internal/dto"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
)

const (
	defaultListLimit     = 50
	unknownFailure       = "Unknown processing error"
	notCompleteMessage   = "Job is not complete yet"
	jobNotFoundMessage   = "Job not found"
	entryNotFoundMessage = "queue entry not found"
)

// SubmitPolicy is the retry policy every upload is enqueued with.
type SubmitPolicy struct {
	MaxAttempts int
	Backoff     queue.BackoffPolicy
}

func DefaultSubmitPolicy() SubmitPolicy {
	return SubmitPolicy{
		MaxAttempts: config.DefaultMaxAttempts,
		Backoff:     queue.DefaultBackoff,
	}
}

type JobService struct {
	records JobRepoInterface
	queue   QueueInterface
	store   DocumentStore
	policy  SubmitPolicy
	logger  *slog.Logger
}

func NewJobService(records JobRepoInterface, q QueueInterface, store DocumentStore, policy SubmitPolicy, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JobService{
		records: records,
		queue:   q,
		store:   store,
		policy:  policy,
		logger:  logger,
	}
}

var _ JobServiceInterface = (*JobService)(nil)

// Submit stores the uploaded content, creates its record and enqueues the
// extraction. The caller gets the job id back before any processing starts.
func (s *JobService) Submit(ctx context.Context, sourceName string, r io.Reader) (*dto.UploadResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request canceled or timed out")
	}

	if !document.Supported(sourceName) {
		return nil, common.NewAPIError(
			http.StatusBadRequest,
			"unsupported file type",
			map[string]any{
				"provided": filepath.Ext(sourceName),
				"allowed":  config.AllowedUploadExtensions,
			},
		)
	}

	handle, err := s.store.Save(ctx, sourceName, r)
	if err != nil {
		if isTimeout(err) {
			return nil, common.Errf(http.StatusRequestTimeout, "request timeout")
		}
		s.logger.Error("store upload failed", "source", sourceName, "error", err)
		return nil, common.Errf(http.StatusInternalServerError, "failed to store upload")
	}

	job, err := s.records.Create(ctx, sourceName)
	if err != nil {
		s.discard(handle)
		if isTimeout(err) {
			return nil, common.Errf(http.StatusRequestTimeout, "request timeout")
		}
		s.logger.Error("create job record failed", "source", sourceName, "error", err)
		return nil, common.Errf(http.StatusInternalServerError, "failed to create job")
	}

	if _, err := s.queue.Enqueue(ctx, job.ID, handle, s.policy.MaxAttempts, s.policy.Backoff); err != nil {
		// The queued record is left behind and expires with the retention window.
		s.discard(handle)
		s.logger.Error("enqueue failed", "job_id", job.ID, "error", err)
		switch {
		case isTimeout(err):
			return nil, common.Errf(http.StatusRequestTimeout, "request timeout")
		case errors.Is(err, common.ErrQueueUnavailable):
			return nil, common.Errf(http.StatusServiceUnavailable, "queue unavailable, please retry")
		default:
			return nil, common.Errf(http.StatusInternalServerError, "failed to enqueue job")
		}
	}

	s.logger.Info("job submitted", "job_id", job.ID, "source", sourceName)
	return &dto.UploadResponse{JobID: job.ID, Status: job.Status}, nil
}

// Status reports where a job is in its lifecycle.
func (s *JobService) Status(ctx context.Context, id string) (*dto.StatusResponse, error) {
	job, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &dto.StatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

// Result resolves a job to its extraction result, its failure reason, or a
// not-complete marker.
func (s *JobService) Result(ctx context.Context, id string) (*dto.ResultView, error) {
	job, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.StatusComplete:
		return &dto.ResultView{Complete: &dto.ResultResponse{
			JobID:       job.ID,
			Result:      json.RawMessage(job.Result),
			CompletedAt: job.CompletedAt,
		}}, nil
	case models.StatusFailed:
		msg := unknownFailure
		if job.Error != nil && *job.Error != "" {
			msg = *job.Error
		}
		return &dto.ResultView{Failed: &dto.FailedResultResponse{
			Status: models.StatusFailed,
			Error:  msg,
		}}, nil
	default:
		return &dto.ResultView{Pending: &dto.PendingResultResponse{Message: notCompleteMessage}}, nil
	}
}

// ListEntries returns queue entries for the admin API.
func (s *JobService) ListEntries(ctx context.Context, q dto.EntryListQuery) ([]dto.EntryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	entries, err := s.queue.List(ctx, models.EntryState(q.State), limit)
	if err != nil {
		if isTimeout(err) {
			return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
		}
		s.logger.Error("list queue entries failed", "error", err)
		return nil, common.Errf(http.StatusInternalServerError, "failed to list queue entries")
	}

	resp := make([]dto.EntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = dto.NewEntryResponse(e)
	}
	return resp, nil
}

// GetEntry returns the queue entry of one job.
func (s *JobService) GetEntry(ctx context.Context, jobID string) (*dto.EntryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	entry, err := s.queue.Inspect(ctx, jobID)
	if err != nil {
		switch {
		case isTimeout(err):
			return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
		case errors.Is(err, common.ErrRecordNotFound):
			return nil, common.Errf(http.StatusNotFound, entryNotFoundMessage)
		default:
			s.logger.Error("inspect queue entry failed", "job_id", jobID, "error", err)
			return nil, common.Errf(http.StatusInternalServerError, "failed to get queue entry")
		}
	}

	resp := dto.NewEntryResponse(*entry)
	return &resp, nil
}

func (s *JobService) get(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	job, err := s.records.Get(ctx, id)
	if err != nil {
		switch {
		case isTimeout(err):
			return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
		case errors.Is(err, common.ErrRecordNotFound):
			return nil, common.Errf(http.StatusNotFound, jobNotFoundMessage)
		default:
			s.logger.Error("get job failed", "job_id", id, "error", err)
			return nil, common.Errf(http.StatusInternalServerError, "failed to get job")
		}
	}
	return job, nil
}

func (s *JobService) discard(handle string) {
	if err := s.store.Remove(handle); err != nil {
		s.logger.Warn("remove upload failed", "handle", handle, "error", err)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
