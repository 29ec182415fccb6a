package dto

import (
	"encoding/json"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/models"
)

type UploadResponse struct {
	JobID  string        `json:"jobId"`
	Status models.Status `json:"status"`
}

type JobIDParam struct {
	JobID string `uri:"jobId" validate:"required,max=64"`
}

type StatusResponse struct {
	JobID       string        `json:"jobId"`
	Status      models.Status `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt"`
}

type ResultResponse struct {
	JobID       string          `json:"jobId"`
	Result      json.RawMessage `json:"result"`
	CompletedAt *time.Time      `json:"completedAt"`
}

type FailedResultResponse struct {
	Status models.Status `json:"status"`
	Error  string        `json:"error"`
}

type PendingResultResponse struct {
	Message string `json:"message"`
}

// ResultView is what a result lookup resolved to. Exactly one of Complete,
// Failed or Pending is set.
type ResultView struct {
	Complete *ResultResponse
	Failed   *FailedResultResponse
	Pending  *PendingResultResponse
}

type EntryListQuery struct {
	State string `form:"state" validate:"omitempty,oneof=waiting active failed"`
	Limit int    `form:"limit" validate:"omitempty,gte=1,lte=500"`
}

type EntryResponse struct {
	ID            uint              `json:"id"`
	JobID         string            `json:"jobId"`
	State         models.EntryState `json:"state"`
	AttemptsMade  int               `json:"attemptsMade"`
	MaxAttempts   int               `json:"maxAttempts"`
	Progress      int               `json:"progress"`
	NextAttemptAt *time.Time        `json:"nextAttemptAt"`
	LockedUntil   *time.Time        `json:"lockedUntil"`
	LastError     *string           `json:"lastError"`
	CreatedAt     time.Time         `json:"createdAt"`
	FinishedAt    *time.Time        `json:"finishedAt"`
}

// NewEntryResponse renders a queue entry for the admin API. NextAttemptAt is
// only set while the entry is waiting for a retry.
func NewEntryResponse(e models.QueueEntry) EntryResponse {
	resp := EntryResponse{
		ID:           e.ID,
		JobID:        e.JobID,
		State:        e.State,
		AttemptsMade: e.AttemptsMade,
		MaxAttempts:  e.MaxAttempts,
		Progress:     e.Progress,
		LockedUntil:  e.LockedUntil,
		LastError:    e.LastError,
		CreatedAt:    e.CreatedAt,
		FinishedAt:   e.FinishedAt,
	}
	if e.State == models.EntryWaiting && e.AttemptsMade > 0 {
		next := e.AvailableAt
		resp.NextAttemptAt = &next
	}
	return resp
}
