package job

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/parsemd/internal/dto"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
)

// JobRepoInterface is the part of the record store the API needs.
type JobRepoInterface interface {
	Create(ctx context.Context, sourceName string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// QueueInterface is the producer and read-only side of the queue.
type QueueInterface interface {
	Enqueue(ctx context.Context, jobID, payload string, maxAttempts int, policy queue.BackoffPolicy) (*models.QueueEntry, error)
	Inspect(ctx context.Context, jobID string) (*models.QueueEntry, error)
	List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error)
}

// DocumentStore keeps uploaded files until a worker picks them up.
type DocumentStore interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	Remove(handle string) error
}

// JobServiceInterface defines the contract for job business logic operations.
type JobServiceInterface interface {
	Submit(ctx context.Context, sourceName string, r io.Reader) (*dto.UploadResponse, error)
	Status(ctx context.Context, id string) (*dto.StatusResponse, error)
	Result(ctx context.Context, id string) (*dto.ResultView, error)
	ListEntries(ctx context.Context, q dto.EntryListQuery) ([]dto.EntryResponse, error)
	GetEntry(ctx context.Context, jobID string) (*dto.EntryResponse, error)
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Upload(c *gin.Context)
	Status(c *gin.Context)
	Result(c *gin.Context)
	ListEntries(c *gin.Context)
	GetEntry(c *gin.Context)
}
