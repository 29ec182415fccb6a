package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultRetention is how long a job record lives after creation.
const DefaultRetention = 7 * 24 * time.Hour

type JobRepository struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

type JobRepoOption func(*JobRepository)

func WithRetention(d time.Duration) JobRepoOption {
	return func(r *JobRepository) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithClock(now func() time.Time) JobRepoOption {
	return func(r *JobRepository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewJobRepository(db *gorm.DB, opts ...JobRepoOption) *JobRepository {
	r := &JobRepository{db: db, retention: DefaultRetention, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create inserts a new queued job record with a fresh id. Returns an error
// if the database operation fails.
func (r *JobRepository) Create(ctx context.Context, sourceName string) (*models.Job, error) {
	now := r.now().UTC()
	job := &models.Job{
		ID:         common.NewULID(),
		SourceName: sourceName,
		Status:     models.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get retrieves a job record by its id. Records past the retention window
// are reported as not found even before they are purged.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("id = ? AND created_at > ?", id, r.cutoff()).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get job %s: %w", id, common.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Update applies a merge-style patch. The write only happens while the
// record's current status allows the transition; otherwise it returns
// common.ErrInvalidTransition, or common.ErrRecordNotFound when there is no
// live record.
func (r *JobRepository) Update(ctx context.Context, id string, patch models.JobPatch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}

	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ? AND created_at > ?", id, models.PredecessorsOf(patch.Status), r.cutoff()).
		Updates(patch.Columns(r.now().UTC()))
	if res.Error != nil {
		return fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("update job %s from %s to %s: %w", id, current.Status, patch.Status, common.ErrInvalidTransition)
}

// MarkProcessing moves the record into processing. Calling it again for a
// redelivered attempt is allowed.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.Update(ctx, id, models.JobPatch{Status: models.StatusProcessing})
}

func (r *JobRepository) MarkComplete(ctx context.Context, id string, result datatypes.JSON) error {
	completedAt := r.now().UTC()
	return r.Update(ctx, id, models.JobPatch{
		Status:      models.StatusComplete,
		CompletedAt: &completedAt,
		Result:      result,
	})
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, msg string) error {
	return r.Update(ctx, id, models.JobPatch{Status: models.StatusFailed, Error: &msg})
}

// DeleteExpired removes every record created at or before the retention
// cutoff, whatever its status, and returns how many were removed.
func (r *JobRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at <= ?", r.cutoff()).
		Delete(&models.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// List returns the most recent live records, newest first.
func (r *JobRepository) List(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	q := r.db.WithContext(ctx).Where("created_at > ?", r.cutoff())
	if status.Valid() {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var jobs []models.Job
	if err := q.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) cutoff() time.Time {
	return r.now().UTC().Add(-r.retention)
}
