package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/joshu-sajeev/parsemd/internal/queue"
	"gorm.io/gorm"
)

// claimRetries bounds how often Claim retries after losing a race for a candidate.
const claimRetries = 5

const stalledLeaseError = "lease expired before the attempt settled"

// QueueRepository stores queue entries in the queue_entries table.
type QueueRepository struct {
	db *gorm.DB
}

func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

var _ queue.Backend = (*QueueRepository)(nil)

func (r *QueueRepository) Insert(ctx context.Context, entry *models.QueueEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// Claim picks the oldest ready entry and takes it with a compare-and-set on
// its state, so concurrent claimers never share an entry.
func (r *QueueRepository) Claim(ctx context.Context, now time.Time, token string, lockUntil time.Time) (*models.QueueEntry, error) {
	db := r.db.WithContext(ctx)

	for range claimRetries {
		var candidate models.QueueEntry
		err := db.
			Where("state = ? AND available_at <= ?", models.EntryWaiting, now).
			Order("available_at ASC, id ASC").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find ready entry: %w", err)
		}

		res := db.Model(&models.QueueEntry{}).
			Where("id = ? AND state = ?", candidate.ID, models.EntryWaiting).
			Updates(map[string]any{
				"state":         models.EntryActive,
				"lease_token":   token,
				"locked_until":  lockUntil,
				"attempts_made": gorm.Expr("attempts_made + 1"),
				"progress":      0,
				"updated_at":    now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim entry %d: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// another claimer won this candidate
			continue
		}

		var claimed models.QueueEntry
		if err := db.First(&claimed, candidate.ID).Error; err != nil {
			return nil, fmt.Errorf("reload claimed entry %d: %w", candidate.ID, err)
		}
		return &claimed, nil
	}
	return nil, nil
}

func (r *QueueRepository) NextAvailableAt(ctx context.Context) (*time.Time, error) {
	var next models.QueueEntry
	err := r.db.WithContext(ctx).
		Select("available_at").
		Where("state = ?", models.EntryWaiting).
		Order("available_at ASC").
		Take(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next available entry: %w", err)
	}
	return &next.AvailableAt, nil
}

func (r *QueueRepository) Delete(ctx context.Context, id uint, token string) error {
	res := r.held(ctx, id, token).Delete(&models.QueueEntry{})
	if res.Error != nil {
		return fmt.Errorf("delete entry %d: %w", id, res.Error)
	}
	return leaseKept(id, res.RowsAffected)
}

func (r *QueueRepository) Reschedule(ctx context.Context, id uint, token string, availableAt time.Time, lastErr string) error {
	res := r.held(ctx, id, token).Model(&models.QueueEntry{}).Updates(map[string]any{
		"state":        models.EntryWaiting,
		"available_at": availableAt,
		"lease_token":  nil,
		"locked_until": nil,
		"last_error":   lastErr,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("reschedule entry %d: %w", id, res.Error)
	}
	return leaseKept(id, res.RowsAffected)
}

func (r *QueueRepository) MarkFailed(ctx context.Context, id uint, token string, finishedAt time.Time, lastErr string) error {
	res := r.held(ctx, id, token).Model(&models.QueueEntry{}).Updates(map[string]any{
		"state":        models.EntryFailed,
		"finished_at":  finishedAt,
		"lease_token":  nil,
		"locked_until": nil,
		"last_error":   lastErr,
		"updated_at":   finishedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("fail entry %d: %w", id, res.Error)
	}
	return leaseKept(id, res.RowsAffected)
}

// Release hands an interrupted attempt back to the waiting state. The
// attempt is not counted.
func (r *QueueRepository) Release(ctx context.Context, id uint, token string, availableAt time.Time) error {
	res := r.held(ctx, id, token).Model(&models.QueueEntry{}).Updates(map[string]any{
		"state":         models.EntryWaiting,
		"available_at":  availableAt,
		"lease_token":   nil,
		"locked_until":  nil,
		"attempts_made": gorm.Expr("CASE WHEN attempts_made > 0 THEN attempts_made - 1 ELSE 0 END"),
		"progress":      0,
		"updated_at":    availableAt,
	})
	if res.Error != nil {
		return fmt.Errorf("release entry %d: %w", id, res.Error)
	}
	return leaseKept(id, res.RowsAffected)
}

// UpdateProgress never lowers the stored progress of the current attempt.
func (r *QueueRepository) UpdateProgress(ctx context.Context, id uint, token string, progress int, lockUntil time.Time) error {
	res := r.held(ctx, id, token).Model(&models.QueueEntry{}).Updates(map[string]any{
		"progress":     gorm.Expr("CASE WHEN progress > ? THEN progress ELSE ? END", progress, progress),
		"locked_until": lockUntil,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update progress of entry %d: %w", id, res.Error)
	}
	return leaseKept(id, res.RowsAffected)
}

func (r *QueueRepository) FindByJob(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("queue entry for job %s: %w", jobID, common.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find queue entry: %w", err)
	}
	return &entry, nil
}

// List returns entries ordered by id. An empty state matches every state.
func (r *QueueRepository) List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entries []models.QueueEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return entries, nil
}

// ReleaseStalled handles active entries whose lease ran out: entries with
// attempts left go back to waiting, the rest are failed.
func (r *QueueRepository) ReleaseStalled(ctx context.Context, now time.Time) (requeued, exhausted []models.QueueEntry, err error) {
	var stalled []models.QueueEntry
	if err := r.db.WithContext(ctx).
		Where("state = ? AND locked_until < ?", models.EntryActive, now).
		Order("id ASC").
		Find(&stalled).Error; err != nil {
		return nil, nil, fmt.Errorf("list stalled entries: %w", err)
	}

	for _, e := range stalled {
		if e.LeaseToken == nil {
			continue
		}

		if e.AttemptsMade >= e.MaxAttempts {
			if err := r.MarkFailed(ctx, e.ID, *e.LeaseToken, now, stalledLeaseError); err != nil {
				if errors.Is(err, common.ErrLeaseLost) {
					continue
				}
				return requeued, exhausted, err
			}
			msg := stalledLeaseError
			e.State, e.FinishedAt, e.LastError = models.EntryFailed, &now, &msg
			exhausted = append(exhausted, e)
			continue
		}

		res := r.held(ctx, e.ID, *e.LeaseToken).Model(&models.QueueEntry{}).Updates(map[string]any{
			"state":        models.EntryWaiting,
			"available_at": now,
			"lease_token":  nil,
			"locked_until": nil,
			"updated_at":   now,
		})
		if res.Error != nil {
			return requeued, exhausted, fmt.Errorf("release entry %d: %w", e.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		e.State, e.AvailableAt = models.EntryWaiting, now
		requeued = append(requeued, e)
	}
	return requeued, exhausted, nil
}

func (r *QueueRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state = ? AND finished_at <= ?", models.EntryFailed, cutoff).
		Delete(&models.QueueEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge failed entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *QueueRepository) held(ctx context.Context, id uint, token string) *gorm.DB {
	return r.db.WithContext(ctx).
		Where("id = ? AND lease_token = ? AND state = ?", id, token, models.EntryActive)
}

func leaseKept(id uint, rows int64) error {
	if rows == 0 {
		return fmt.Errorf("entry %d: %w", id, common.ErrLeaseLost)
	}
	return nil
}
