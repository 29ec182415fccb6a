package models

import "time"

type EntryState string

const (
	EntryWaiting EntryState = "waiting"
	EntryActive  EntryState = "active"
	EntryFailed  EntryState = "failed"
)

func (s EntryState) Valid() bool {
	switch s {
	case EntryWaiting, EntryActive, EntryFailed:
		return true
	}
	return false
}

// QueueEntry is the unit of work handed from producer to worker. Payload is
// a handle to the raw content, never the content itself.
type QueueEntry struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	JobID        string     `gorm:"size:26;uniqueIndex;not null" json:"jobId"`
	Payload      string     `gorm:"not null" json:"payload"`
	State        EntryState `gorm:"type:varchar(16);index:idx_queue_ready,priority:1;not null" json:"state"`
	AttemptsMade int        `gorm:"not null;default:0" json:"attemptsMade"`
	MaxAttempts  int        `gorm:"not null" json:"maxAttempts"`
	BackoffType  string     `gorm:"type:varchar(16);not null" json:"backoffType"`
	BackoffDelay int64      `gorm:"not null" json:"backoffDelayMs"`
	Progress     int        `gorm:"not null;default:0" json:"progress"`
	AvailableAt  time.Time  `gorm:"index:idx_queue_ready,priority:2;not null" json:"availableAt"`
	LeaseToken   *string    `gorm:"size:36" json:"-"`
	LockedUntil  *time.Time `json:"lockedUntil,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// All lists the persisted models, for automigration in tests.
func All() []any {
	return []any{&Job{}, &QueueEntry{}}
}
