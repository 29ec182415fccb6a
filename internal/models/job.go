package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Job is the record a client polls for the outcome of one uploaded document.
type Job struct {
	ID          string    `gorm:"primaryKey;size:26"`
	SourceName  string    `gorm:"not null"`
	Status      Status    `gorm:"type:varchar(16);index;not null"`
	CreatedAt   time.Time `gorm:"index;not null"`
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Result      datatypes.JSON
	Error       *string
}

// JobPatch is a merge-style update. Nil fields are left untouched.
type JobPatch struct {
	Status      Status
	CompletedAt *time.Time
	Result      datatypes.JSON
	Error       *string
}

// Validate checks the patch keeps result and error mutually exclusive and
// that terminal transitions carry their payload.
func (p JobPatch) Validate() error {
	if !p.Status.Valid() {
		return errors.New("patch status is required")
	}
	switch p.Status {
	case StatusComplete:
		if len(p.Result) == 0 {
			return errors.New("complete requires a result")
		}
		if p.CompletedAt == nil {
			return errors.New("complete requires completedAt")
		}
		if p.Error != nil {
			return errors.New("complete cannot carry an error")
		}
	case StatusFailed:
		if p.Error == nil {
			return errors.New("failed requires an error")
		}
		if len(p.Result) != 0 || p.CompletedAt != nil {
			return errors.New("failed cannot carry a result")
		}
	default:
		if len(p.Result) != 0 || p.Error != nil || p.CompletedAt != nil {
			return fmt.Errorf("%s cannot carry a result or error", p.Status)
		}
	}
	return nil
}

// Columns renders the patch as a column map for a gorm Updates call.
func (p JobPatch) Columns(now time.Time) map[string]any {
	cols := map[string]any{
		"status":     p.Status,
		"updated_at": now,
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = p.CompletedAt.UTC()
	}
	if len(p.Result) != 0 {
		cols["result"] = p.Result
		cols["error"] = nil
	}
	if p.Error != nil {
		cols["error"] = *p.Error
		cols["result"] = nil
	}
	return cols
}
