package postgres

import (
	"testing"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/storage/sqlitetest"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *gorm.DB {
	return sqlitetest.Open(t)
}

// fixedClock is a settable time source for repository tests.
type fixedClock struct {
	t time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time { return c.t }

func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
