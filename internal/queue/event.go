package queue

import (
	"context"
	"log/slog"
	"time"
)

type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventRecovered EventKind = "recovered"
	EventReleased  EventKind = "released"
)

// Event is a read-only view of an entry state change.
type Event struct {
	Kind          EventKind  `json:"kind"`
	EntryID       uint       `json:"entryId"`
	JobID         string     `json:"jobId"`
	AttemptsMade  int        `json:"attemptsMade"`
	MaxAttempts   int        `json:"maxAttempts"`
	Progress      int        `json:"progress"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	Error         string     `json:"error,omitempty"`
	At            time.Time  `json:"at"`
}

// Observer receives queue events. Observers must not block for long and
// cannot influence queue state.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Observe(ctx context.Context, e Event) { f(ctx, e) }

// LogObserver writes every event to logger.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(ctx context.Context, e Event) {
		level := slog.LevelDebug
		switch e.Kind {
		case EventRetrying, EventRecovered:
			level = slog.LevelWarn
		case EventFailed:
			level = slog.LevelError
		case EventEnqueued, EventCompleted, EventReleased:
			level = slog.LevelInfo
		}

		attrs := []any{
			"entry_id", e.EntryID,
			"job_id", e.JobID,
			"attempt", e.AttemptsMade,
			"max_attempts", e.MaxAttempts,
		}
		if e.Kind == EventProgress {
			attrs = append(attrs, "progress", e.Progress)
		}
		if e.NextAttemptAt != nil {
			attrs = append(attrs, "next_attempt_at", e.NextAttemptAt)
		}
		if e.Error != "" {
			attrs = append(attrs, "error", e.Error)
		}
		logger.Log(ctx, level, "queue entry "+string(e.Kind), attrs...)
	})
}
