package common

import "errors"

var (
	// ErrQueueUnavailable wraps every failure of the queue's backing store.
	ErrQueueUnavailable = errors.New("queue unavailable")

	ErrPayloadUnreadable = errors.New("payload unreadable")
	ErrExtractionFailure = errors.New("extraction failure")
	ErrRecordNotFound    = errors.New("job not found")
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	// ErrInvalidTransition is returned when a record update is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseLost means the entry is no longer held by the caller.
	ErrLeaseLost = errors.New("queue entry lease lost")
)
