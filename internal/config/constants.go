package config

import "time"

const (
	UploadFormField = "file"

	// DefaultMaxAttempts and DefaultBackoffDelay are the retry policy every
	// upload is enqueued with unless overridden.
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 2 * time.Second

	DefaultRetention = 7 * 24 * time.Hour

	RateLimitMessage = "Too many uploads from this IP. Please try again later."
)

var AllowedUploadExtensions = []string{".pdf", ".txt", ".md"}
