package queue

import (
	"fmt"
	"time"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffPolicy decides how long a failed entry waits before its next attempt.
type BackoffPolicy struct {
	Type  BackoffType
	Delay time.Duration
}

// DefaultBackoff is exponential with a 2s base: 2s, 4s, 8s, ...
var DefaultBackoff = BackoffPolicy{Type: BackoffExponential, Delay: 2 * time.Second}

func ParseBackoffType(v string) (BackoffType, error) {
	switch BackoffType(v) {
	case BackoffExponential, BackoffFixed:
		return BackoffType(v), nil
	}
	return "", fmt.Errorf("unknown backoff type %q", v)
}

// NextDelay returns the wait after the given number of attempts have been made.
// Exponential backoff is Delay * 2^(attemptsMade-1).
func (p BackoffPolicy) NextDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if p.Type != BackoffExponential {
		return p.Delay
	}
	// Cap the shift so a misconfigured attempt count cannot overflow.
	shift := min(attemptsMade-1, 30)
	return p.Delay * time.Duration(1<<shift)
}

func (p BackoffPolicy) Validate() error {
	if _, err := ParseBackoffType(string(p.Type)); err != nil {
		return err
	}
	if p.Delay < 0 {
		return fmt.Errorf("backoff delay must not be negative")
	}
	return nil
}
