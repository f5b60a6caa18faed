package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last failure once a policy gives up.
var ErrExhausted = errors.New("retries exhausted")

// RateLimitedError is a 429 response.
type RateLimitedError struct {
	RetryAfter *time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter == nil {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited (retry after %s)", *e.RetryAfter)
}

// TransientError is a 5xx response worth retrying.
type TransientError struct {
	Status int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient http status %d", e.Status)
}

// FatalError is a response that must not be retried.
type FatalError struct {
	Status int
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

// ConnectionError is a transport level failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection failure: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
