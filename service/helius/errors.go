package helius

import "fmt"

// RateLimitError indicates the upstream throttled the request (HTTP 429).
// The caller may retry after backing off.
type RateLimitError struct {
	RetryAfter string // raw Retry-After header, may be empty
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("rate limited by upstream (retry after %s)", e.RetryAfter)
	}
	return "rate limited by upstream"
}

// TransientError indicates a failure that may succeed on retry:
// network errors, timeouts, and 5xx responses.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError indicates a failure that will not succeed on retry:
// bad credentials, malformed requests, and other non-throttling 4xx.
type FatalError struct {
	StatusCode int
	Cause      error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal upstream failure (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("fatal upstream failure: %v", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// ExhaustedError is returned by the retry policy once the retry budget
// is spent. RateLimited distinguishes "kept getting throttled" from
// "kept failing transiently" so callers can suggest the right remedy.
type ExhaustedError struct {
	RateLimited bool
	Attempts    int
	Cause       error
}

func (e *ExhaustedError) Error() string {
	kind := "transient errors"
	if e.RateLimited {
		kind = "rate limiting"
	}
	return fmt.Sprintf("retries exhausted after %d attempts due to %s: %v", e.Attempts, kind, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }
