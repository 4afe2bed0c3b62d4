package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default delay tables. Attempt indices past the end of a table are
// clamped to the last entry.
var (
	// DefaultTransientBackoff is used after network/server errors.
	DefaultTransientBackoff = []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}

	// DefaultRateLimitBackoff is used after 429 responses. It is shorter
	// than the transient table because the upstream window resets quickly.
	DefaultRateLimitBackoff = []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}
)

// Limiter enforces a minimum interval between outbound API calls.
// A single Limiter may be shared by concurrent exports that use the
// same API key; the critical section around lastCall serializes the
// "check elapsed, sleep, record" sequence so the shared budget holds.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	lastCall time.Time

	transientBackoff []time.Duration
	rateLimitBackoff []time.Duration
}

// NewLimiter creates a Limiter with the given minimum inter-call
// interval and the default backoff tables.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval:         interval,
		transientBackoff: DefaultTransientBackoff,
		rateLimitBackoff: DefaultRateLimitBackoff,
	}
}

// WithBackoffTables overrides the backoff tables. Empty tables are
// ignored and keep the defaults.
func (l *Limiter) WithBackoffTables(transient, rateLimit []time.Duration) *Limiter {
	if len(transient) > 0 {
		l.transientBackoff = transient
	}
	if len(rateLimit) > 0 {
		l.rateLimitBackoff = rateLimit
	}
	return l
}

// WaitSlot blocks until the minimum interval since the previous call
// has elapsed, then records the new call time. It returns early with
// the context error if ctx is cancelled while waiting.
func (l *Limiter) WaitSlot(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	wait := l.interval - now.Sub(l.lastCall)
	if wait <= 0 {
		l.lastCall = now
		l.mu.Unlock()
		return nil
	}
	// Reserve the slot before sleeping so a concurrent caller queues
	// behind this one instead of racing for the same slot.
	l.lastCall = now.Add(wait)
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransientBackoff returns the delay to sleep before retry attempt
// `attempt` (0-based) after a transient failure.
func (l *Limiter) TransientBackoff(attempt int) time.Duration {
	return backoffAt(l.transientBackoff, attempt)
}

// RateLimitBackoff returns the delay to sleep before retry attempt
// `attempt` (0-based) after a throttling response.
func (l *Limiter) RateLimitBackoff(attempt int) time.Duration {
	return backoffAt(l.rateLimitBackoff, attempt)
}

func backoffAt(table []time.Duration, attempt int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(table) {
		attempt = len(table) - 1
	}
	return table[attempt]
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
// Retry loops use this instead of time.Sleep so cancellation is
// honored mid-backoff.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
