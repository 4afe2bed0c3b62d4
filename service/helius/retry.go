package helius

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brojonat/solexport/service/metrics"
	"github.com/brojonat/solexport/service/ratelimit"
)

// DefaultRetryBound is the default number of attempts per page.
const DefaultRetryBound = 3

// FetchFunc performs one page-fetch attempt.
type FetchFunc func(ctx context.Context) (*Page, error)

// RetryPolicy wraps a single page fetch with bounded retries. Rate
// limiting and transient failures are retried with their respective
// backoff tables; fatal failures return immediately. Once the budget
// is spent the terminal *ExhaustedError records which failure class
// dominated the final attempt.
type RetryPolicy struct {
	bound   int
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRetryPolicy creates a RetryPolicy. A bound <= 0 falls back to
// DefaultRetryBound.
func NewRetryPolicy(bound int, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *RetryPolicy {
	if bound <= 0 {
		bound = DefaultRetryBound
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{bound: bound, limiter: limiter, metrics: m, logger: logger}
}

// Attempt runs fetch up to the retry bound. On success it returns the
// page. Sleeps between attempts honor ctx cancellation; a cancelled
// context is returned as-is, not wrapped as exhaustion.
func (p *RetryPolicy) Attempt(ctx context.Context, fetch FetchFunc) (*Page, error) {
	var lastErr error
	for attempt := 0; attempt < p.bound; attempt++ {
		page, err := fetch(ctx)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var rateErr *RateLimitError
		var transientErr *TransientError
		switch {
		case errors.As(err, &rateErr):
			if attempt == p.bound-1 {
				break // budget spent
			}
			delay := p.limiter.RateLimitBackoff(attempt)
			p.logger.WarnContext(ctx, "rate limited, backing off before retry",
				"attempt", attempt+1,
				"backoff", delay,
			)
			if p.metrics != nil {
				p.metrics.RecordRetry("rate_limit")
			}
			if err := ratelimit.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		case errors.As(err, &transientErr):
			if attempt == p.bound-1 {
				break
			}
			delay := p.limiter.TransientBackoff(attempt)
			p.logger.WarnContext(ctx, "transient failure, backing off before retry",
				"attempt", attempt+1,
				"error", err,
				"backoff", delay,
			)
			if p.metrics != nil {
				p.metrics.RecordRetry("transient")
			}
			if err := ratelimit.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		default:
			// Fatal or unclassified: never retried.
			return nil, err
		}
	}

	var rateErr *RateLimitError
	return nil, &ExhaustedError{
		RateLimited: errors.As(lastErr, &rateErr),
		Attempts:    p.bound,
		Cause:       lastErr,
	}
}
