package helius

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/solexport/service/metrics"
	"github.com/brojonat/solexport/service/ratelimit"
)

// DefaultBaseURL is the Helius Enhanced Transactions API endpoint.
const DefaultBaseURL = "https://api.helius.xyz"

// MaxPageSize is the upstream's per-call record limit.
const MaxPageSize = 100

// HTTPDoer is the subset of *http.Client the transport needs.
// This allows us to stub the HTTP layer in tests without a live server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues paginated requests against the Helius Enhanced
// Transactions API. Every call is gated by the shared rate limiter.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient HTTPDoer
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL     string        // defaults to DefaultBaseURL
	PageSize    int           // defaults to MaxPageSize, clamped to [1, MaxPageSize]
	CallTimeout time.Duration // per-call timeout, defaults to 30s
	HTTPClient  HTTPDoer      // optional, defaults to *http.Client with CallTimeout
	Metrics     *metrics.Metrics
}

// NewClient creates a new Helius API client. The apiKey is the opaque
// bearer credential supplied by the deployment; the limiter serializes
// call spacing and is typically shared across exports using the same key.
func NewClient(apiKey string, limiter *ratelimit.Limiter, opts ClientOptions, logger *slog.Logger) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageSize:   pageSize,
		httpClient: httpClient,
		limiter:    limiter,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// PageSize returns the configured per-call record limit. The paginator
// uses it to detect short (final) pages.
func (c *Client) PageSize() int { return c.pageSize }

// FetchPage fetches one page of enhanced transactions for the wallet,
// paginating backwards from the cursor signature (empty cursor means
// the most recent page). Outcomes are classified as *RateLimitError,
// *TransientError, or *FatalError.
func (c *Client) FetchPage(ctx context.Context, wallet, cursor string) (*Page, error) {
	if err := c.limiter.WaitSlot(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v0/addresses/%s/transactions", c.baseURL, url.PathEscape(wallet))
	q := url.Values{}
	q.Set("api-key", c.apiKey)
	q.Set("limit", fmt.Sprintf("%d", c.pageSize))
	q.Set("commitment", "confirmed")
	if cursor != "" {
		q.Set("before", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("failed to build request: %w", err)}
	}

	c.logger.DebugContext(ctx, "fetching transaction page",
		"wallet", wallet,
		"cursor", cursor,
		"limit", c.pageSize,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		// Context cancellation is not a transient upstream failure.
		if ctx.Err() != nil {
			if c.metrics != nil {
				c.metrics.RecordAPICall("cancelled", duration)
			}
			return nil, ctx.Err()
		}
		if c.metrics != nil {
			c.metrics.RecordAPICall("network_error", duration)
		}
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordAPICall(fmt.Sprintf("%d", resp.StatusCode), duration)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(wallet)
		}
		return nil, &RateLimitError{RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransientError{Cause: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, body)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FatalError{
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("upstream returned %d: %s", resp.StatusCode, body),
		}
	}

	var records []EnhancedTransaction
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		// A 200 with an undecodable body is most likely a proxy or
		// upstream hiccup, so treat it as retryable.
		return nil, &TransientError{Cause: fmt.Errorf("failed to decode response: %w", err)}
	}

	page := &Page{Records: records}
	if len(records) > 0 {
		page.NextCursor = records[len(records)-1].Signature
	}

	if c.metrics != nil {
		c.metrics.RecordRecordsPerPage(wallet, float64(len(records)))
	}
	c.logger.DebugContext(ctx, "fetched transaction page",
		"wallet", wallet,
		"count", len(records),
		"next_cursor", page.NextCursor,
	)

	return page, nil
}
