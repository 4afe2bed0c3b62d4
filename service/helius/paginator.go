package helius

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/solexport/service/metrics"
)

// DefaultHardCap bounds how many raw records one export will
// accumulate regardless of filter match.
const DefaultHardCap = 30000

// Window is the time range an export is interested in. The upstream
// feed is reverse-chronological, so pagination stops once a page's
// oldest record predates Start.
type Window struct {
	Start time.Time
	End   time.Time
}

// PageProgress reports pagination progress after each fetched page.
type PageProgress struct {
	Pages   int // pages fetched so far
	Records int // raw records accumulated so far (after dedup)
}

// CollectResult is the outcome of a pagination run. Records are in
// upstream order (reverse-chronological). Capped is true when the hard
// cap stopped the run before natural exhaustion.
type CollectResult struct {
	Records []EnhancedTransaction
	Pages   int
	Capped  bool
}

// PageFetcher drives one page fetch through the retry policy. Both the
// real client and test fakes satisfy it.
type PageFetcher interface {
	FetchPage(ctx context.Context, wallet, cursor string) (*Page, error)
	PageSize() int
}

// Paginator drives repeated page fetches, advancing the before-cursor
// and accumulating records until the feed is exhausted, the window
// start is crossed, or the hard cap is reached.
type Paginator struct {
	fetcher PageFetcher
	retry   *RetryPolicy
	hardCap int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPaginator creates a Paginator. A hardCap <= 0 falls back to
// DefaultHardCap.
func NewPaginator(fetcher PageFetcher, retry *RetryPolicy, hardCap int, m *metrics.Metrics, logger *slog.Logger) *Paginator {
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Paginator{
		fetcher: fetcher,
		retry:   retry,
		hardCap: hardCap,
		metrics: m,
		logger:  logger,
	}
}

// Collect fetches all pages for the wallet within the window,
// invoking onProgress (if non-nil) after each page. On a page-level
// failure it returns the partial accumulation alongside the error so
// the caller can still export what was gathered. Context cancellation
// between pages returns the partial result with no error.
func (p *Paginator) Collect(ctx context.Context, wallet string, window Window, onProgress func(PageProgress)) (*CollectResult, error) {
	result := &CollectResult{}
	seen := make(map[string]struct{})
	cursor := ""

	for {
		// Cancellation between page fetches ends the export cleanly
		// with whatever has been accumulated.
		if ctx.Err() != nil {
			p.logger.InfoContext(ctx, "pagination cancelled, returning partial result",
				"wallet", wallet,
				"pages", result.Pages,
				"records", len(result.Records),
			)
			return result, nil
		}

		page, err := p.retry.Attempt(ctx, func(ctx context.Context) (*Page, error) {
			return p.fetcher.FetchPage(ctx, wallet, cursor)
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, nil
			}
			return result, err
		}

		result.Pages++

		// Pages can overlap at boundaries when a cursor repeats;
		// records whose signature was already accumulated are dropped.
		oldestInWindow := true
		for _, rec := range page.Records {
			if _, dup := seen[rec.Signature]; dup {
				continue
			}
			seen[rec.Signature] = struct{}{}
			result.Records = append(result.Records, rec)
			if len(result.Records) >= p.hardCap {
				break
			}
		}
		if len(page.Records) > 0 {
			oldest := page.Records[len(page.Records)-1]
			oldestInWindow = !oldest.BlockTime().Before(window.Start)
		}

		if p.metrics != nil {
			p.metrics.RecordRecordsFetched(wallet, len(page.Records))
		}
		if onProgress != nil {
			onProgress(PageProgress{Pages: result.Pages, Records: len(result.Records)})
		}

		p.logger.DebugContext(ctx, "accumulated page",
			"wallet", wallet,
			"page", result.Pages,
			"page_records", len(page.Records),
			"total_records", len(result.Records),
		)

		// Stop conditions, checked after each page.
		if len(result.Records) >= p.hardCap {
			result.Capped = true
			p.logger.InfoContext(ctx, "hard record cap reached, stopping pagination",
				"wallet", wallet,
				"cap", p.hardCap,
			)
			break
		}
		if len(page.Records) == 0 || page.NextCursor == "" {
			break // feed exhausted
		}
		if !oldestInWindow {
			// The feed is reverse-chronological; once the oldest record
			// on a page predates the window start, no later page can
			// contain an in-window record.
			p.logger.DebugContext(ctx, "crossed window start, stopping pagination",
				"wallet", wallet,
				"window_start", window.Start,
			)
			break
		}
		if len(page.Records) < p.fetcher.PageSize() {
			break // short page means last page
		}

		cursor = page.NextCursor
	}

	if p.metrics != nil {
		p.metrics.RecordExportPages(wallet, float64(result.Pages))
	}
	p.logger.InfoContext(ctx, "pagination complete",
		"wallet", wallet,
		"pages", result.Pages,
		"records", len(result.Records),
		"capped", result.Capped,
	)
	return result, nil
}
