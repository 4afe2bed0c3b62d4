package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/solexport/service/helius"
	"github.com/brojonat/solexport/service/metrics"
)

// ProgressEvent reports pipeline progress to the caller after each
// fetched page. Events are pushed to the channel supplied to Run; the
// pipeline never blocks on a slow consumer (events are dropped, the
// final Result is authoritative).
type ProgressEvent struct {
	Wallet    string    `json:"wallet"`
	Pages     int       `json:"pages"`
	Records   int       `json:"records"`
	Timestamp time.Time `json:"timestamp"`
}

// Status carries the soft outcome flags of an export. Capped and
// Truncated are informational, not failures.
type Status struct {
	Capped    bool `json:"capped"`    // raw-record hard cap stopped pagination
	Truncated bool `json:"truncated"` // row-count limit cut the table
	Pages     int  `json:"pages"`
	Raw       int  `json:"raw_records"`
	Rows      int  `json:"rows"`
}

// Result is the terminal outcome of one export. On a pipeline failure
// Run returns a partial Result together with the error so the caller
// can still offer whatever was fetched.
type Result struct {
	Table    *Table
	Summary  Summary
	Status   Status
	Filename string
}

// Exporter wires the paginator, normalizer, and assembler into the
// single export operation. One Exporter is safe for concurrent use;
// each Run is an independent export session.
type Exporter struct {
	paginator  *helius.Paginator
	normalizer *Normalizer
	maxRows    int
	maxWindow  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// ExporterOptions configures an Exporter.
type ExporterOptions struct {
	MaxRows   int           // row-count truncation limit, 0 uses DefaultMaxRows
	MaxWindow time.Duration // maximum date-range span, 0 uses DefaultMaxWindow
	Metrics   *metrics.Metrics
}

// NewExporter creates an Exporter.
func NewExporter(paginator *helius.Paginator, opts ExporterOptions, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		paginator:  paginator,
		normalizer: NewNormalizer(opts.Metrics),
		maxRows:    opts.MaxRows,
		maxWindow:  opts.MaxWindow,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// Run executes one export: validate criteria, paginate, normalize and
// filter, assemble the table. Progress events are pushed to progress
// (may be nil). On failure the returned Result holds whatever rows
// were derived before the failure; validation failures return before
// any network call with a nil-table Result.
func (e *Exporter) Run(ctx context.Context, criteria FilterCriteria, progress chan<- ProgressEvent) (*Result, error) {
	start := time.Now()

	if err := criteria.Validate(e.maxWindow); err != nil {
		if e.metrics != nil {
			e.metrics.RecordExport(string(KindValidation), time.Since(start).Seconds())
		}
		return &Result{}, err
	}

	e.logger.InfoContext(ctx, "starting export",
		"wallet", criteria.Wallet,
		"start", criteria.Start,
		"end", criteria.End,
		"types", criteria.Types,
	)

	window := helius.Window{Start: criteria.Start, End: criteria.End}
	collected, pageErr := e.paginator.Collect(ctx, criteria.Wallet, window, func(p helius.PageProgress) {
		if progress == nil {
			return
		}
		ev := ProgressEvent{
			Wallet:    criteria.Wallet,
			Pages:     p.Pages,
			Records:   p.Records,
			Timestamp: time.Now().UTC(),
		}
		select {
		case progress <- ev:
		default:
		}
	})

	// Partial accumulation is still exported even when pagination
	// failed; the error propagates alongside the result.
	txns := e.normalizer.NormalizeAndFilter(collected.Records, criteria)
	table := ToTable(txns, e.maxRows)

	result := &Result{
		Table:    table,
		Summary:  Summarize(txns),
		Filename: Filename(criteria),
		Status: Status{
			Capped:    collected.Capped,
			Truncated: table.Truncated,
			Pages:     collected.Pages,
			Raw:       len(collected.Records),
			Rows:      len(table.Rows),
		},
	}

	status := "success"
	if pageErr != nil {
		status = string(Classify(pageErr))
	}
	if e.metrics != nil {
		e.metrics.RecordExport(status, time.Since(start).Seconds())
		e.metrics.RecordRowsEmitted(criteria.Wallet, float64(len(table.Rows)))
	}

	e.logger.InfoContext(ctx, "export finished",
		"wallet", criteria.Wallet,
		"pages", result.Status.Pages,
		"raw_records", result.Status.Raw,
		"rows", result.Status.Rows,
		"capped", result.Status.Capped,
		"truncated", result.Status.Truncated,
		"status", status,
	)

	return result, pageErr
}
