package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solexport/service/helius"
	"github.com/brojonat/solexport/service/ratelimit"
)

// scriptedFetcher plays back a fixed sequence of pages or errors.
type scriptedFetcher struct {
	pageSize int
	script   []func() (*helius.Page, error)
	calls    int
}

func (s *scriptedFetcher) FetchPage(ctx context.Context, wallet, cursor string) (*helius.Page, error) {
	if s.calls >= len(s.script) {
		return &helius.Page{}, nil
	}
	step := s.script[s.calls]
	s.calls++
	return step()
}

func (s *scriptedFetcher) PageSize() int { return s.pageSize }

func pageOf(txns ...helius.EnhancedTransaction) func() (*helius.Page, error) {
	return func() (*helius.Page, error) {
		p := &helius.Page{Records: txns}
		if len(txns) > 0 {
			p.NextCursor = txns[len(txns)-1].Signature
		}
		return p, nil
	}
}

func failWith(err error) func() (*helius.Page, error) {
	return func() (*helius.Page, error) { return nil, err }
}

func newTestExporter(f *scriptedFetcher, opts ExporterOptions) *Exporter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fast := []time.Duration{time.Millisecond}
	limiter := ratelimit.NewLimiter(time.Millisecond).WithBackoffTables(fast, fast)
	retry := helius.NewRetryPolicy(3, limiter, nil, logger)
	paginator := helius.NewPaginator(f, retry, 0, nil, logger)
	return NewExporter(paginator, opts, logger)
}

func TestRun_EndToEnd(t *testing.T) {
	c := validCriteria()
	ts := midWindow(c)

	f := &scriptedFetcher{
		pageSize: 100,
		script: []func() (*helius.Page, error){
			pageOf(
				swapTx("sig-1", ts, 50, ptr(1)),
				swapTx("sig-2", ts.Add(-time.Minute), 75, ptr(2)),
			),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	res, err := e.Run(context.Background(), c, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Status.Rows)
	assert.Equal(t, 2, res.Status.Raw)
	assert.Equal(t, 1, res.Status.Pages)
	assert.False(t, res.Status.Capped)
	assert.False(t, res.Status.Truncated)
	assert.Equal(t, 2, res.Summary.Rows)
	assert.InDelta(t, 200.0, res.Summary.TotalValueUSD, 1e-9)
	require.Len(t, res.Table.Rows, 2)
	assert.Equal(t, "sig-1", res.Table.Rows[0][0])
}

func TestRun_ValidationFailsBeforeAnyFetch(t *testing.T) {
	c := validCriteria()
	c.Wallet = "nope"

	f := &scriptedFetcher{pageSize: 100}
	e := newTestExporter(f, ExporterOptions{})

	_, err := e.Run(context.Background(), c, nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, f.calls, "validation failures must never reach the network layer")
}

func TestRun_RateLimitExhaustionReturnsPartialRows(t *testing.T) {
	// One good page, then persistent throttling: the error surfaces as
	// rate-limit exhaustion and the rows from the good page survive.
	c := validCriteria()
	ts := midWindow(c)

	f := &scriptedFetcher{
		pageSize: 1,
		script: []func() (*helius.Page, error){
			pageOf(swapTx("sig-1", ts, 50, ptr(1))),
			failWith(&helius.RateLimitError{}),
			failWith(&helius.RateLimitError{}),
			failWith(&helius.RateLimitError{}),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	res, err := e.Run(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, KindRateLimitExhausted, Classify(err))
	assert.True(t, Retryable(err))
	assert.Equal(t, 1, res.Status.Rows)
	assert.Equal(t, "sig-1", res.Table.Rows[0][0])
}

func TestRun_ImmediateRateLimitExhaustionReturnsZeroRows(t *testing.T) {
	c := validCriteria()

	f := &scriptedFetcher{
		pageSize: 100,
		script: []func() (*helius.Page, error){
			failWith(&helius.RateLimitError{}),
			failWith(&helius.RateLimitError{}),
			failWith(&helius.RateLimitError{}),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	res, err := e.Run(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, KindRateLimitExhausted, Classify(err))
	assert.Equal(t, 0, res.Status.Rows)
	assert.Empty(t, res.Table.Rows)
}

func TestRun_FatalUpstreamClassification(t *testing.T) {
	c := validCriteria()

	f := &scriptedFetcher{
		pageSize: 100,
		script: []func() (*helius.Page, error){
			failWith(&helius.FatalError{StatusCode: 401, Cause: errors.New("bad key")}),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	_, err := e.Run(context.Background(), c, nil)
	require.Error(t, err)
	assert.Equal(t, KindFatal, Classify(err))
	assert.False(t, Retryable(err))
	assert.Equal(t, 1, f.calls, "fatal errors are not retried")
}

func TestRun_TruncationFlagged(t *testing.T) {
	c := validCriteria()
	ts := midWindow(c)

	var txns []helius.EnhancedTransaction
	for i := 0; i < 20; i++ {
		txns = append(txns, swapTx(fmt.Sprintf("sig-%02d", i), ts.Add(-time.Duration(i)*time.Second), 10, ptr(1)))
	}
	f := &scriptedFetcher{pageSize: 100, script: []func() (*helius.Page, error){pageOf(txns...)}}
	e := newTestExporter(f, ExporterOptions{MaxRows: 10})

	res, err := e.Run(context.Background(), c, nil)
	require.NoError(t, err)
	assert.True(t, res.Status.Truncated)
	assert.Equal(t, 10, res.Status.Rows)
	assert.Equal(t, 20, res.Status.Raw)
}

func TestRun_ProgressEventsDelivered(t *testing.T) {
	c := validCriteria()
	ts := midWindow(c)

	f := &scriptedFetcher{
		pageSize: 2,
		script: []func() (*helius.Page, error){
			pageOf(swapTx("a-1", ts, 1, ptr(1)), swapTx("a-2", ts, 2, ptr(1))),
			pageOf(swapTx("b-1", ts, 3, ptr(1))),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	progress := make(chan ProgressEvent, 16)
	_, err := e.Run(context.Background(), c, progress)
	require.NoError(t, err)
	close(progress)

	var events []ProgressEvent
	for ev := range progress {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Pages)
	assert.Equal(t, 2, events[0].Records)
	assert.Equal(t, 2, events[1].Pages)
	assert.Equal(t, 3, events[1].Records)
	assert.Equal(t, c.Wallet, events[0].Wallet)
}

func TestRun_SlowConsumerDoesNotBlockPipeline(t *testing.T) {
	c := validCriteria()
	ts := midWindow(c)

	f := &scriptedFetcher{
		pageSize: 1,
		script: []func() (*helius.Page, error){
			pageOf(swapTx("a", ts, 1, ptr(1))),
			pageOf(swapTx("b", ts, 2, ptr(1))),
			pageOf(swapTx("c", ts, 3, ptr(1))),
		},
	}
	e := newTestExporter(f, ExporterOptions{})

	// Unbuffered channel nobody reads: events are dropped, Run returns.
	progress := make(chan ProgressEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := e.Run(context.Background(), c, progress)
		assert.NoError(t, err)
		assert.Equal(t, 3, res.Status.Rows)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline blocked on slow progress consumer")
	}
}
