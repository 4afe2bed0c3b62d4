package temporal

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/helius"
	natspkg "github.com/brojonat/solexport/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

// fakeJobStore is an in-memory JobStore for activity tests.
type fakeJobStore struct {
	mu              sync.Mutex
	runningIDs      []string
	progressUpdates [][2]int
	results         map[string]db.JobResultParams
	markErr         error
	recordErr       error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{results: make(map[string]db.JobResultParams)}
}

func (s *fakeJobStore) MarkJobRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.runningIDs = append(s.runningIDs, id)
	return nil
}

func (s *fakeJobStore) UpdateJobProgress(ctx context.Context, id string, pages, rawRecords int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressUpdates = append(s.progressUpdates, [2]int{pages, rawRecords})
	return nil
}

func (s *fakeJobStore) RecordJobResult(ctx context.Context, id string, result db.JobResultParams) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	s.results[id] = result
	return &db.Job{
		ID:           id,
		Wallet:       "wallet123",
		Status:       result.Status,
		Pages:        result.Pages,
		RawRecords:   result.RawRecords,
		Rows:         result.Rows,
		Capped:       result.Capped,
		Truncated:    result.Truncated,
		ErrorKind:    result.ErrorKind,
		ArtifactPath: result.ArtifactPath,
	}, nil
}

// fakeRunner scripts one pipeline run: emit the configured progress
// events, then return the configured result and error.
type fakeRunner struct {
	events []export.ProgressEvent
	result *export.Result
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, criteria export.FilterCriteria, progress chan<- export.ProgressEvent) (*export.Result, error) {
	for _, ev := range r.events {
		if progress != nil {
			progress <- ev
		}
	}
	return r.result, r.err
}

func testInput() ExportJobInput {
	end := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	return ExportJobInput{
		JobID:  "job-1",
		Wallet: "wallet123",
		Start:  end.Add(-30 * 24 * time.Hour),
		End:    end,
		Types:  []string{export.TypeSwap, export.TypeAggSwap},
	}
}

func successResult(rows int) *export.Result {
	table := &export.Table{Header: export.Columns}
	for i := 0; i < rows; i++ {
		table.Rows = append(table.Rows, []string{
			"sig", "2025-06-15T12:00:00Z", "swap", "SOL", "USDC", "1", "100", "100", "Raydium",
		})
	}
	return &export.Result{
		Table:    table,
		Status:   export.Status{Pages: 2, Raw: 150, Rows: rows},
		Filename: "defi_transactions_wallet12_20250531_20250630.csv",
	}
}

func runExportInEnv(t *testing.T, activities *Activities, input ExportJobInput) *RunExportResult {
	t.Helper()

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(activities.RunExport)

	val, err := env.ExecuteActivity(activities.RunExport, input)
	require.NoError(t, err)

	var result *RunExportResult
	require.NoError(t, val.Get(&result))
	return result
}

func TestRunExport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("successful run writes artifact and publishes progress", func(t *testing.T) {
		store := newFakeJobStore()
		publisher := natspkg.NewMockPublisher()
		runner := &fakeRunner{
			events: []export.ProgressEvent{
				{Wallet: "wallet123", Pages: 1, Records: 100},
				{Wallet: "wallet123", Pages: 2, Records: 150},
			},
			result: successResult(3),
		}
		outputDir := t.TempDir()
		activities := NewActivities(store, runner, publisher, outputDir, nil, logger)

		result := runExportInEnv(t, activities, testInput())

		assert.Equal(t, 2, result.Pages)
		assert.Equal(t, 150, result.RawRecords)
		assert.Equal(t, 3, result.Rows)
		assert.Nil(t, result.ErrorKind)
		require.NotNil(t, result.ArtifactPath)
		assert.True(t, strings.HasPrefix(filepath.Base(*result.ArtifactPath), "job-1_"))

		data, err := os.ReadFile(*result.ArtifactPath)
		require.NoError(t, err)
		content := string(data)
		assert.True(t, strings.HasPrefix(content, "signature,timestamp,activity_type"))
		assert.Equal(t, 4, strings.Count(content, "\n")) // header + 3 rows

		events := publisher.GetPublishedEventsForJob("job-1")
		require.Len(t, events, 2)
		assert.Equal(t, natspkg.EventProgress, events[0].Type)
		assert.Equal(t, 1, events[0].Pages)
		assert.Equal(t, 2, events[1].Pages)

		assert.Equal(t, [][2]int{{1, 100}, {2, 150}}, store.progressUpdates)
	})

	t.Run("partial failure keeps rows and records error kind", func(t *testing.T) {
		store := newFakeJobStore()
		runner := &fakeRunner{
			result: successResult(2),
			err:    &helius.ExhaustedError{RateLimited: true, Attempts: 3, Cause: errors.New("429")},
		}
		activities := NewActivities(store, runner, natspkg.NewMockPublisher(), t.TempDir(), nil, logger)

		result := runExportInEnv(t, activities, testInput())

		assert.Equal(t, 2, result.Rows)
		require.NotNil(t, result.ErrorKind)
		assert.Equal(t, string(export.KindRateLimitExhausted), *result.ErrorKind)
		assert.NotNil(t, result.ArtifactPath)
	})

	t.Run("zero rows produces no artifact", func(t *testing.T) {
		runner := &fakeRunner{result: &export.Result{
			Table:  &export.Table{Header: export.Columns},
			Status: export.Status{Pages: 1, Raw: 40},
		}}
		activities := NewActivities(newFakeJobStore(), runner, nil, t.TempDir(), nil, logger)

		result := runExportInEnv(t, activities, testInput())

		assert.Zero(t, result.Rows)
		assert.Nil(t, result.ArtifactPath)
	})

	t.Run("unwritable output directory fails the activity", func(t *testing.T) {
		runner := &fakeRunner{result: successResult(1)}
		outputDir := filepath.Join(t.TempDir(), "ro")
		require.NoError(t, os.Mkdir(outputDir, fs.FileMode(0o500)))
		activities := NewActivities(newFakeJobStore(), runner, nil, outputDir, nil, logger)

		var ts testsuite.WorkflowTestSuite
		env := ts.NewTestActivityEnvironment()
		env.RegisterActivity(activities.RunExport)

		_, err := env.ExecuteActivity(activities.RunExport, testInput())
		assert.Error(t, err)
	})
}

func TestMarkJobRunningActivity(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("delegates to store", func(t *testing.T) {
		store := newFakeJobStore()
		activities := NewActivities(store, nil, nil, "", nil, logger)

		err := activities.MarkJobRunning(context.Background(), MarkJobRunningInput{JobID: "job-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"job-1"}, store.runningIDs)
	})

	t.Run("store error propagates", func(t *testing.T) {
		store := newFakeJobStore()
		store.markErr = db.ErrNotFound
		activities := NewActivities(store, nil, nil, "", nil, logger)

		err := activities.MarkJobRunning(context.Background(), MarkJobRunningInput{JobID: "job-1"})
		assert.ErrorIs(t, err, db.ErrNotFound)
	})
}

func TestRecordResultActivity(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("completed run", func(t *testing.T) {
		store := newFakeJobStore()
		publisher := natspkg.NewMockPublisher()
		activities := NewActivities(store, nil, publisher, "", nil, logger)

		path := "/tmp/out.csv"
		err := activities.RecordResult(context.Background(), RecordResultInput{
			JobID: "job-1",
			Result: RunExportResult{
				Pages:        3,
				RawRecords:   220,
				Rows:         48,
				Truncated:    true,
				ArtifactPath: &path,
			},
		})
		require.NoError(t, err)

		recorded := store.results["job-1"]
		assert.Equal(t, db.JobStatusCompleted, recorded.Status)
		assert.Equal(t, 48, recorded.Rows)
		assert.True(t, recorded.Truncated)

		events := publisher.GetPublishedEventsForJob("job-1")
		require.Len(t, events, 1)
		assert.Equal(t, natspkg.EventComplete, events[0].Type)
		assert.Equal(t, 48, events[0].Rows)
		assert.True(t, events[0].Truncated)
	})

	t.Run("failed run", func(t *testing.T) {
		store := newFakeJobStore()
		publisher := natspkg.NewMockPublisher()
		activities := NewActivities(store, nil, publisher, "", nil, logger)

		kind := string(export.KindTransientExhausted)
		err := activities.RecordResult(context.Background(), RecordResultInput{
			JobID:  "job-1",
			Result: RunExportResult{Pages: 1, RawRecords: 100, ErrorKind: &kind},
		})
		require.NoError(t, err)

		recorded := store.results["job-1"]
		assert.Equal(t, db.JobStatusFailed, recorded.Status)
		require.NotNil(t, recorded.ErrorKind)
		assert.Equal(t, kind, *recorded.ErrorKind)

		events := publisher.GetPublishedEventsForJob("job-1")
		require.Len(t, events, 1)
		assert.Equal(t, natspkg.EventFailed, events[0].Type)
		assert.Equal(t, kind, events[0].Error)
	})

	t.Run("publish failure does not fail the activity", func(t *testing.T) {
		store := newFakeJobStore()
		publisher := natspkg.NewMockPublisher()
		publisher.SetPublishError(errors.New("nats down"))
		activities := NewActivities(store, nil, publisher, "", nil, logger)

		err := activities.RecordResult(context.Background(), RecordResultInput{
			JobID:  "job-1",
			Result: RunExportResult{Rows: 5},
		})
		require.NoError(t, err)
		assert.Contains(t, store.results, "job-1")
	})

	t.Run("store error propagates", func(t *testing.T) {
		store := newFakeJobStore()
		store.recordErr = db.ErrNotFound
		activities := NewActivities(store, nil, nil, "", nil, logger)

		err := activities.RecordResult(context.Background(), RecordResultInput{JobID: "job-1"})
		assert.ErrorIs(t, err, db.ErrNotFound)
	})
}
