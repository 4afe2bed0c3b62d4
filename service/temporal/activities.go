package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/metrics"
	natspkg "github.com/brojonat/solexport/service/nats"
	"go.temporal.io/sdk/activity"
)

// ExportJobInput carries the filter criteria for one export job through
// the workflow. Times are serialized by the Temporal data converter so
// the workflow history stays replayable.
type ExportJobInput struct {
	JobID     string    `json:"job_id"`
	Wallet    string    `json:"wallet"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	MinUSD    float64   `json:"min_usd"`
	MaxUSD    *float64  `json:"max_usd,omitempty"`
	Types     []string  `json:"types"`
	TokenMint string    `json:"token_mint,omitempty"`
}

// Criteria converts the workflow input back into pipeline criteria.
func (in ExportJobInput) Criteria() export.FilterCriteria {
	return export.FilterCriteria{
		Wallet:    in.Wallet,
		Start:     in.Start,
		End:       in.End,
		MinUSD:    in.MinUSD,
		MaxUSD:    in.MaxUSD,
		Types:     in.Types,
		TokenMint: in.TokenMint,
	}
}

// RunExportResult contains the outcome of the RunExport activity.
// ErrorKind is set when the pipeline stopped early; the counts and
// artifact then describe the partial export.
type RunExportResult struct {
	Pages        int     `json:"pages"`
	RawRecords   int     `json:"raw_records"`
	Rows         int     `json:"rows"`
	Capped       bool    `json:"capped"`
	Truncated    bool    `json:"truncated"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
}

// MarkJobRunningInput identifies the job to transition.
type MarkJobRunningInput struct {
	JobID string `json:"job_id"`
}

// RecordResultInput writes the terminal state of a run to the job store.
type RecordResultInput struct {
	JobID  string          `json:"job_id"`
	Result RunExportResult `json:"result"`
}

// JobStore defines the database operations needed by activities.
// This allows for easy mocking in tests.
type JobStore interface {
	MarkJobRunning(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, pages, rawRecords int) error
	RecordJobResult(ctx context.Context, id string, result db.JobResultParams) (*db.Job, error)
}

// ExportRunner defines the pipeline operation needed by activities.
// This allows for easy mocking in tests.
type ExportRunner interface {
	Run(ctx context.Context, criteria export.FilterCriteria, progress chan<- export.ProgressEvent) (*export.Result, error)
}

// PublisherInterface defines the NATS publishing operations needed by
// activities. This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishEvent(ctx context.Context, event *natspkg.ExportEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	store     JobStore
	exporter  ExportRunner
	publisher PublisherInterface
	outputDir string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// The publisher may be nil; progress events are then only heartbeated.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	store JobStore,
	exporter ExportRunner,
	publisher PublisherInterface,
	outputDir string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		exporter:  exporter,
		publisher: publisher,
		outputDir: outputDir,
		metrics:   m,
		logger:    logger,
	}
}

// MarkJobRunning transitions the job record to the running state.
func (a *Activities) MarkJobRunning(ctx context.Context, input MarkJobRunningInput) error {
	a.logger.DebugContext(ctx, "marking job running", "job_id", input.JobID)
	if err := a.store.MarkJobRunning(ctx, input.JobID); err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", input.JobID, err)
	}
	return nil
}

// RunExport executes the export pipeline for one job and writes the
// resulting CSV to the output directory. Progress is heartbeated to
// Temporal and published to NATS after each fetched page.
//
// A pipeline failure after partial accumulation does not fail the
// activity: the partial rows are still written and the error kind is
// recorded in the result, so retrying would only repeat the upstream
// exhaustion. Only infrastructure failures (artifact write) return an
// error.
func (a *Activities) RunExport(ctx context.Context, input ExportJobInput) (*RunExportResult, error) {
	a.logger.InfoContext(ctx, "running export",
		"job_id", input.JobID,
		"wallet", input.Wallet,
		"start", input.Start,
		"end", input.End,
	)

	progress := make(chan export.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			activity.RecordHeartbeat(ctx, ev)
			if a.publisher == nil {
				continue
			}
			if err := a.publisher.PublishEvent(ctx, natspkg.FromProgress(input.JobID, ev)); err != nil {
				a.logger.WarnContext(ctx, "failed to publish progress event",
					"job_id", input.JobID,
					"error", err,
				)
			}
			if err := a.store.UpdateJobProgress(ctx, input.JobID, ev.Pages, ev.Records); err != nil {
				a.logger.WarnContext(ctx, "failed to update job progress",
					"job_id", input.JobID,
					"error", err,
				)
			}
		}
	}()

	res, runErr := a.exporter.Run(ctx, input.Criteria(), progress)
	close(progress)
	<-done

	result := &RunExportResult{}
	if res != nil {
		result.Pages = res.Status.Pages
		result.RawRecords = res.Status.Raw
		result.Rows = res.Status.Rows
		result.Capped = res.Status.Capped
		result.Truncated = res.Status.Truncated
	}
	if runErr != nil {
		kind := string(export.Classify(runErr))
		result.ErrorKind = &kind
		a.logger.WarnContext(ctx, "export pipeline stopped early",
			"job_id", input.JobID,
			"error_kind", kind,
			"rows", result.Rows,
			"error", runErr,
		)
	}

	// Write the artifact when any rows survived filtering, even on a
	// partial run.
	if res != nil && res.Table != nil && len(res.Table.Rows) > 0 {
		path, err := a.writeArtifact(input.JobID, res)
		if err != nil {
			a.logger.ErrorContext(ctx, "failed to write export artifact",
				"job_id", input.JobID,
				"error", err,
			)
			return nil, err
		}
		result.ArtifactPath = &path
		a.logger.InfoContext(ctx, "wrote export artifact",
			"job_id", input.JobID,
			"path", path,
			"rows", result.Rows,
		)
	}

	return result, nil
}

// RecordResult persists the terminal state of a run and publishes the
// terminal event to NATS.
func (a *Activities) RecordResult(ctx context.Context, input RecordResultInput) error {
	status := db.JobStatusCompleted
	if input.Result.ErrorKind != nil {
		status = db.JobStatusFailed
	}

	job, err := a.store.RecordJobResult(ctx, input.JobID, db.JobResultParams{
		Status:       status,
		Pages:        input.Result.Pages,
		RawRecords:   input.Result.RawRecords,
		Rows:         input.Result.Rows,
		Capped:       input.Result.Capped,
		Truncated:    input.Result.Truncated,
		ErrorKind:    input.Result.ErrorKind,
		ArtifactPath: input.Result.ArtifactPath,
	})
	if err != nil {
		return fmt.Errorf("failed to record result for job %s: %w", input.JobID, err)
	}

	a.logger.InfoContext(ctx, "recorded job result",
		"job_id", job.ID,
		"status", job.Status,
		"rows", job.Rows,
	)

	if a.publisher != nil {
		ev := &natspkg.ExportEvent{
			JobID:       job.ID,
			Type:        natspkg.EventComplete,
			Wallet:      job.Wallet,
			Pages:       job.Pages,
			Records:     job.RawRecords,
			Rows:        job.Rows,
			Capped:      job.Capped,
			Truncated:   job.Truncated,
			PublishedAt: time.Now().UTC(),
		}
		if input.Result.ErrorKind != nil {
			ev.Type = natspkg.EventFailed
			ev.Error = *input.Result.ErrorKind
		}
		if err := a.publisher.PublishEvent(ctx, ev); err != nil {
			// Terminal state is persisted; the event is best-effort.
			a.logger.ErrorContext(ctx, "failed to publish terminal event",
				"job_id", job.ID,
				"error", err,
			)
		}
	}

	return nil
}

func (a *Activities) writeArtifact(jobID string, res *export.Result) (string, error) {
	dir := a.outputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	// Prefix with the job id so concurrent exports of the same wallet
	// and window never clobber each other.
	path := filepath.Join(dir, jobID+"_"+res.Filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if err := res.Table.WriteCSV(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}
