package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ExportWorkflowResult summarizes a finished export workflow run.
type ExportWorkflowResult struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	Rows         int     `json:"rows"`
	ArtifactPath *string `json:"artifact_path,omitempty"`
	Error        *string `json:"error,omitempty"`
}

// ExportWorkflow is the Temporal workflow that drives one asynchronous
// export job.
//
// The workflow performs these steps:
// 1. Transition the job record to running (MarkJobRunning activity)
// 2. Run the export pipeline and write the CSV artifact (RunExport activity)
// 3. Persist the terminal state and publish the terminal event (RecordResult activity)
//
// RunExport heartbeats after each fetched page; a stalled upstream is
// detected by the heartbeat timeout rather than the much longer
// start-to-close timeout.
func ExportWorkflow(ctx workflow.Context, input ExportJobInput) (*ExportWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ExportWorkflow started", "job_id", input.JobID, "wallet", input.Wallet)

	result := &ExportWorkflowResult{
		JobID:  input.JobID,
		Status: "failed",
	}

	shortOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}

	err := workflow.ExecuteActivity(
		workflow.WithActivityOptions(ctx, shortOptions),
		a.MarkJobRunning,
		MarkJobRunningInput{JobID: input.JobID},
	).Get(ctx, nil)
	if err != nil {
		errMsg := fmt.Sprintf("failed to mark job running: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to mark job running: %w", err)
	}

	// The pipeline already retries transient upstream failures
	// internally and returns partial results instead of erroring, so
	// the activity itself runs with a single attempt.
	runOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}

	var runResult *RunExportResult
	err = workflow.ExecuteActivity(
		workflow.WithActivityOptions(ctx, runOptions),
		a.RunExport,
		input,
	).Get(ctx, &runResult)
	if err != nil {
		logger.Error("export run failed", "job_id", input.JobID, "error", err)

		// Best-effort terminal record so the job does not stay
		// running forever.
		kind := "internal"
		recordErr := workflow.ExecuteActivity(
			workflow.WithActivityOptions(ctx, shortOptions),
			a.RecordResult,
			RecordResultInput{JobID: input.JobID, Result: RunExportResult{ErrorKind: &kind}},
		).Get(ctx, nil)
		if recordErr != nil {
			logger.Error("failed to record failed run", "job_id", input.JobID, "error", recordErr)
		}

		errMsg := fmt.Sprintf("export run failed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("export run failed: %w", err)
	}

	logger.Info("export run finished",
		"job_id", input.JobID,
		"pages", runResult.Pages,
		"rows", runResult.Rows,
		"error_kind", runResult.ErrorKind,
	)

	err = workflow.ExecuteActivity(
		workflow.WithActivityOptions(ctx, shortOptions),
		a.RecordResult,
		RecordResultInput{JobID: input.JobID, Result: *runResult},
	).Get(ctx, nil)
	if err != nil {
		errMsg := fmt.Sprintf("failed to record result: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to record result: %w", err)
	}

	result.Rows = runResult.Rows
	result.ArtifactPath = runResult.ArtifactPath
	if runResult.ErrorKind != nil {
		result.Error = runResult.ErrorKind
	} else {
		result.Status = "completed"
	}

	logger.Info("ExportWorkflow completed",
		"job_id", input.JobID,
		"status", result.Status,
		"rows", result.Rows,
	)

	return result, nil
}
