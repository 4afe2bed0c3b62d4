package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func stringPtr(s string) *string {
	return &s
}

func newWorkflowTestEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ExportWorkflow)
	env.RegisterActivity(a.MarkJobRunning)
	env.RegisterActivity(a.RunExport)
	env.RegisterActivity(a.RecordResult)
	return env
}

func TestExportWorkflow(t *testing.T) {
	input := testInput()

	t.Run("successful export", func(t *testing.T) {
		env := newWorkflowTestEnv(t)

		runResult := &RunExportResult{
			Pages:        3,
			RawRecords:   240,
			Rows:         57,
			ArtifactPath: stringPtr("/tmp/exports/job-1_out.csv"),
		}

		env.OnActivity(a.MarkJobRunning, mock.Anything, MarkJobRunningInput{JobID: "job-1"}).Return(nil).Once()
		env.OnActivity(a.RunExport, mock.Anything, input).Return(runResult, nil).Once()
		env.OnActivity(a.RecordResult, mock.Anything, RecordResultInput{JobID: "job-1", Result: *runResult}).Return(nil).Once()

		env.ExecuteWorkflow(ExportWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result *ExportWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "completed", result.Status)
		assert.Equal(t, 57, result.Rows)
		require.NotNil(t, result.ArtifactPath)
		assert.Equal(t, "/tmp/exports/job-1_out.csv", *result.ArtifactPath)
		assert.Nil(t, result.Error)

		env.AssertExpectations(t)
	})

	t.Run("partial run completes workflow with failed status", func(t *testing.T) {
		env := newWorkflowTestEnv(t)

		runResult := &RunExportResult{
			Pages:      1,
			RawRecords: 100,
			Rows:       12,
			ErrorKind:  stringPtr("rate_limit_exhausted"),
		}

		env.OnActivity(a.MarkJobRunning, mock.Anything, mock.Anything).Return(nil).Once()
		env.OnActivity(a.RunExport, mock.Anything, mock.Anything).Return(runResult, nil).Once()
		env.OnActivity(a.RecordResult, mock.Anything, RecordResultInput{JobID: "job-1", Result: *runResult}).Return(nil).Once()

		env.ExecuteWorkflow(ExportWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result *ExportWorkflowResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "failed", result.Status)
		assert.Equal(t, 12, result.Rows)
		require.NotNil(t, result.Error)
		assert.Equal(t, "rate_limit_exhausted", *result.Error)

		env.AssertExpectations(t)
	})

	t.Run("mark running failure fails the workflow", func(t *testing.T) {
		env := newWorkflowTestEnv(t)

		env.OnActivity(a.MarkJobRunning, mock.Anything, mock.Anything).Return(errors.New("db down"))

		env.ExecuteWorkflow(ExportWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
	})

	t.Run("run failure records internal error kind", func(t *testing.T) {
		env := newWorkflowTestEnv(t)

		env.OnActivity(a.MarkJobRunning, mock.Anything, mock.Anything).Return(nil).Once()
		env.OnActivity(a.RunExport, mock.Anything, mock.Anything).Return(nil, errors.New("disk full")).Once()
		env.OnActivity(a.RecordResult, mock.Anything, mock.MatchedBy(func(in RecordResultInput) bool {
			return in.JobID == "job-1" && in.Result.ErrorKind != nil && *in.Result.ErrorKind == "internal"
		})).Return(nil).Once()

		env.ExecuteWorkflow(ExportWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())

		env.AssertExpectations(t)
	})

	t.Run("record result failure fails the workflow", func(t *testing.T) {
		env := newWorkflowTestEnv(t)

		runResult := &RunExportResult{Rows: 5}

		env.OnActivity(a.MarkJobRunning, mock.Anything, mock.Anything).Return(nil).Once()
		env.OnActivity(a.RunExport, mock.Anything, mock.Anything).Return(runResult, nil).Once()
		env.OnActivity(a.RecordResult, mock.Anything, mock.Anything).Return(errors.New("db down"))

		env.ExecuteWorkflow(ExportWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
	})
}
