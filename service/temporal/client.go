package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client wraps the Temporal SDK client with export-specific operations.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartExport starts an ExportWorkflow for the given job. The workflow
// id is derived from the job id so a duplicate submission of the same
// job is rejected by Temporal instead of running twice.
func (c *Client) StartExport(ctx context.Context, input ExportJobInput) (string, error) {
	workflowID := exportWorkflowID(input.JobID)

	c.logger.Debug("starting export workflow",
		"job_id", input.JobID,
		"workflow_id", workflowID,
		"wallet", input.Wallet,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, ExportWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start export workflow",
			"job_id", input.JobID,
			"workflow_id", workflowID,
			"error", err,
		)
		return "", fmt.Errorf("failed to start export workflow %q: %w", workflowID, err)
	}

	c.logger.Info("export workflow started",
		"job_id", input.JobID,
		"workflow_id", workflowID,
		"run_id", run.GetRunID(),
	)

	return workflowID, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// exportWorkflowID generates a deterministic workflow id for a job.
func exportWorkflowID(jobID string) string {
	return "export-" + jobID
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
