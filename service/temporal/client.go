package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/solmarket/service/market"
	"go.temporal.io/sdk/client"
)

// Client dispatches settlement payouts to the payout workflow.
// It implements market.PayoutDispatcher.
type Client struct {
	client      client.Client
	taskQueue   string
	maxAttempts int32
	logger      *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, maxAttempts int, logger *slog.Logger) (*Client, error) {
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

	return NewClientFromSDK(c, taskQueue, maxAttempts, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, taskQueue string, maxAttempts int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:      c,
		taskQueue:   taskQueue,
		maxAttempts: int32(maxAttempts),
		logger:      logger,
	}
}

// Dispatch starts the payout workflow for a prediction and waits for it to
// finish. Per-winner failures are in the returned results.
func (c *Client) Dispatch(ctx context.Context, predictionID int64, instructions []market.PayoutInstruction) ([]market.PayoutResult, error) {
	id := PayoutWorkflowID(predictionID)

	c.logger.DebugContext(ctx, "starting payout workflow",
		"workflow_id", id,
		"instructions", len(instructions),
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, PayoutWorkflow, PayoutWorkflowInput{
		PredictionID: predictionID,
		Instructions: instructions,
		MaxAttempts:  c.maxAttempts,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start payout workflow",
			"workflow_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	var result PayoutWorkflowResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("payout workflow %q failed: %w", id, err)
	}

	c.logger.InfoContext(ctx, "payout workflow completed",
		"workflow_id", id,
		"run_id", run.GetRunID(),
		"sent", result.Sent,
		"failed", result.Failed,
	)
	return result.Results, nil
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

// PayoutWorkflowID is the workflow ID used for a market's payouts.
func PayoutWorkflowID(predictionID int64) string {
	return fmt.Sprintf("payout-prediction-%d", predictionID)
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
