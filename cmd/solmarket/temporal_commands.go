package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brojonat/solmarket/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// payoutStatus summarizes a market's payout workflow.
type payoutStatus struct {
	WorkflowID string                         `json:"workflow_id"`
	RunID      string                         `json:"run_id"`
	Status     string                         `json:"status"`
	StartedAt  time.Time                      `json:"started_at"`
	ClosedAt   *time.Time                     `json:"closed_at,omitempty"`
	Result     *temporal.PayoutWorkflowResult `json:"result,omitempty"`
}

func describePayoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-payout",
		Usage:     "Show the payout workflow of a settled market",
		Aliases:   []string{"payout"},
		ArgsUsage: "<market-id>",
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			status, err := describePayout(context.Background(), temporalClient, id)
			if err != nil {
				return err
			}

			if wantsJSON(c) {
				return output(c, status)
			}

			fmt.Printf("Workflow ID:  %s\n", status.WorkflowID)
			fmt.Printf("Run ID:       %s\n", status.RunID)
			fmt.Printf("Status:       %s\n", status.Status)
			fmt.Printf("Started:      %s\n", status.StartedAt.Format(time.RFC3339))
			if status.ClosedAt != nil {
				fmt.Printf("Closed:       %s\n", status.ClosedAt.Format(time.RFC3339))
			}
			if r := status.Result; r != nil {
				fmt.Printf("Sent:         %d\n", r.Sent)
				fmt.Printf("Failed:       %d\n", r.Failed)
				for _, res := range r.Results {
					if res.Error != "" {
						fmt.Fprintf(os.Stderr, "  ✗ wager %d: %s\n", res.Instruction.WagerID, res.Error)
					}
				}
			}
			return nil
		},
	}
}

func describePayout(ctx context.Context, c client.Client, predictionID int64) (*payoutStatus, error) {
	workflowID := temporal.PayoutWorkflowID(predictionID)
	desc, err := c.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no payout workflow for market %d", predictionID)
		}
		return nil, fmt.Errorf("failed to describe workflow: %w", err)
	}

	info := desc.GetWorkflowExecutionInfo()
	status := &payoutStatus{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus().String(),
		StartedAt:  info.GetStartTime().AsTime(),
	}
	if ct := info.GetCloseTime(); ct != nil {
		closed := ct.AsTime()
		status.ClosedAt = &closed

		var result temporal.PayoutWorkflowResult
		if err := c.GetWorkflow(ctx, workflowID, status.RunID).Get(ctx, &result); err == nil {
			status.Result = &result
		}
	}
	return status, nil
}

func getTemporalClient(c *cli.Context) (client.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = os.Getenv("TEMPORAL_HOST")
	}
	if host == "" {
		host = "localhost:7233"
	}

	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = os.Getenv("TEMPORAL_NAMESPACE")
	}
	if namespace == "" {
		namespace = "default"
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return temporalClient, nil
}
