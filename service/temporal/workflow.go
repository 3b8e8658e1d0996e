package temporal

import (
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/market"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const defaultPayoutAttempts = 3

// PayoutWorkflow pays every winner of a settled prediction.
//
// Each instruction runs as its own SendPayout activity with its own retry
// policy, so one winner's failure never delays or cancels another's. Failed
// payouts are reported in the result; the workflow itself only fails if its
// input is unusable.
func PayoutWorkflow(ctx workflow.Context, input PayoutWorkflowInput) (*PayoutWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("PayoutWorkflow started",
		"prediction_id", input.PredictionID,
		"instructions", len(input.Instructions),
	)

	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = defaultPayoutAttempts
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// Longer than one delivery of a signed payout, which waits out
		// its anchor.
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        2 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{errTypeRejected, errTypeUnsupported},
		},
	})

	futures := make([]workflow.Future, len(input.Instructions))
	for i, instr := range input.Instructions {
		futures[i] = workflow.ExecuteActivity(ctx, a.SendPayout, instr)
	}

	result := &PayoutWorkflowResult{
		PredictionID: input.PredictionID,
		Results:      make([]market.PayoutResult, len(input.Instructions)),
	}
	for i, f := range futures {
		res := market.PayoutResult{Instruction: input.Instructions[i]}
		var payout *db.Payout
		if err := f.Get(ctx, &payout); err != nil {
			logger.Warn("payout failed",
				"prediction_id", input.PredictionID,
				"wager_id", res.Instruction.WagerID,
				"error", err,
			)
			res.Error = err.Error()
			result.Failed++
		} else {
			res.Payout = payout
			result.Sent++
		}
		result.Results[i] = res
	}

	logger.Info("PayoutWorkflow completed",
		"prediction_id", input.PredictionID,
		"sent", result.Sent,
		"failed", result.Failed,
	)
	return result, nil
}
