package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/market"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/token"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Error types reported by SendPayout that Temporal must not retry.
const (
	errTypeRejected    = "PayoutRejected"
	errTypeUnsupported = "UnsupportedToken"
)

// PayoutWorkflowInput contains the input parameters for a settlement's payouts.
type PayoutWorkflowInput struct {
	PredictionID int64                      `json:"prediction_id"`
	Instructions []market.PayoutInstruction `json:"instructions"`
	MaxAttempts  int32                      `json:"max_attempts"`
}

// PayoutWorkflowResult holds one result per instruction, in input order.
type PayoutWorkflowResult struct {
	PredictionID int64                 `json:"prediction_id"`
	Results      []market.PayoutResult `json:"results"`
	Sent         int                   `json:"sent"`
	Failed       int                   `json:"failed"`
}

// PayoutSender pays a single instruction.
// This allows for easy mocking in tests.
type PayoutSender interface {
	Send(ctx context.Context, instr market.PayoutInstruction) (*db.Payout, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	sender PayoutSender
	logger *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
func NewActivities(sender PayoutSender, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		sender: sender,
		logger: logger,
	}
}

// SendPayout transfers one winner's payout and records it. Sending is
// idempotent per wager: a retried attempt returns the recorded payout, or
// resumes the transfer journaled by the attempt that timed out.
func (a *Activities) SendPayout(ctx context.Context, instr market.PayoutInstruction) (*db.Payout, error) {
	start := time.Now()
	a.logger.DebugContext(ctx, "sending payout",
		"prediction_id", instr.PredictionID,
		"wager_id", instr.WagerID,
		"wallet", instr.Wallet,
		"token", instr.Token,
		"amount", instr.Amount,
	)

	payout, err := a.sender.Send(ctx, instr)
	if err != nil {
		a.logger.ErrorContext(ctx, "payout failed",
			"prediction_id", instr.PredictionID,
			"wager_id", instr.WagerID,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, classify(err)
	}

	a.logger.InfoContext(ctx, "payout sent",
		"prediction_id", instr.PredictionID,
		"wager_id", instr.WagerID,
		"tx_id", payout.TxID,
		"duration", time.Since(start),
	)
	return payout, nil
}

// classify marks errors that a retry cannot fix as non-retryable. A payout
// whose outcome is unknown, or that was sent but not recorded, is retried.
func classify(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrVerificationFailed):
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), errTypeRejected, err)
	case errors.Is(err, token.ErrUnsupportedToken),
		errors.Is(err, solana.ErrUnsupportedTokenOperation),
		errors.Is(err, solana.ErrInvalidAddress):
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), errTypeUnsupported, err)
	default:
		return fmt.Errorf("send payout: %w", err)
	}
}
