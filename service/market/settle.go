package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/token"
)

// PayoutFailure is a winner that was not paid. Settlement still completes;
// the wager row remains the record to reconcile against.
type PayoutFailure struct {
	WagerID int64  `json:"wager_id"`
	UserID  int64  `json:"user_id"`
	Wallet  string `json:"wallet"`
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
	Reason  string `json:"reason"`
}

func (f PayoutFailure) Error() string {
	return fmt.Sprintf("%v: wager %d to %s: %s", ErrPayoutFailed, f.WagerID, f.Wallet, f.Reason)
}

func (f PayoutFailure) Unwrap() error {
	return ErrPayoutFailed
}

// SettlementSummary reports a completed settlement.
type SettlementSummary struct {
	Prediction    *db.Prediction  `json:"prediction"`
	WinningOption int             `json:"winning_option"`
	WinningLabel  string          `json:"winning_label"`
	Policy        string          `json:"policy"`
	Winners       int             `json:"winners"`
	Payouts       []*db.Payout    `json:"payouts"`
	Failures      []PayoutFailure `json:"failures"`
}

// Settle closes a market on winningOption and pays its winners. Only the
// creator may settle, and only once: concurrent calls serialize on a
// per-market lock and the close is a conditional write, so a second caller
// always gets ErrAlreadySettled.
func (e *Engine) Settle(ctx context.Context, caller int64, predictionID int64, winningOption int) (*SettlementSummary, error) {
	unlock, err := e.locker.Lock(ctx, fmt.Sprintf("prediction:%d", predictionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock market #%d: %w", predictionID, err)
	}
	defer unlock()

	summary, err := e.settle(ctx, caller, predictionID, winningOption)
	if e.metrics != nil {
		e.metrics.RecordSettlement(settlementOutcome(err))
	}
	return summary, err
}

func (e *Engine) settle(ctx context.Context, caller int64, predictionID int64, winningOption int) (*SettlementSummary, error) {
	p, err := e.getPrediction(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	if p.CreatorID != caller {
		return nil, ErrNotAuthorized
	}
	if p.Status != db.StatusOpen {
		return nil, fmt.Errorf("%w: #%d", ErrAlreadySettled, p.ID)
	}
	if !p.OptionInRange(winningOption) {
		return nil, fmt.Errorf("%w: %d (market #%d has %d options)", ErrInvalidOption, winningOption, p.ID, len(p.Options))
	}

	closed, err := e.store.ClosePrediction(ctx, p.ID, winningOption)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d", ErrAlreadySettled, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close market: %w", err)
	}

	summary := &SettlementSummary{
		Prediction:    closed,
		WinningOption: winningOption,
		WinningLabel:  closed.Options[winningOption-1],
		Policy:        e.cfg.Policy.Name(),
		Payouts:       []*db.Payout{},
		Failures:      []PayoutFailure{},
	}
	e.logger.InfoContext(ctx, "market closed", "prediction_id", p.ID, "winning_option", winningOption)

	winners, err := e.store.ListWagersByOption(ctx, p.ID, winningOption)
	if err != nil {
		// The close is committed; the wagers remain for a later reconcile.
		e.logger.ErrorContext(ctx, "failed to list winning wagers", "prediction_id", p.ID, "error", err)
		return summary, nil
	}
	summary.Winners = len(winners)
	if len(winners) > 0 {
		e.payWinners(ctx, closed, winners, summary)
	}

	e.notify(ctx, notify.DM(closed.CreatorID), fmt.Sprintf(
		"Prediction #%d settled. Option %d (%s) wins! %d payouts sent, %d failed.",
		closed.ID, winningOption, summary.WinningLabel, len(summary.Payouts), len(summary.Failures),
	))
	return summary, nil
}

func (e *Engine) payWinners(ctx context.Context, p *db.Prediction, winners []*db.Wager, summary *SettlementSummary) {
	all, err := e.store.ListWagers(ctx, p.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to list all wagers, computing payouts from winners only",
			"prediction_id", p.ID, "error", err)
		all = winners
	}

	amounts := e.cfg.Policy.Compute(winners, all)
	var instructions []PayoutInstruction
	for i, w := range winners {
		instr := PayoutInstruction{
			PredictionID: p.ID,
			WagerID:      w.ID,
			UserID:       w.UserID,
			Wallet:       w.Wallet,
			Token:        w.Token,
			Amount:       amounts[i],
		}
		if instr.Amount == 0 {
			e.fail(ctx, summary, instr, "policy computed no payable amount")
			continue
		}
		instructions = append(instructions, instr)
	}
	if len(instructions) == 0 {
		return
	}

	results, err := e.dispatcher.Dispatch(ctx, p.ID, instructions)
	if err != nil {
		for _, instr := range instructions {
			e.fail(ctx, summary, instr, err.Error())
		}
		return
	}

	for _, res := range results {
		if res.Payout == nil {
			e.fail(ctx, summary, res.Instruction, res.Error)
			continue
		}
		summary.Payouts = append(summary.Payouts, res.Payout)
		e.notify(ctx, notify.DM(res.Payout.UserID), fmt.Sprintf(
			"Prediction #%d (%s) settled on option %d (%s). Your payout of %s was sent. Tx: %s",
			p.ID, p.Title, summary.WinningOption, summary.WinningLabel,
			formatAmount(res.Payout.Token, res.Payout.Amount), res.Payout.TxID,
		))
	}
}

func (e *Engine) fail(ctx context.Context, summary *SettlementSummary, instr PayoutInstruction, reason string) {
	f := PayoutFailure{
		WagerID: instr.WagerID,
		UserID:  instr.UserID,
		Wallet:  instr.Wallet,
		Token:   instr.Token,
		Amount:  instr.Amount,
		Reason:  reason,
	}
	summary.Failures = append(summary.Failures, f)
	e.logger.ErrorContext(ctx, "payout failed",
		"prediction_id", instr.PredictionID,
		"wager_id", instr.WagerID,
		"user_id", instr.UserID,
		"wallet", instr.Wallet,
		"amount", instr.Amount,
		"error", f,
	)
}

func formatAmount(symbol string, amount uint64) string {
	tok, err := token.Lookup(symbol)
	if err != nil {
		return fmt.Sprintf("%d %s", amount, symbol)
	}
	return tok.Format(amount)
}

func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrMarketNotFound):
		return "not_found"
	default:
		return "error"
	}
}
