package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/token"
)

// ErrPayoutUnrecorded means the transfer was confirmed but the payout row
// could not be written. Sending again resumes the journaled transfer and
// records it.
var ErrPayoutUnrecorded = errors.New("payout sent but not recorded")

// PayoutInstruction is one transfer owed to a winner.
type PayoutInstruction struct {
	PredictionID int64  `json:"prediction_id"`
	WagerID      int64  `json:"wager_id"`
	UserID       int64  `json:"user_id"`
	Wallet       string `json:"wallet"`
	Token        string `json:"token"`
	Amount       uint64 `json:"amount"`
}

// PayoutResult is the outcome of one instruction. Exactly one of Payout and
// Error is set.
type PayoutResult struct {
	Instruction PayoutInstruction `json:"instruction"`
	Payout      *db.Payout        `json:"payout,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// PayoutDispatcher delivers a settlement's payouts. One instruction failing
// never stops the others. An error return means the dispatch itself could
// not run; per-instruction failures are reported in the results.
type PayoutDispatcher interface {
	Dispatch(ctx context.Context, predictionID int64, instructions []PayoutInstruction) ([]PayoutResult, error)
}

// Payer sends value from the service wallet, resuming the transfer held in
// journal when there is one.
type Payer interface {
	Payout(ctx context.Context, recipient string, amount uint64, tok token.Token, journal pipeline.PayoutJournal) (string, error)
}

// PayoutRecorder persists payouts and the signed transfers behind them.
type PayoutRecorder interface {
	CreatePayout(ctx context.Context, params db.CreatePayoutParams) (*db.Payout, error)
	ListPayouts(ctx context.Context, predictionID int64) ([]*db.Payout, error)
	SavePayoutAttempt(ctx context.Context, attempt db.PayoutAttempt) error
	GetPayoutAttempt(ctx context.Context, wagerID int64) (*db.PayoutAttempt, error)
}

// wagerJournal journals the payout transfer of one wager.
type wagerJournal struct {
	recorder PayoutRecorder
	instr    PayoutInstruction
}

func (j wagerJournal) Pending(ctx context.Context) (*pipeline.SignedPayout, error) {
	a, err := j.recorder.GetPayoutAttempt(ctx, j.instr.WagerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.SignedPayout{
		Signature: a.Signature,
		Blob:      a.Blob,
		Anchor:    a.Anchor,
		Recipient: j.instr.Wallet,
		Amount:    j.instr.Amount,
		Token:     j.instr.Token,
	}, nil
}

func (j wagerJournal) Record(ctx context.Context, sp *pipeline.SignedPayout) error {
	return j.recorder.SavePayoutAttempt(ctx, db.PayoutAttempt{
		WagerID:      j.instr.WagerID,
		PredictionID: j.instr.PredictionID,
		Signature:    sp.Signature,
		Blob:         sp.Blob,
		Anchor:       sp.Anchor,
	})
}

// PayoutSender pays a single instruction and records it. It is shared by the
// in-process dispatcher and the payout workflow's activity.
type PayoutSender struct {
	payer    Payer
	recorder PayoutRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPayoutSender creates a PayoutSender.
func NewPayoutSender(payer Payer, recorder PayoutRecorder, m *metrics.Metrics, logger *slog.Logger) *PayoutSender {
	return &PayoutSender{
		payer:    payer,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With("component", "payout_sender"),
	}
}

// Send pays instr unless a payout for the same wager already exists, in which
// case the existing row is returned. A transfer journaled by an earlier,
// interrupted Send is confirmed and recorded instead of paying again.
func (s *PayoutSender) Send(ctx context.Context, instr PayoutInstruction) (*db.Payout, error) {
	existing, err := s.recorder.ListPayouts(ctx, instr.PredictionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing payouts: %w", err)
	}
	for _, p := range existing {
		if p.WagerID == instr.WagerID {
			s.logger.InfoContext(ctx, "payout already recorded", "wager_id", instr.WagerID, "tx_id", p.TxID)
			return p, nil
		}
	}

	tok, err := token.Lookup(instr.Token)
	if err != nil {
		s.record(instr.Token, "error")
		return nil, err
	}

	sig, err := s.payer.Payout(ctx, instr.Wallet, instr.Amount, tok, wagerJournal{recorder: s.recorder, instr: instr})
	if err != nil {
		status := "failed"
		if errors.Is(err, pipeline.ErrPayoutUnconfirmed) {
			status = "unconfirmed"
		}
		s.record(tok.Symbol, status)
		return nil, err
	}

	payout, err := s.recorder.CreatePayout(ctx, db.CreatePayoutParams{
		UserID:       instr.UserID,
		PredictionID: instr.PredictionID,
		WagerID:      instr.WagerID,
		Token:        tok.Symbol,
		Amount:       instr.Amount,
		TxID:         sig,
	})
	if err != nil {
		s.record(tok.Symbol, "unrecorded")
		s.logger.ErrorContext(ctx, "payout sent but not recorded",
			"prediction_id", instr.PredictionID,
			"wager_id", instr.WagerID,
			"tx_id", sig,
			"error", err,
		)
		return nil, fmt.Errorf("%w: tx %s: %v", ErrPayoutUnrecorded, sig, err)
	}

	s.record(tok.Symbol, "sent")
	return payout, nil
}

func (s *PayoutSender) record(tok, status string) {
	if s.metrics != nil {
		s.metrics.RecordPayout(tok, status)
	}
}

// LocalDispatcher runs payouts in the calling process, one after another.
type LocalDispatcher struct {
	sender *PayoutSender
}

// NewLocalDispatcher creates a LocalDispatcher.
func NewLocalDispatcher(sender *PayoutSender) *LocalDispatcher {
	return &LocalDispatcher{sender: sender}
}

// Dispatch implements PayoutDispatcher.
func (d *LocalDispatcher) Dispatch(ctx context.Context, _ int64, instructions []PayoutInstruction) ([]PayoutResult, error) {
	results := make([]PayoutResult, 0, len(instructions))
	for _, instr := range instructions {
		res := PayoutResult{Instruction: instr}
		payout, err := d.sender.Send(ctx, instr)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Payout = payout
		}
		results = append(results, res)
	}
	return results, nil
}
