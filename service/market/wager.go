package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/token"
)

// WagerRequest asks to stake Amount (natural units of Token) on Option.
// SessionID optionally names a sign session opened ahead of time.
type WagerRequest struct {
	User         int64
	PredictionID int64
	Token        string
	Amount       float64
	Option       int
	SessionID    string
}

// PlaceWager validates the request, has the user sign a transfer of the stake
// to the creator's snapshotted wallet, verifies the confirmed transaction and
// records the wager. No row is written unless verification succeeds.
func (e *Engine) PlaceWager(ctx context.Context, req WagerRequest) (wager *db.Wager, err error) {
	sessionID := req.SessionID
	tokenLabel := "unknown"
	defer func() {
		e.recordWager(tokenLabel, err)
		if e.requester == nil || sessionID == "" {
			return
		}
		var sig string
		if wager != nil {
			sig = wager.TxID
		}
		e.requester.Finish(sessionID, sig, err)
	}()

	adm, err := e.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	tokenLabel = adm.tok.Symbol
	tok, amount, p, wallet := adm.tok, adm.amount, adm.prediction, adm.wallet

	signReq, err := e.payments.Prepare(ctx, wallet, p.CreatorWallet, amount, tok)
	if err != nil {
		return nil, err
	}
	signReq.SessionID = req.SessionID
	signReq.UserID = req.User
	signReq.Description = fmt.Sprintf("Wager %s on option %d (%s) of prediction #%d: %s",
		tok.Format(amount), req.Option, p.Options[req.Option-1], p.ID, p.Title)

	signCtx, cancel := context.WithTimeout(ctx, e.cfg.SignTimeout)
	signed, err := e.requester.RequestSignature(signCtx, signReq)
	cancel()
	sessionID = signReq.SessionID
	if err != nil {
		return nil, err
	}

	receipt, err := e.payments.Execute(ctx, signed, pipeline.Expectation{
		Payer:     wallet,
		Recipient: p.CreatorWallet,
		Amount:    amount,
	})
	if err != nil {
		return nil, err
	}

	// The stake has moved; record it even if the market closed meanwhile.
	closedMeanwhile := false
	if current, err := e.store.GetPrediction(ctx, p.ID); err == nil && current.Status != db.StatusOpen {
		closedMeanwhile = true
	}

	wager, err = e.store.CreateWager(ctx, db.CreateWagerParams{
		UserID:       req.User,
		PredictionID: p.ID,
		Token:        tok.Symbol,
		Amount:       amount,
		Option:       req.Option,
		Wallet:       wallet,
		TxID:         receipt.Signature,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "verified wager could not be recorded",
			"prediction_id", p.ID,
			"user_id", req.User,
			"tx_id", receipt.Signature,
			"error", err,
		)
		return nil, fmt.Errorf("failed to record wager: %w", err)
	}

	if closedMeanwhile {
		e.lateWager(ctx, p, wager, tok)
	}

	e.logger.InfoContext(ctx, "wager placed",
		"prediction_id", p.ID,
		"user_id", req.User,
		"token", tok.Symbol,
		"amount", amount,
		"option", req.Option,
		"tx_id", wager.TxID,
	)
	return wager, nil
}

// lateWager reports a wager confirmed after its market settled. Settlement has
// already paid out, so the stake can only be refunded by hand.
func (e *Engine) lateWager(ctx context.Context, p *db.Prediction, w *db.Wager, tok token.Token) {
	e.logger.ErrorContext(ctx, "wager confirmed after market closed, refund required",
		"prediction_id", p.ID,
		"wager_id", w.ID,
		"user_id", w.UserID,
		"token", tok.Symbol,
		"amount", w.Amount,
		"tx_id", w.TxID,
	)
	e.notify(ctx, notify.DM(w.UserID), fmt.Sprintf(
		"Your wager of %s on prediction #%d (%s) confirmed after the market closed and was not part of settlement. It will be refunded. Transaction: %s",
		tok.Format(w.Amount), p.ID, p.Title, w.TxID))
	e.notify(ctx, notify.DM(p.CreatorID), fmt.Sprintf(
		"A wager of %s from user %d on prediction #%d (%s) reached your wallet after the market closed. Please refund it. Transaction: %s",
		tok.Format(w.Amount), w.UserID, p.ID, p.Title, w.TxID))
}

// ValidateWager runs the admission checks of PlaceWager without moving funds,
// so callers can reject a bad request before opening a sign session.
func (e *Engine) ValidateWager(ctx context.Context, req WagerRequest) error {
	_, err := e.admit(ctx, req)
	return err
}

type admission struct {
	tok        token.Token
	amount     uint64
	prediction *db.Prediction
	wallet     string
}

func (e *Engine) admit(ctx context.Context, req WagerRequest) (*admission, error) {
	tok, err := token.Lookup(req.Token)
	if err != nil {
		return nil, err
	}
	amount, err := tok.ToSmallest(req.Amount)
	if err != nil {
		return nil, err
	}

	p, err := e.getPrediction(ctx, req.PredictionID)
	if err != nil {
		return nil, err
	}
	if p.Status != db.StatusOpen {
		return nil, fmt.Errorf("%w: #%d", ErrMarketClosed, p.ID)
	}
	wallet, err := e.linkedWallet(ctx, req.User)
	if err != nil {
		return nil, err
	}
	if !p.OptionInRange(req.Option) {
		return nil, fmt.Errorf("%w: %d (market #%d has %d options)", ErrInvalidOption, req.Option, p.ID, len(p.Options))
	}
	return &admission{tok: tok, amount: amount, prediction: p, wallet: wallet}, nil
}

func (e *Engine) recordWager(tok string, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "placed"
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrPlacementExpired):
		outcome = "expired"
	case errors.Is(err, pipeline.ErrVerificationFailed):
		outcome = "verification_failed"
	default:
		outcome = "rejected"
	}
	e.metrics.RecordWager(tok, outcome)
}
