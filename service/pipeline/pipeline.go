// Package pipeline moves value on chain on behalf of the market. Wagers are
// prepared here, signed out of band by the payer and verified before they
// count. Payouts are signed with the service's operating key.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/token"
	solanago "github.com/gagliardetto/solana-go"
)

var (
	// ErrPlacementExpired is returned when the payer does not return a signed
	// transaction before the signing deadline.
	ErrPlacementExpired = errors.New("placement expired waiting for signature")
	// ErrVerificationFailed is wrapped by *VerificationError.
	ErrVerificationFailed = errors.New("transaction verification failed")
	// ErrPayoutDropped means a payout's anchor expired and the transfer never
	// landed. Nothing was paid; a new transfer may be built.
	ErrPayoutDropped = errors.New("payout expired without landing")
	// ErrPayoutUnconfirmed means a payout was signed and sent but its outcome
	// is still unknown. It must be resumed from the journal, not rebuilt.
	ErrPayoutUnconfirmed = errors.New("payout outcome unknown")
)

// VerificationError reports a submitted transaction that did not pay what was
// expected. Signature is kept for manual audit.
type VerificationError struct {
	Signature string
	Reason    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v: %s (signature %s)", ErrVerificationFailed, e.Reason, e.Signature)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// Ledger is the subset of the ledger gateway the pipeline drives.
type Ledger interface {
	BuildTransfer(ctx context.Context, from, to string, amount uint64, tok token.Token) (*solana.UnsignedTransfer, error)
	Submit(ctx context.Context, signedBlob string) (string, error)
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
	AnchorValid(ctx context.Context, anchor string) (bool, error)
}

// Config tunes confirmation polling and payout retries.
type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// PayoutTimeout bounds one delivery of a signed payout. It should outlast
	// an anchor's lifetime so a dropped transfer is detected in one call.
	PayoutTimeout     time.Duration
	PayoutMaxAttempts int
	PayoutBackoff     time.Duration
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:    60 * time.Second,
		PollInterval:      2 * time.Second,
		PayoutTimeout:     3 * time.Minute,
		PayoutMaxAttempts: 3,
		PayoutBackoff:     time.Second,
	}
}

// SignRequest is an unsigned transfer waiting for the payer's signature.
type SignRequest struct {
	SessionID   string
	UserID      int64
	Payer       string
	Recipient   string
	Amount      uint64
	Token       token.Token
	Blob        string
	Anchor      string
	Description string
}

// Expectation is what a signed wager transaction must do to be accepted.
type Expectation struct {
	Payer     string // optional
	Recipient string
	Amount    uint64
}

// SignedPayout is a payout transfer signed by the service wallet. Its
// signature is fixed before it is first sent, so it can be looked up and
// resent without paying twice.
type SignedPayout struct {
	Signature string `json:"signature"`
	Blob      string `json:"blob"`
	Anchor    string `json:"anchor"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Token     string `json:"token"`
}

// PayoutJournal holds the signed transfer for one payout across retries and
// restarts. Record is called before the transfer is first sent.
type PayoutJournal interface {
	// Pending returns the journaled transfer, or nil when there is none.
	Pending(ctx context.Context) (*SignedPayout, error)
	Record(ctx context.Context, sp *SignedPayout) error
}

// Receipt describes a verified, confirmed transaction.
type Receipt struct {
	Signature   string
	Slot        uint64
	ConfirmedAt time.Time
}

// Pipeline coordinates wager transfers and payouts.
type Pipeline struct {
	ledger   Ledger
	operator solanago.PrivateKey
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// payoutMu serializes use of the operating key.
	payoutMu sync.Mutex
}

// New creates a Pipeline. operator is the service wallet's key, used only for payouts.
func New(ledger Ledger, operator solanago.PrivateKey, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = DefaultConfig().PayoutTimeout
	}
	if cfg.PayoutMaxAttempts < 1 {
		cfg.PayoutMaxAttempts = 1
	}
	return &Pipeline{
		ledger:   ledger,
		operator: operator,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "pipeline"),
	}
}

// ServiceWallet is the address payouts are sent from.
func (p *Pipeline) ServiceWallet() string {
	return p.operator.PublicKey().String()
}

// Prepare builds the unsigned transfer the payer must sign.
func (p *Pipeline) Prepare(ctx context.Context, payer, recipient string, amount uint64, tok token.Token) (*SignRequest, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", token.ErrInvalidAmount)
	}
	unsigned, err := p.ledger.BuildTransfer(ctx, payer, recipient, amount, tok)
	if err != nil {
		return nil, err
	}
	return &SignRequest{
		Payer:     payer,
		Recipient: recipient,
		Amount:    amount,
		Token:     tok,
		Blob:      unsigned.Blob,
		Anchor:    unsigned.Anchor.String(),
	}, nil
}

// Execute submits a signed transaction, waits for confirmation and checks it
// pays exactly what exp describes. Any mismatch, on-chain failure or missing
// confirmation is a *VerificationError carrying the signature.
func (p *Pipeline) Execute(ctx context.Context, signedBlob string, exp Expectation) (*Receipt, error) {
	sig, err := p.ledger.Submit(ctx, signedBlob)
	if err != nil {
		if sig == "" || !errors.Is(err, solana.ErrLedgerUnavailable) {
			return nil, err
		}
		// The node may have taken it anyway.
		p.logger.WarnContext(ctx, "submission outcome unknown, awaiting confirmation", "signature", sig, "error", err)
	}

	txn, err := p.awaitConfirmation(ctx, sig)
	if err != nil {
		return nil, err
	}

	if err := verify(txn, exp); err != nil {
		p.logger.WarnContext(ctx, "transaction failed verification",
			"signature", sig,
			"recipient", exp.Recipient,
			"amount", exp.Amount,
			"error", err,
		)
		return nil, err
	}

	return &Receipt{Signature: sig, Slot: txn.Slot, ConfirmedAt: txn.BlockTime}, nil
}

func (p *Pipeline) awaitConfirmation(ctx context.Context, sig string) (*solana.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		txn, err := p.ledger.GetTransaction(ctx, sig)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, solana.ErrNotFound) && !errors.Is(err, solana.ErrLedgerUnavailable) {
			return nil, &VerificationError{Signature: sig, Reason: err.Error()}
		}
		p.logger.DebugContext(ctx, "waiting for confirmation", "signature", sig, "error", err)

		select {
		case <-ctx.Done():
			return nil, &VerificationError{Signature: sig, Reason: "not confirmed before timeout"}
		case <-ticker.C:
		}
	}
}

// verify requires a successful transaction whose only native transfer moves
// exactly exp.Amount to exp.Recipient.
func verify(txn *solana.Transaction, exp Expectation) error {
	fail := func(format string, args ...any) error {
		return &VerificationError{Signature: txn.Signature, Reason: fmt.Sprintf(format, args...)}
	}

	if txn.Err != nil {
		return fail("failed on chain: %s", *txn.Err)
	}
	transfers := txn.NativeTransfers()
	if len(transfers) != 1 {
		return fail("expected exactly one native transfer, found %d", len(transfers))
	}
	tr := transfers[0]
	if tr.Destination != exp.Recipient {
		return fail("destination %s is not %s", tr.Destination, exp.Recipient)
	}
	if tr.Amount != exp.Amount {
		return fail("amount %d is not %d", tr.Amount, exp.Amount)
	}
	if exp.Payer != "" && tr.Source != exp.Payer {
		return fail("source %s is not %s", tr.Source, exp.Payer)
	}
	return nil
}

// Payout sends amount from the service wallet to recipient and returns the
// signature once the transfer is confirmed and verified.
//
// A transfer is signed once and journaled before it is sent. Delivery resends
// that same transfer until it confirms; a new one is built only after the old
// anchor has expired without the old transfer landing. A journaled transfer
// left by an earlier call is resumed instead of signing a new one. journal
// may be nil when nothing needs to survive the call.
func (p *Pipeline) Payout(ctx context.Context, recipient string, amount uint64, tok token.Token, journal PayoutJournal) (string, error) {
	p.payoutMu.Lock()
	defer p.payoutMu.Unlock()

	exp := Expectation{Payer: p.ServiceWallet(), Recipient: recipient, Amount: amount}

	var pending *SignedPayout
	if journal != nil {
		sp, err := journal.Pending(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to read payout journal: %w", err)
		}
		if sp != nil {
			p.logger.InfoContext(ctx, "resuming journaled payout", "recipient", recipient, "signature", sp.Signature)
			pending = sp
		}
	}

	var lastErr error
	attempts := 0
	for {
		if pending == nil {
			if attempts == p.cfg.PayoutMaxAttempts {
				return "", lastErr
			}
			attempts++

			sp, err := p.signPayout(ctx, recipient, amount, tok)
			if err != nil {
				if !errors.Is(err, solana.ErrLedgerUnavailable) {
					return "", err
				}
				lastErr = err
				if err := p.backoff(ctx, recipient, attempts, err); err != nil {
					return "", err
				}
				continue
			}
			if journal != nil {
				if err := journal.Record(ctx, sp); err != nil {
					return "", fmt.Errorf("failed to journal payout: %w", err)
				}
			}
			pending = sp
		}

		sig, err := p.deliver(ctx, pending, exp)
		if err == nil {
			p.logger.InfoContext(ctx, "payout confirmed",
				"recipient", recipient,
				"amount", amount,
				"token", tok.Symbol,
				"signature", sig,
				"attempt", attempts,
			)
			return sig, nil
		}
		if !errors.Is(err, ErrPayoutDropped) {
			return "", err
		}
		lastErr = err
		pending = nil
		if err := p.backoff(ctx, recipient, attempts, err); err != nil {
			return "", err
		}
	}
}

func (p *Pipeline) signPayout(ctx context.Context, recipient string, amount uint64, tok token.Token) (*SignedPayout, error) {
	unsigned, err := p.ledger.BuildTransfer(ctx, p.ServiceWallet(), recipient, amount, tok)
	if err != nil {
		return nil, err
	}
	signed, err := solana.SignTransaction(unsigned.Blob, p.operator)
	if err != nil {
		return nil, err
	}
	sig, err := solana.SignatureOf(signed)
	if err != nil {
		return nil, err
	}
	return &SignedPayout{
		Signature: sig,
		Blob:      signed,
		Anchor:    unsigned.Anchor.String(),
		Recipient: recipient,
		Amount:    amount,
		Token:     tok.Symbol,
	}, nil
}

// deliver resends sp until it is confirmed, its anchor expires without it
// landing (ErrPayoutDropped), or PayoutTimeout passes (ErrPayoutUnconfirmed).
// Send errors are ignored; only the ledger's view of the signature counts.
func (p *Pipeline) deliver(ctx context.Context, sp *SignedPayout, exp Expectation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PayoutTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.ledger.Submit(ctx, sp.Blob); err != nil {
			p.logger.DebugContext(ctx, "payout send failed, checking ledger", "signature", sp.Signature, "error", err)
		}

		txn, err := p.lookupPayout(ctx, sp)
		switch {
		case err == nil:
			if err := verify(txn, exp); err != nil {
				p.logger.ErrorContext(ctx, "payout landed but failed verification", "signature", sp.Signature, "error", err)
				return "", err
			}
			return sp.Signature, nil
		case errors.Is(err, ErrPayoutDropped):
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: signature %s: %v", ErrPayoutUnconfirmed, sp.Signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// lookupPayout returns sp's confirmed transaction. ErrPayoutDropped is
// returned only when the anchor has expired and the signature is still
// unknown after that check.
func (p *Pipeline) lookupPayout(ctx context.Context, sp *SignedPayout) (*solana.Transaction, error) {
	txn, err := p.ledger.GetTransaction(ctx, sp.Signature)
	if err == nil || !errors.Is(err, solana.ErrNotFound) {
		return txn, err
	}

	valid, err := p.ledger.AnchorValid(ctx, sp.Anchor)
	if err != nil {
		return nil, err
	}
	if valid {
		return nil, solana.ErrNotFound
	}

	// It may have landed just before the anchor expired.
	txn, err = p.ledger.GetTransaction(ctx, sp.Signature)
	if errors.Is(err, solana.ErrNotFound) {
		return nil, fmt.Errorf("%w: signature %s", ErrPayoutDropped, sp.Signature)
	}
	return txn, err
}

func (p *Pipeline) backoff(ctx context.Context, recipient string, attempt int, cause error) error {
	wait := p.cfg.PayoutBackoff * time.Duration(attempt)
	p.logger.WarnContext(ctx, "payout attempt failed, retrying",
		"recipient", recipient,
		"attempt", attempt,
		"backoff", wait,
		"error", cause,
	)
	if p.metrics != nil {
		p.metrics.RecordRPCRetry("Payout", retryReason(cause))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func retryReason(err error) string {
	if errors.Is(err, ErrPayoutDropped) {
		return "dropped"
	}
	return "unavailable"
}
