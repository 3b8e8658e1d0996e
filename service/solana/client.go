package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/token"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrLedgerUnavailable wraps network and RPC failures. Callers may retry
	// reads. A submission that fails this way may still have landed.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrUnsupportedTokenOperation is returned when asked to move a non-native token.
	ErrUnsupportedTokenOperation = errors.New("unsupported token operation")
	// ErrSubmissionRejected is returned when a signed transaction cannot be
	// decoded, fails local signature checks, or is refused by the ledger.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrNotFound is returned for transactions that are not confirmed yet.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidAddress is returned for strings that are not base58 public keys.
	ErrInvalidAddress = errors.New("invalid address")
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (uint64, error)

	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error)

	IsBlockhashValid(ctx context.Context, hash solana.Hash, commitment rpc.CommitmentType) (bool, error)

	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetRecentPerformanceSamples(ctx context.Context, limit uint) ([]*rpc.GetRecentPerformanceSamplesResult, error)
}

// Client is the ledger gateway: the single seam between the market and the
// Solana cluster. It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a new Solana client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpcClient,
		logger:  logger.With("component", "ledger"),
		metrics: m,
	}
}

// ParseAddress decodes a base58 public key.
func ParseAddress(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}
	return pk, nil
}

// GetBalance returns the native balance of address in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	lamports, err := c.rpc.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	c.observe("GetBalance", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to get balance", "address", address, "error", err)
		return 0, fmt.Errorf("%w: get balance: %v", ErrLedgerUnavailable, err)
	}
	return lamports, nil
}

// LatestAnchor returns the most recent blockhash, required to build a
// transaction the cluster will accept.
func (c *Client) LatestAnchor(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	hash, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	c.observe("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: latest blockhash: %v", ErrLedgerUnavailable, err)
	}
	return hash, nil
}

// AnchorValid reports whether a transaction built on anchor can still land.
// Once it returns false at confirmed commitment, a transaction on that anchor
// that is not confirmed yet never will be.
func (c *Client) AnchorValid(ctx context.Context, anchor string) (bool, error) {
	hash, err := solana.HashFromBase58(anchor)
	if err != nil {
		return false, fmt.Errorf("invalid anchor %q: %w", anchor, err)
	}

	start := time.Now()
	valid, err := c.rpc.IsBlockhashValid(ctx, hash, rpc.CommitmentConfirmed)
	c.observe("IsBlockhashValid", start, err)
	if err != nil {
		return false, fmt.Errorf("%w: blockhash validity: %v", ErrLedgerUnavailable, err)
	}
	return valid, nil
}

// BuildTransfer constructs an unsigned transfer of amount smallest units from
// from to to, paid by from. Only native SOL is supported; SPL transfers would
// need associated token accounts to exist on both sides.
func (c *Client) BuildTransfer(ctx context.Context, from, to string, amount uint64, tok token.Token) (*UnsignedTransfer, error) {
	if !tok.Native() {
		return nil, fmt.Errorf("%w: %s transfers are not supported", ErrUnsupportedTokenOperation, tok.Symbol)
	}
	fromKey, err := ParseAddress(from)
	if err != nil {
		return nil, err
	}
	toKey, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}

	anchor, err := c.LatestAnchor(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(amount, fromKey, toKey).Build()},
		anchor,
		solana.TransactionPayer(fromKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}

	blob, err := EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "built transfer",
		"from", from,
		"to", to,
		"lamports", amount,
		"anchor", anchor.String(),
	)

	return &UnsignedTransfer{
		Blob:   blob,
		Anchor: anchor,
		From:   from,
		To:     to,
		Amount: amount,
	}, nil
}

// Submit decodes a signed transaction blob, checks its signatures locally and
// relays it to the cluster. The returned signature identifies the transaction.
//
// A JSON-RPC error from the node is ErrSubmissionRejected. Any other send
// failure is ErrLedgerUnavailable and still returns the signature, because
// the node may have accepted the transaction before the error.
func (c *Client) Submit(ctx context.Context, signedBlob string) (string, error) {
	tx, err := DecodeTransaction(signedBlob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	if err := tx.VerifySignatures(); err != nil {
		return "", fmt.Errorf("%w: bad signatures: %v", ErrSubmissionRejected, err)
	}

	start := time.Now()
	sig, err := c.rpc.SendTransaction(ctx, tx)
	c.observe("SendTransaction", start, err)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			c.logger.WarnContext(ctx, "transaction rejected", "code", rpcErr.Code, "message", rpcErr.Message)
			return "", fmt.Errorf("%w: %s", ErrSubmissionRejected, rpcErr.Message)
		}
		pending := tx.Signatures[0].String()
		c.logger.WarnContext(ctx, "transaction send failed, outcome unknown", "signature", pending, "error", err)
		return pending, fmt.Errorf("%w: send transaction: %v", ErrLedgerUnavailable, err)
	}

	c.logger.InfoContext(ctx, "submitted transaction", "signature", sig.String())
	return sig.String(), nil
}

// GetTransaction fetches and parses a confirmed transaction. A transaction the
// cluster has not confirmed yet yields ErrNotFound.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, opts)
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		c.observe("GetTransaction", start, nil)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, signature)
	}
	c.observe("GetTransaction", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: get transaction: %v", ErrLedgerUnavailable, err)
	}

	txn, err := parseTransactionResult(signature, result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction %s: %w", signature, err)
	}
	return txn, nil
}

// CurrentTPS returns the cluster's transactions per second over the most
// recent performance sample.
func (c *Client) CurrentTPS(ctx context.Context) (float64, error) {
	start := time.Now()
	samples, err := c.rpc.GetRecentPerformanceSamples(ctx, 1)
	c.observe("GetRecentPerformanceSamples", start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: performance samples: %v", ErrLedgerUnavailable, err)
	}
	if len(samples) == 0 || samples[0] == nil || samples[0].SamplePeriodSecs == 0 {
		return 0, fmt.Errorf("%w: no performance samples", ErrLedgerUnavailable)
	}
	s := samples[0]
	return float64(s.NumTransactions) / float64(s.SamplePeriodSecs), nil
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
}

// EncodeTransaction renders a transaction in its base64 wire form.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 wire-form transaction.
func DecodeTransaction(blob string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("transaction is not base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// SignatureOf returns the signature that identifies a signed blob on chain.
func SignatureOf(signedBlob string) (string, error) {
	tx, err := DecodeTransaction(signedBlob)
	if err != nil {
		return "", err
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return "", errors.New("transaction is not signed")
	}
	return tx.Signatures[0].String(), nil
}

// SignTransaction signs every signature slot that key can fill and returns
// the signed blob.
func SignTransaction(blob string, key solana.PrivateKey) (string, error) {
	tx, err := DecodeTransaction(blob)
	if err != nil {
		return "", err
	}
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return EncodeTransaction(tx)
}
