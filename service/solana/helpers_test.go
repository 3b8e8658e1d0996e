package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	balances     map[string]uint64
	blockhash    solana.Hash
	expired      map[solana.Hash]bool
	sendErr      error
	sent         []*solana.Transaction
	transactions map[string]*rpc.GetTransactionResult
	samples      []*rpc.GetRecentPerformanceSamplesResult
	err          error
}

func (m *mockRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.balances[account.String()], nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error) {
	if m.err != nil {
		return solana.Hash{}, m.err
	}
	return m.blockhash, nil
}

func (m *mockRPCClient) IsBlockhashValid(ctx context.Context, hash solana.Hash, commitment rpc.CommitmentType) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return !m.expired[hash], nil
}

func (m *mockRPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = append(m.sent, tx)
	return tx.Signatures[0], nil
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.transactions[signature.String()]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return res, nil
}

func (m *mockRPCClient) GetRecentPerformanceSamples(ctx context.Context, limit uint) ([]*rpc.GetRecentPerformanceSamplesResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.samples, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, nil, logger)
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func testHash() solana.Hash {
	return solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
}

// signedTransfer builds and signs a native transfer.
func signedTransfer(t *testing.T, from solana.PrivateKey, to solana.PublicKey, lamports uint64) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()},
		testHash(),
		solana.TransactionPayer(from.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(from.PublicKey()) {
			return &from
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

// makeResult wraps a transaction the way the RPC returns it with base64 encoding.
func makeResult(t *testing.T, tx *solana.Transaction, onChainErr string) *rpc.GetTransactionResult {
	t.Helper()
	blob, err := EncodeTransaction(tx)
	require.NoError(t, err)

	meta := `{"err":null}`
	if onChainErr != "" {
		meta = fmt.Sprintf(`{"err":%q}`, onChainErr)
	}
	raw := fmt.Sprintf(`{"slot":100,"blockTime":1700000000,"transaction":[%q,"base64"],"meta":%s}`, blob, meta)

	var result rpc.GetTransactionResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	return &result
}
