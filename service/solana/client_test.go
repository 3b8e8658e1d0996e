package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/solmarket/service/token"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustToken(t *testing.T, symbol string) token.Token {
	t.Helper()
	tok, err := token.Lookup(symbol)
	require.NoError(t, err)
	return tok
}

func TestGetBalance(t *testing.T) {
	ctx := context.Background()
	owner := newKey(t).PublicKey()

	mock := &mockRPCClient{balances: map[string]uint64{owner.String(): 2_500_000_000}}
	client := newTestClient(mock)

	lamports, err := client.GetBalance(ctx, owner.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), lamports)
}

func TestGetBalance_Errors(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(&mockRPCClient{err: errors.New("connection refused")})
	_, err := client.GetBalance(ctx, newKey(t).PublicKey().String())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)

	_, err = client.GetBalance(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBuildTransfer_Native(t *testing.T) {
	ctx := context.Background()
	from := newKey(t)
	to := newKey(t).PublicKey()

	mock := &mockRPCClient{blockhash: testHash()}
	client := newTestClient(mock)

	unsigned, err := client.BuildTransfer(ctx, from.PublicKey().String(), to.String(), 250_000_000, mustToken(t, token.SOL))
	require.NoError(t, err)
	assert.Equal(t, testHash(), unsigned.Anchor)
	assert.Equal(t, uint64(250_000_000), unsigned.Amount)

	tx, err := DecodeTransaction(unsigned.Blob)
	require.NoError(t, err)
	assert.Equal(t, testHash(), tx.Message.RecentBlockhash)
	assert.Error(t, tx.VerifySignatures(), "blob should not carry a valid signature yet")
	require.Len(t, tx.Message.Instructions, 1)
	assert.True(t, tx.Message.AccountKeys[0].Equals(from.PublicKey()), "payer should be the first account")
}

func TestBuildTransfer_NonNativeUnsupported(t *testing.T) {
	ctx := context.Background()
	mock := &mockRPCClient{blockhash: testHash()}
	client := newTestClient(mock)

	for _, symbol := range []string{token.JUP, token.BONK} {
		_, err := client.BuildTransfer(ctx, newKey(t).PublicKey().String(), newKey(t).PublicKey().String(), 1, mustToken(t, symbol))
		assert.ErrorIs(t, err, ErrUnsupportedTokenOperation, symbol)
	}
}

func TestBuildTransfer_AnchorUnavailable(t *testing.T) {
	client := newTestClient(&mockRPCClient{err: errors.New("503")})
	_, err := client.BuildTransfer(context.Background(), newKey(t).PublicKey().String(), newKey(t).PublicKey().String(), 1, mustToken(t, token.SOL))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestSignAndSubmit(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)
	to := newKey(t).PublicKey()

	mock := &mockRPCClient{blockhash: testHash()}
	client := newTestClient(mock)

	unsigned, err := client.BuildTransfer(ctx, payer.PublicKey().String(), to.String(), 42, mustToken(t, token.SOL))
	require.NoError(t, err)

	signed, err := SignTransaction(unsigned.Blob, payer)
	require.NoError(t, err)

	sig, err := client.Submit(ctx, signed)
	require.NoError(t, err)
	require.Len(t, mock.sent, 1)
	assert.Equal(t, mock.sent[0].Signatures[0].String(), sig)
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)
	to := newKey(t).PublicKey()

	client := newTestClient(&mockRPCClient{blockhash: testHash()})
	unsigned, err := client.BuildTransfer(ctx, payer.PublicKey().String(), to.String(), 42, mustToken(t, token.SOL))
	require.NoError(t, err)

	t.Run("garbage blob", func(t *testing.T) {
		_, err := client.Submit(ctx, "%%%")
		assert.ErrorIs(t, err, ErrSubmissionRejected)
	})

	t.Run("unsigned blob", func(t *testing.T) {
		_, err := client.Submit(ctx, unsigned.Blob)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
	})

	t.Run("signed by the wrong key", func(t *testing.T) {
		_, err := SignTransaction(unsigned.Blob, newKey(t))
		assert.Error(t, err)
	})

	t.Run("ledger refuses", func(t *testing.T) {
		signed, err := SignTransaction(unsigned.Blob, payer)
		require.NoError(t, err)

		refusing := newTestClient(&mockRPCClient{sendErr: &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: insufficient funds for rent",
		}})
		sig, err := refusing.Submit(ctx, signed)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
		assert.Empty(t, sig)
	})
}

func TestSubmit_TransportFailureKeepsSignature(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)

	client := newTestClient(&mockRPCClient{blockhash: testHash()})
	unsigned, err := client.BuildTransfer(ctx, payer.PublicKey().String(), newKey(t).PublicKey().String(), 42, mustToken(t, token.SOL))
	require.NoError(t, err)
	signed, err := SignTransaction(unsigned.Blob, payer)
	require.NoError(t, err)
	want, err := SignatureOf(signed)
	require.NoError(t, err)

	timingOut := newTestClient(&mockRPCClient{sendErr: errors.New(`Post "https://rpc": context deadline exceeded`)})
	sig, err := timingOut.Submit(ctx, signed)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.NotErrorIs(t, err, ErrSubmissionRejected)
	assert.Equal(t, want, sig, "the signature must survive an ambiguous send")
}

func TestSignatureOf(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)

	mock := &mockRPCClient{blockhash: testHash()}
	client := newTestClient(mock)
	unsigned, err := client.BuildTransfer(ctx, payer.PublicKey().String(), newKey(t).PublicKey().String(), 42, mustToken(t, token.SOL))
	require.NoError(t, err)

	_, err = SignatureOf(unsigned.Blob)
	assert.Error(t, err, "unsigned blobs have no signature yet")

	signed, err := SignTransaction(unsigned.Blob, payer)
	require.NoError(t, err)
	sig, err := SignatureOf(signed)
	require.NoError(t, err)

	submitted, err := client.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, submitted, sig)
}

func TestAnchorValid(t *testing.T) {
	ctx := context.Background()
	stale := solana.Hash{9}
	client := newTestClient(&mockRPCClient{expired: map[solana.Hash]bool{stale: true}})

	valid, err := client.AnchorValid(ctx, testHash().String())
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = client.AnchorValid(ctx, stale.String())
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = client.AnchorValid(ctx, "not-a-hash")
	assert.Error(t, err)

	down := newTestClient(&mockRPCClient{err: errors.New("503")})
	_, err = down.AnchorValid(ctx, testHash().String())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestGetTransaction(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)
	to := newKey(t).PublicKey()
	tx := signedTransfer(t, payer, to, 1_000_000_000)
	sig := tx.Signatures[0].String()

	mock := &mockRPCClient{transactions: map[string]*rpc.GetTransactionResult{sig: makeResult(t, tx, "")}}
	client := newTestClient(mock)

	got, err := client.GetTransaction(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, sig, got.Signature)
	assert.Equal(t, uint64(100), got.Slot)
	assert.Nil(t, got.Err)

	transfers := got.NativeTransfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, payer.PublicKey().String(), transfers[0].Source)
	assert.Equal(t, to.String(), transfers[0].Destination)
	assert.Equal(t, uint64(1_000_000_000), transfers[0].Amount)
}

func TestGetTransaction_NotConfirmed(t *testing.T) {
	client := newTestClient(&mockRPCClient{})
	sig := solana.Signature{1, 2, 3}

	_, err := client.GetTransaction(context.Background(), sig.String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTransaction_RPCError(t *testing.T) {
	client := newTestClient(&mockRPCClient{err: errors.New("timeout")})
	sig := solana.Signature{1, 2, 3}

	_, err := client.GetTransaction(context.Background(), sig.String())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestCurrentTPS(t *testing.T) {
	mock := &mockRPCClient{samples: []*rpc.GetRecentPerformanceSamplesResult{
		{Slot: 10, NumTransactions: 180_000, NumSlots: 150, SamplePeriodSecs: 60},
	}}
	client := newTestClient(mock)

	tps, err := client.CurrentTPS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, tps)

	empty := newTestClient(&mockRPCClient{})
	_, err = empty.CurrentTPS(context.Background())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}
