package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// realRPCClient adapts the actual solana-go RPC client to our RPCClient interface.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (uint64, error) {
	out, err := r.client.GetBalance(ctx, account, commitment)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (r *realRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error) {
	out, err := r.client.GetLatestBlockhash(ctx, commitment)
	if err != nil {
		return solana.Hash{}, err
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, rpc.ErrNotFound
	}
	return out.Value.Blockhash, nil
}

func (r *realRPCClient) IsBlockhashValid(ctx context.Context, hash solana.Hash, commitment rpc.CommitmentType) (bool, error) {
	out, err := r.client.IsBlockhashValid(ctx, hash, commitment)
	if err != nil {
		return false, err
	}
	return out != nil && out.Value, nil
}

func (r *realRPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

func (r *realRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	return r.client.GetTransaction(ctx, signature, opts)
}

func (r *realRPCClient) GetRecentPerformanceSamples(ctx context.Context, limit uint) ([]*rpc.GetRecentPerformanceSamplesResult, error) {
	return r.client.GetRecentPerformanceSamples(ctx, &limit)
}
