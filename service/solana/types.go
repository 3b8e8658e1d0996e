package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Transaction is a confirmed ledger transaction reduced to the parts the
// market cares about. It is independent of the RPC response format.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Transfers []Transfer
	Memo      *string // parsed from memo program instructions
	Err       *string // nil if the transaction succeeded on chain
}

// Transfer is a single value movement found in a transaction.
type Transfer struct {
	Source      string
	Destination string
	Amount      uint64
	Mint        *string // nil for native SOL; empty when the instruction does not name the mint
}

// NativeTransfers returns the System Program transfers in instruction order.
func (t *Transaction) NativeTransfers() []Transfer {
	var out []Transfer
	for _, tr := range t.Transfers {
		if tr.Mint == nil {
			out = append(out, tr)
		}
	}
	return out
}

// UnsignedTransfer is a transfer ready to be signed by the payer. Blob is the
// base64 wire encoding of the transaction with empty signature slots.
type UnsignedTransfer struct {
	Blob   string
	Anchor solana.Hash
	From   string
	To     string
	Amount uint64
}
