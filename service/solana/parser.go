package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MemoProgramIDLegacy is the v1 memo program; solana-go only names the SPL one.
var MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// parseTransactionResult converts a GetTransaction response into our domain
// Transaction, extracting every transfer and the memo.
func parseTransactionResult(signature string, result *rpc.GetTransactionResult) (*Transaction, error) {
	txn := &Transaction{
		Signature: signature,
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	}
	if result.Meta != nil && result.Meta.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		txn.Err = &errMsg
	}
	if result.Transaction == nil {
		return txn, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if tx == nil {
		return txn, nil
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(solana.SystemProgramID):
			if tr, err := parseSystemTransfer(instruction, accountKeys); err == nil {
				txn.Transfers = append(txn.Transfers, tr)
			}
		case programID.Equals(solana.TokenProgramID), programID.Equals(solana.Token2022ProgramID):
			if tr, err := parseTokenTransfer(instruction, accountKeys); err == nil {
				txn.Transfers = append(txn.Transfers, tr)
			}
		case programID.Equals(solana.MemoProgramID), programID.Equals(MemoProgramIDLegacy):
			if memo := parseMemo(instruction.Data); memo != "" {
				txn.Memo = &memo
			}
		}
	}

	return txn, nil
}

// parseSystemTransfer decodes a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, error) {
	// [0..4]  = instruction type (u32, 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return Transfer{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}
	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return Transfer{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// accounts: [from, to]
	from, to, err := accountPair(instruction, accountKeys, 0, 1)
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		Source:      from,
		Destination: to,
		Amount:      binary.LittleEndian.Uint64(instruction.Data[4:12]),
	}, nil
}

// parseTokenTransfer decodes SPL Transfer and TransferChecked instructions.
// Source and Destination are token accounts, not wallet owners.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, error) {
	if len(instruction.Data) == 0 {
		return Transfer{}, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [1..9] = amount; accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return Transfer{}, fmt.Errorf("transfer instruction data too short")
		}
		src, dst, err := accountPair(instruction, accountKeys, 0, 1)
		if err != nil {
			return Transfer{}, err
		}
		mint := ""
		return Transfer{
			Source:      src,
			Destination: dst,
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
			Mint:        &mint,
		}, nil

	case TokenProgramTransferCheckedInstruction:
		// [1..9] = amount, [9] = decimals; accounts: [source, mint, destination, authority]
		if len(instruction.Data) < 10 {
			return Transfer{}, fmt.Errorf("transferChecked instruction data too short")
		}
		src, dst, err := accountPair(instruction, accountKeys, 0, 2)
		if err != nil {
			return Transfer{}, err
		}
		_, mint, err := accountPair(instruction, accountKeys, 0, 1)
		if err != nil {
			return Transfer{}, err
		}
		return Transfer{
			Source:      src,
			Destination: dst,
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
			Mint:        &mint,
		}, nil

	default:
		return Transfer{}, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

func accountPair(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, i, j int) (string, string, error) {
	if len(instruction.Accounts) <= i || len(instruction.Accounts) <= j {
		return "", "", fmt.Errorf("instruction has %d accounts", len(instruction.Accounts))
	}
	a, b := int(instruction.Accounts[i]), int(instruction.Accounts[j])
	if a >= len(accountKeys) || b >= len(accountKeys) {
		return "", "", fmt.Errorf("account index out of bounds")
	}
	return accountKeys[a].String(), accountKeys[b].String(), nil
}

// parseMemo extracts memo text. Some wallets base64-encode it.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && utf8.Valid(decoded) && !containsNUL(decoded) {
		return string(decoded)
	}
	return memo
}

func containsNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}
