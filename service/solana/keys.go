package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// LoadKeypair returns the operating wallet's private key from a base58 string,
// or from a solana-keygen JSON file when the string is empty.
func LoadKeypair(base58Key, path string) (solana.PrivateKey, error) {
	if base58Key != "" {
		key, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse base58 keypair: %w", err)
		}
		return key, nil
	}
	if path == "" {
		return nil, fmt.Errorf("no keypair configured")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair file %s: %w", path, err)
	}
	return key, nil
}
