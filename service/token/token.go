// Package token describes the tokens markets accept and converts between the
// natural units users type and the integer smallest units stored and sent.
package token

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedToken is returned for symbols outside the registry.
	ErrUnsupportedToken = errors.New("unsupported token")
	// ErrInvalidAmount is returned for non-positive amounts or amounts finer
	// than the token's smallest unit.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Token is one wagerable asset.
type Token struct {
	Symbol   string
	Decimals int32
	// Mint is empty for the native token.
	Mint string
	// PriceID is the identifier the price feed knows the token by.
	PriceID string
}

// Native reports whether the token is the ledger's native currency.
func (t Token) Native() bool {
	return t.Mint == ""
}

const (
	SOL  = "SOL"
	JUP  = "JUP"
	BONK = "BONK"
)

// LamportsPerSOL is the ledger's native scale factor.
const LamportsPerSOL = 1_000_000_000

var registry = map[string]Token{
	SOL:  {Symbol: SOL, Decimals: 9, PriceID: "solana"},
	JUP:  {Symbol: JUP, Decimals: 6, Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", PriceID: "jupiter-exchange-solana"},
	BONK: {Symbol: BONK, Decimals: 5, Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", PriceID: "bonk"},
}

// Lookup returns the token for a symbol, case-insensitively.
func Lookup(symbol string) (Token, error) {
	t, ok := registry[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Token{}, fmt.Errorf("%w: %q", ErrUnsupportedToken, symbol)
	}
	return t, nil
}

// Symbols lists the supported symbols in a stable order.
func Symbols() []string {
	return []string{SOL, JUP, BONK}
}

// ToSmallest converts a natural-unit amount into smallest units. The amount
// must be positive and exactly representable at the token's precision.
func (t Token) ToSmallest(amount float64) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: %v is not a number", ErrInvalidAmount, amount)
	}
	d := decimal.NewFromFloat(amount)
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %v must be positive", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(t.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %v has more than %d decimals for %s", ErrInvalidAmount, amount, t.Decimals, t.Symbol)
	}
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %v overflows", ErrInvalidAmount, amount)
	}
	return scaled.BigInt().Uint64(), nil
}

// ToNatural converts smallest units back to the natural-unit float shown to users.
func (t Token) ToNatural(amount uint64) float64 {
	f, _ := fromUint64(amount).Shift(-t.Decimals).Float64()
	return f
}

// Format renders a smallest-unit amount with the token symbol, e.g. "1.5 SOL".
func (t Token) Format(amount uint64) string {
	return fromUint64(amount).Shift(-t.Decimals).String() + " " + t.Symbol
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
