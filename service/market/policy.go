package market

import (
	"fmt"
	"math/big"

	"github.com/brojonat/solmarket/service/db"
)

// PayoutPolicy decides how much each winning wager receives. Compute returns
// one amount per winner, aligned with winners; zero means nothing is paid.
type PayoutPolicy interface {
	Name() string
	Compute(winners, all []*db.Wager) []uint64
}

// PolicyByName returns the policy configured by name ("flat" or "pro-rata").
func PolicyByName(name string, multiplier int64) (PayoutPolicy, error) {
	switch name {
	case "flat", "":
		if multiplier < 1 {
			return nil, fmt.Errorf("flat payout multiplier must be at least 1, got %d", multiplier)
		}
		return FlatMultiplier(uint64(multiplier)), nil
	case "pro-rata":
		return ProRata(), nil
	default:
		return nil, fmt.Errorf("unknown payout policy %q", name)
	}
}

type flatMultiplier struct {
	m uint64
}

// FlatMultiplier pays every winner m times their own stake, regardless of the
// losing pool. The house covers the difference.
func FlatMultiplier(m uint64) PayoutPolicy {
	return flatMultiplier{m: m}
}

func (f flatMultiplier) Name() string {
	return fmt.Sprintf("flat-%dx", f.m)
}

func (f flatMultiplier) Compute(winners, _ []*db.Wager) []uint64 {
	out := make([]uint64, len(winners))
	mul := new(big.Int).SetUint64(f.m)
	for i, w := range winners {
		v := new(big.Int).Mul(new(big.Int).SetUint64(w.Amount), mul)
		if v.IsUint64() {
			out[i] = v.Uint64()
		}
	}
	return out
}

type proRata struct{}

// ProRata returns each winner's stake plus a share of the losing pool of the
// same token proportional to their stake. Shares are rounded down and the
// remainder stays with the house, so payouts never exceed what was staked.
func ProRata() PayoutPolicy {
	return proRata{}
}

func (proRata) Name() string { return "pro-rata" }

func (proRata) Compute(winners, all []*db.Wager) []uint64 {
	winning := make(map[int64]bool, len(winners))
	winPool := make(map[string]*big.Int)
	losePool := make(map[string]*big.Int)
	for _, w := range winners {
		winning[w.ID] = true
		addTo(winPool, w.Token, w.Amount)
	}
	for _, w := range all {
		if !winning[w.ID] {
			addTo(losePool, w.Token, w.Amount)
		}
	}

	out := make([]uint64, len(winners))
	for i, w := range winners {
		stake := new(big.Int).SetUint64(w.Amount)
		share := new(big.Int)
		if lose, ok := losePool[w.Token]; ok && winPool[w.Token].Sign() > 0 {
			share.Mul(stake, lose)
			share.Quo(share, winPool[w.Token])
		}
		total := share.Add(share, stake)
		if total.IsUint64() {
			out[i] = total.Uint64()
		}
	}
	return out
}

func addTo(pools map[string]*big.Int, tok string, amount uint64) {
	p, ok := pools[tok]
	if !ok {
		p = new(big.Int)
		pools[tok] = p
	}
	p.Add(p, new(big.Int).SetUint64(amount))
}
