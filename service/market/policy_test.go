package market

import (
	"math"
	"testing"

	"github.com/brojonat/solmarket/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wagers(specs ...db.Wager) []*db.Wager {
	out := make([]*db.Wager, len(specs))
	for i := range specs {
		w := specs[i]
		w.ID = int64(i + 1)
		out[i] = &w
	}
	return out
}

func TestFlatMultiplier(t *testing.T) {
	all := wagers(
		db.Wager{Token: "SOL", Amount: 100, Option: 1},
		db.Wager{Token: "SOL", Amount: 250, Option: 1},
		db.Wager{Token: "SOL", Amount: math.MaxUint64, Option: 1},
	)
	got := FlatMultiplier(2).Compute(all, all)
	assert.Equal(t, []uint64{200, 500, 0}, got, "overflowing payouts are not payable")
}

func TestProRata(t *testing.T) {
	all := wagers(
		db.Wager{Token: "SOL", Amount: 100, Option: 1},
		db.Wager{Token: "SOL", Amount: 300, Option: 1},
		db.Wager{Token: "SOL", Amount: 1000, Option: 2},
		db.Wager{Token: "BONK", Amount: 50, Option: 1},
		db.Wager{Token: "JUP", Amount: 7, Option: 2},
	)
	winners := []*db.Wager{all[0], all[1], all[3]}

	got := ProRata().Compute(winners, all)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(100+250), got[0])
	assert.Equal(t, uint64(300+750), got[1])
	assert.Equal(t, uint64(50), got[2], "no losing BONK, stake returned")

	var paidSOL uint64
	for i := 0; i < 2; i++ {
		paidSOL += got[i]
	}
	assert.LessOrEqual(t, paidSOL, uint64(1400), "never pays more than was staked")
}

func TestProRata_RoundsDown(t *testing.T) {
	all := wagers(
		db.Wager{Token: "SOL", Amount: 1, Option: 1},
		db.Wager{Token: "SOL", Amount: 2, Option: 1},
		db.Wager{Token: "SOL", Amount: 10, Option: 2},
	)
	got := ProRata().Compute(all[:2], all)
	assert.Equal(t, []uint64{1 + 3, 2 + 6}, got)
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("flat", 3)
	require.NoError(t, err)
	assert.Equal(t, "flat-3x", p.Name())

	p, err = PolicyByName("pro-rata", 0)
	require.NoError(t, err)
	assert.Equal(t, "pro-rata", p.Name())

	_, err = PolicyByName("flat", 0)
	assert.Error(t, err)
	_, err = PolicyByName("martingale", 2)
	assert.Error(t, err)
}
