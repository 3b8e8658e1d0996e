package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
)

func createTestPrediction(t *testing.T, store *TestStore) *Prediction {
	t.Helper()
	p, err := store.CreatePrediction(context.Background(), CreatePredictionParams{
		Title:         "Will X happen",
		CreatorID:     1,
		CreatorWallet: walletA,
		Options:       []string{"Yes", "No"},
		EndTime:       time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return p
}

func TestUsers(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, err := store.GetUser(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := store.UpsertUserWallet(ctx, 42, walletA)
	require.NoError(t, err)
	require.NotNil(t, u.Wallet)
	assert.Equal(t, walletA, *u.Wallet)

	t.Run("relink replaces wallet", func(t *testing.T) {
		u, err := store.UpsertUserWallet(ctx, 42, walletB)
		require.NoError(t, err)
		assert.Equal(t, walletB, *u.Wallet)
	})

	t.Run("points accumulate", func(t *testing.T) {
		_, err := store.AddPoints(ctx, 42, 5)
		require.NoError(t, err)
		u, err := store.AddPoints(ctx, 42, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(12), u.Points)
		assert.Equal(t, walletB, *u.Wallet)
	})

	t.Run("points create user", func(t *testing.T) {
		u, err := store.AddPoints(ctx, 7, 3)
		require.NoError(t, err)
		assert.Nil(t, u.Wallet)
		assert.Equal(t, int64(3), u.Points)
	})
}

func TestPredictionLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	ctx := context.Background()

	p := createTestPrediction(t, store)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, []string{"Yes", "No"}, p.Options)
	assert.Nil(t, p.WinningOption)
	assert.Nil(t, p.SettledAt)

	open, err := store.ListPredictions(ctx, StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	closed, err := store.ClosePrediction(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	require.NotNil(t, closed.WinningOption)
	assert.Equal(t, 2, *closed.WinningOption)
	assert.NotNil(t, closed.SettledAt)

	_, err = store.ClosePrediction(ctx, p.ID, 1)
	assert.ErrorIs(t, err, ErrNotFound, "closed prediction cannot close again")

	open, err = store.ListPredictions(ctx, StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := store.ListPredictions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClosePrediction_Concurrent(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()

	p := createTestPrediction(t, store)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClosePrediction(context.Background(), p.ID, 1); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestWagersAndPayouts(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	ctx := context.Background()

	p := createTestPrediction(t, store)

	w1, err := store.CreateWager(ctx, CreateWagerParams{
		UserID: 2, PredictionID: p.ID, Token: "SOL", Amount: 1_500_000_000, Option: 1, Wallet: walletB, TxID: "sig-1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), w1.Amount)

	_, err = store.CreateWager(ctx, CreateWagerParams{
		UserID: 3, PredictionID: p.ID, Token: "SOL", Amount: 1, Option: 2, Wallet: walletB, TxID: "sig-2",
	})
	require.NoError(t, err)

	_, err = store.CreateWager(ctx, CreateWagerParams{
		UserID: 4, PredictionID: p.ID, Token: "SOL", Amount: 1, Option: 2, Wallet: walletB, TxID: "sig-1",
	})
	assert.ErrorIs(t, err, ErrConflict, "transaction ids are single use")

	all, err := store.ListWagers(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	winners, err := store.ListWagersByOption(ctx, p.ID, 1)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, w1.ID, winners[0].ID)

	_, err = store.GetPayoutAttempt(ctx, w1.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SavePayoutAttempt(ctx, PayoutAttempt{
		WagerID: w1.ID, PredictionID: p.ID, Signature: "payout-0", Blob: "blob-0", Anchor: "anchor-0",
	}))
	require.NoError(t, store.SavePayoutAttempt(ctx, PayoutAttempt{
		WagerID: w1.ID, PredictionID: p.ID, Signature: "payout-1", Blob: "blob-1", Anchor: "anchor-1",
	}))
	attempt, err := store.GetPayoutAttempt(ctx, w1.ID)
	require.NoError(t, err)
	assert.Equal(t, "payout-1", attempt.Signature, "a rebuilt transfer replaces the old one")
	assert.Equal(t, "blob-1", attempt.Blob)

	payout, err := store.CreatePayout(ctx, CreatePayoutParams{
		UserID: 2, PredictionID: p.ID, WagerID: w1.ID, Token: "SOL", Amount: 3_000_000_000, TxID: "payout-1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000_000), payout.Amount)

	_, err = store.GetPayoutAttempt(ctx, w1.ID)
	assert.ErrorIs(t, err, ErrNotFound, "recording the payout clears its journal entry")

	_, err = store.CreatePayout(ctx, CreatePayoutParams{
		UserID: 2, PredictionID: p.ID, WagerID: w1.ID, Token: "SOL", Amount: 1, TxID: "payout-2",
	})
	assert.ErrorIs(t, err, ErrConflict, "one payout per wager")

	payouts, err := store.ListPayouts(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

func TestAlerts(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	ctx := context.Background()

	a, err := store.CreateAlert(ctx, CreateAlertParams{UserID: 1, Token: "SOL", Condition: ConditionAbove, Value: 100})
	require.NoError(t, err)
	assert.Equal(t, ConditionAbove, a.Condition)

	alerts, err := store.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, store.DeleteAlert(ctx, a.ID))
	assert.ErrorIs(t, store.DeleteAlert(ctx, a.ID), ErrNotFound)
}

func TestWalletTracking(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	ctx := context.Background()

	params := CreateWalletTrackingParams{WalletAddress: walletA, UserID: 1, ChannelID: "chan", LastAnalysis: "SOL: 1.0000"}
	_, err := store.CreateWalletTracking(ctx, params)
	require.NoError(t, err)

	_, err = store.CreateWalletTracking(ctx, params)
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := store.UpdateWalletAnalysis(ctx, walletA, 1, "SOL: 2.0000")
	require.NoError(t, err)
	assert.Equal(t, "SOL: 2.0000", updated.LastAnalysis)

	_, err = store.UpdateWalletAnalysis(ctx, walletB, 1, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteWalletTracking(ctx, walletA, 1))
	assert.ErrorIs(t, store.DeleteWalletTracking(ctx, walletA, 1), ErrNotFound)

	rows, err := store.ListWalletTracking(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
