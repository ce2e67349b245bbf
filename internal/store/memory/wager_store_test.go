package memory

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/domain"
)

func newWager(creator common.Address) domain.Wager {
	now := time.Unix(1_700_000_000, 0).UTC()
	return domain.Wager{
		Creator:     creator,
		StakeAsset:  common.HexToAddress("0xa1"),
		StakeAmount: big.NewInt(1000),
		Status:      domain.WagerCreated,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		GraceEndsAt: now.Add(2 * time.Hour),
	}
}

func TestAppendAssignsDenseIDs(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()

	for i := 0; i < 3; i++ {
		w, err := s.Append(ctx, newWager(common.HexToAddress("0xc1")))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), w.ID)
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	_, err = s.Get(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()
	w, err := s.Append(ctx, newWager(common.HexToAddress("0xc1")))
	require.NoError(t, err)

	got, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	got.StakeAmount.SetInt64(1)

	again, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.StakeAmount.Int64())
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()
	w, err := s.Append(ctx, newWager(common.HexToAddress("0xc1")))
	require.NoError(t, err)

	_, err = s.Transition(ctx, w.ID, domain.WagerSettled, nil)
	assert.ErrorIs(t, err, domain.ErrNoGuess)

	boom := errors.New("boom")
	_, err = s.Transition(ctx, w.ID, domain.WagerGuessed, func(*domain.Wager) error { return boom })
	assert.ErrorIs(t, err, boom)
	cur, _ := s.Get(ctx, w.ID)
	assert.Equal(t, domain.WagerCreated, cur.Status)

	_, err = s.Transition(ctx, w.ID, domain.WagerGuessed, func(w *domain.Wager) error {
		w.RawGuess = "true"
		w.Guess = true
		return nil
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, w.ID, domain.WagerGuessed, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyGuessed)
	_, err = s.Transition(ctx, w.ID, domain.WagerCancelled, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyGuessed)

	_, err = s.Transition(ctx, w.ID, domain.WagerSettled, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, w.ID, domain.WagerSettled, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()
	w, err := s.Append(ctx, newWager(common.HexToAddress("0xc1")))
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, w.ID, domain.WagerGuessed, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrAlreadyGuessed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListExpirableAndPendingPayouts(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()
	w, err := s.Append(ctx, newWager(common.HexToAddress("0xc1")))
	require.NoError(t, err)
	_, err = s.Append(ctx, newWager(common.HexToAddress("0xc2")))
	require.NoError(t, err)

	_, err = s.Transition(ctx, w.ID, domain.WagerGuessed, nil)
	require.NoError(t, err)

	got, err := s.ListExpirable(ctx, w.GraceEndsAt.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.ListExpirable(ctx, w.GraceEndsAt, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, w.ID, got[0].ID)

	now := time.Now().UTC()
	_, err = s.Transition(ctx, w.ID, domain.WagerSettled, func(w *domain.Wager) error {
		w.SettledAt = &now
		w.Payouts = []domain.Payout{
			{Leg: 0, Kind: domain.PayoutTransfer, Amount: big.NewInt(1000)},
			{Leg: 1, Kind: domain.PayoutMint, Amount: big.NewInt(1000)},
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := s.ListPendingPayouts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkPayoutDone(ctx, w.ID, 0, "0xabc"))
	require.NoError(t, s.MarkPayoutDone(ctx, w.ID, 1, ""))
	pending, err = s.ListPendingPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	resolved, err := s.ListResolved(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "0xabc", resolved[0].Payouts[0].TxHash)
}

func TestListFiltersByParty(t *testing.T) {
	ctx := context.Background()
	s := NewWagerStore()
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")
	_, _ = s.Append(ctx, newWager(a))
	_, _ = s.Append(ctx, newWager(b))
	_, _ = s.Append(ctx, newWager(a))

	got, err := s.List(ctx, domain.WagerFilter{Party: &a})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].ID)
	assert.Equal(t, uint64(2), got[1].ID)

	got, err = s.List(ctx, domain.WagerFilter{Party: &a, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestFeeStoreCreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewFeeStore()
	asset := common.HexToAddress("0xa1")

	require.NoError(t, s.Credit(ctx, domain.FeeEntry{WagerID: 7, Asset: asset, Amount: big.NewInt(30)}))
	require.NoError(t, s.Credit(ctx, domain.FeeEntry{WagerID: 7, Asset: asset, Amount: big.NewInt(99)}))
	require.NoError(t, s.Credit(ctx, domain.FeeEntry{WagerID: 8, Asset: asset, Amount: big.NewInt(20)}))

	total, err := s.Accumulated(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, int64(50), total.Int64())

	e, err := s.Get(ctx, 7)
	require.NoError(t, err)
	e.Status = domain.FeeProvided
	require.NoError(t, s.Update(ctx, e))

	total, err = s.Accumulated(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, int64(20), total.Int64())

	open, err := s.ListUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, uint64(8), open[0].WagerID)
}
