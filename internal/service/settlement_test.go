package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
	memstore "github.com/0xrin1/flippening/internal/store/memory"
)

var errStoreDown = errors.New("store unavailable")

// markHookStore runs hook before each MarkPayoutDone; a hook error is
// returned instead of marking.
type markHookStore struct {
	*memstore.WagerStore
	mu   sync.Mutex
	hook func() error
}

func (s *markHookStore) MarkPayoutDone(ctx context.Context, id uint64, leg int, txHash string) error {
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	return s.WagerStore.MarkPayoutDone(ctx, id, leg, txHash)
}

type flakySupply struct {
	*memstore.SupplyStore
	failures int
}

func (s *flakySupply) AddSupply(ctx context.Context, delta *big.Int) (*big.Int, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errStoreDown
	}
	return s.SupplyStore.AddSupply(ctx, delta)
}

type flakyFees struct {
	*memstore.FeeStore
	failures int
}

func (s *flakyFees) Credit(ctx context.Context, entry domain.FeeEntry) error {
	if s.failures > 0 {
		s.failures--
		return errStoreDown
	}
	return s.FeeStore.Credit(ctx, entry)
}

func TestRetrySkipsWagerBeingSettled(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	store := &markHookStore{WagerStore: h.wagers}
	h.build(store, h.fees, h.supply, defaultEconomics())

	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	h.create(t, commitment.Secret("other", true))
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	// The transfer has gone out but the leg is not marked yet.
	var retried int
	store.hook = func() error {
		n, err := h.settlement.RetryPending(h.ctx, 10)
		retried = n
		return err
	}
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)

	assert.Zero(t, retried)
	assert.Empty(t, settled.PendingPayouts())
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))
	assert.Equal(t, eth(1), h.balance(stakeAsset, escrowAddr))
}

func TestUnrecordedPayoutIsNotResent(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	store := &markHookStore{WagerStore: h.wagers}
	h.build(store, h.fees, h.supply, defaultEconomics())
	store.hook = func() error { return errStoreDown }

	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	assert.Len(t, settled.PendingPayouts(), 1)
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))

	n, err := h.settlement.RetryPending(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))

	got, err := h.controller.Get(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingPayouts())
}

func TestSupplyFailureDoesNotMintTwice(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	supply := &flakySupply{SupplyStore: h.supply, failures: 1}
	h.build(h.wagers, h.fees, supply, defaultEconomics())

	secret := commitment.Secret("salt", false)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	assert.Empty(t, settled.PendingPayouts())
	assert.Equal(t, eth(1), h.balance(rewardAddr, creatorAddr))

	tracked, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(1), tracked)

	_, err = h.settlement.RetryPending(h.ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, eth(1), h.balance(rewardAddr, creatorAddr))
	minted, err := h.reward.TotalSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(1), minted)
	booked, err := h.supply.Supply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(1), booked)
	tracked, err = h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(1), tracked)
}

func TestFeeBookingIsRetried(t *testing.T) {
	h := newHarness(t, feeEconomics())
	fees := &flakyFees{FeeStore: h.fees, failures: 1}
	h.build(h.wagers, fees, h.supply, feeEconomics())

	w := h.settleGuesserWin(t)
	assert.Equal(t, domain.WagerSettled, w.Status)
	assert.Equal(t, new(big.Int).Add(eth(10), centiEth(99)), h.balance(stakeAsset, guesserAddr))
	require.Len(t, w.PendingPayouts(), 1)
	assert.Equal(t, domain.PayoutFee, w.PendingPayouts()[0].Kind)

	acc, err := h.liquidity.Accumulated(h.ctx, stakeAsset)
	require.NoError(t, err)
	assert.Zero(t, acc.Sign())

	n, err := h.settlement.RetryPending(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acc, err = h.liquidity.Accumulated(h.ctx, stakeAsset)
	require.NoError(t, err)
	assert.Equal(t, centiEth(1), acc)
	pending, err := h.liquidity.Pending(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, w.ID, pending[0].WagerID)
	assert.Equal(t, new(big.Int).Add(eth(10), centiEth(99)), h.balance(stakeAsset, guesserAddr))
}

func TestRewardTokenCannotBeStaked(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	h.ledger.Mint(rewardAddr, creatorAddr, eth(1))
	h.ledger.Approve(rewardAddr, creatorAddr, escrowAddr, eth(1))

	_, err := h.controller.Create(h.ctx, creatorAddr, commitment.Commit(commitment.Secret("salt", true)), rewardAddr, eth(1))
	require.ErrorIs(t, err, domain.ErrInvalidWager)
	assert.Equal(t, eth(1), h.balance(rewardAddr, creatorAddr))
	assert.Zero(t, h.balance(rewardAddr, escrowAddr).Sign())

	n, err := h.wagers.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
