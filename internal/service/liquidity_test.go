package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/ledger"
)

func feeEconomics() Economics {
	econ := defaultEconomics()
	econ.FeeBps = 100
	return econ
}

func (h *harness) settleGuesserWin(t *testing.T) domain.Wager {
	t.Helper()
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	return settled
}

func TestFeeIsCreditedNotPaid(t *testing.T) {
	h := newHarness(t, feeEconomics())
	w := h.settleGuesserWin(t)

	assert.Equal(t, centiEth(1), w.Fee)
	assert.Equal(t, new(big.Int).Add(eth(10), centiEth(99)), h.balance(stakeAsset, guesserAddr))
	assert.Equal(t, centiEth(1), h.balance(stakeAsset, escrowAddr))

	acc, err := h.liquidity.Accumulated(h.ctx, stakeAsset)
	require.NoError(t, err)
	assert.Equal(t, centiEth(1), acc)
}

func TestProcessFeesProvidesLiquidityOnce(t *testing.T) {
	h := newHarness(t, feeEconomics())
	h.seedStakePool(t)
	w := h.settleGuesserWin(t)

	entry, err := h.liquidity.ProcessFees(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FeeProvided, entry.Status)
	require.NotNil(t, entry.Liquidity)
	assert.Positive(t, entry.Liquidity.Sign())

	supply, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	minted, err := h.reward.TotalSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, minted, supply)
	assert.Equal(t, entry.ReserveAmount, supply)

	pair, err := h.amm.GetPair(h.ctx, reserveAddr, rewardAddr)
	require.NoError(t, err)
	lp := h.balance(pair, escrowAddr)

	again, err := h.liquidity.ProcessFees(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Liquidity, again.Liquidity)
	assert.Equal(t, lp, h.balance(pair, escrowAddr))

	supplyAfter, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, supply, supplyAfter)

	acc, err := h.liquidity.Accumulated(h.ctx, stakeAsset)
	require.NoError(t, err)
	assert.Zero(t, acc.Sign())
	assert.Len(t, h.liquidity.KnownPairs(), 2)
}

func TestLiquidityFailureDoesNotAbortSettlement(t *testing.T) {
	h := newHarness(t, feeEconomics())
	h.seedStakePool(t)
	h.amm.SetFault(func(op string) error {
		if op == "swap" {
			return errors.New("router reverted")
		}
		return nil
	})

	w := h.settleGuesserWin(t)
	assert.Equal(t, domain.WagerSettled, w.Status)

	entry, err := h.liquidity.ProcessFees(h.ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrLiquidityOperationFailed)
	assert.Equal(t, domain.FeePending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)

	ev, ok := h.sink.last(domain.EventLiquidity)
	require.True(t, ok)
	assert.NotEmpty(t, ev.Error)

	h.amm.SetFault(nil)
	n, err := h.liquidity.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err = h.liquidity.Fee(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FeeProvided, entry.Status)
}

func TestProvideLiquidityMintsOnlyShortfall(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	h.ledger.Mint(reserveAddr, escrowAddr, eth(20))
	h.ledger.Mint(rewardAddr, escrowAddr, eth(4))

	receipt, err := h.liquidity.ProvideLiquidity(h.ctx, eth(10))
	require.NoError(t, err)
	assert.Equal(t, eth(10), receipt.AmountA)
	assert.Equal(t, eth(10), receipt.AmountB)

	supply, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(6), supply)

	// Second deposit follows the pool price.
	receipt, err = h.liquidity.ProvideLiquidity(h.ctx, eth(5))
	require.NoError(t, err)
	assert.Equal(t, eth(5), receipt.AmountB)
}

func TestConvertToReserveIsNoopForReserve(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	out, err := h.liquidity.ConvertToReserve(h.ctx, reserveAddr, eth(3))
	require.NoError(t, err)
	assert.Equal(t, eth(3), out)
	assert.Empty(t, h.liquidity.KnownPairs())
}

func TestEnsurePairCachesCanonicalOrder(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	calls := 0
	h.amm.SetFault(func(op string) error {
		if op == "getPair" {
			calls++
		}
		return nil
	})

	a, err := h.liquidity.EnsurePair(h.ctx, rewardAddr, reserveAddr)
	require.NoError(t, err)
	b, err := h.liquidity.EnsurePair(h.ctx, reserveAddr, rewardAddr)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, calls)

	pairs := h.liquidity.KnownPairs()
	require.Len(t, pairs, 1)
	t0, t1 := ledger.SortTokens(rewardAddr, reserveAddr)
	assert.Equal(t, t0, pairs[0].Token0)
	assert.Equal(t, t1, pairs[0].Token1)
}

func TestLiquidityRequiresCollaborators(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	h.liquidity.SetRouter(nil)
	_, err := h.liquidity.ProvideLiquidity(h.ctx, eth(1))
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestAdminSettersRequireOwner(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	admin := NewAdmin(ownerAddr, h.settlement, h.liquidity, nil, discardLogger())
	ctx := context.Background()

	err := admin.SetReserveAsset(ctx, creatorAddr, stakeAsset)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, reserveAddr, h.liquidity.ReserveAsset())

	newReward := ledger.NewRewardToken(h.ledger, common.HexToAddress("0xf12"))
	require.NoError(t, admin.SetRewardToken(ctx, ownerAddr, newReward))
	assert.Equal(t, newReward.Address(), h.settlement.RewardToken().Address())

	require.NoError(t, admin.SetReserveAsset(ctx, ownerAddr, stakeAsset))
	assert.Equal(t, stakeAsset, h.liquidity.ReserveAsset())
}
