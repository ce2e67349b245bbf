package service

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/domain"
)

func TestComputeFunctions(t *testing.T) {
	assert.Equal(t, centiEth(1), ComputeKeeperReward(eth(1), 100))
	assert.Equal(t, big.NewInt(0), ComputeFee(eth(1), 0))
	assert.Equal(t, big.NewInt(2), ComputeFee(big.NewInt(299), 100))
	assert.Equal(t, eth(3), ComputeReward(eth(2), decimal.RequireFromString("1.5")))
	assert.Equal(t, big.NewInt(1), ComputeReward(big.NewInt(3), decimal.RequireFromString("0.5")))
	assert.Zero(t, ComputeReward(eth(1), decimal.Zero).Sign())
}

func TestPlanResolutionLegs(t *testing.T) {
	w := domain.Wager{
		Creator:     creatorAddr,
		Guesser:     guesserAddr,
		StakeAsset:  stakeAsset,
		StakeAmount: eth(1),
	}
	econ := Economics{FeeBps: 200, KeeperRewardBps: 100, RewardMultiplier: decimal.NewFromInt(2)}

	t.Run("expiry", func(t *testing.T) {
		keeper := keeperAddr
		p := PlanResolution(w, true, &keeper, rewardAddr, econ)
		require.Len(t, p.Payouts, 3)
		assert.Equal(t, guesserAddr, p.Payouts[0].Recipient)
		assert.Equal(t, centiEth(97), p.Payouts[0].Amount)
		assert.Equal(t, keeperAddr, p.Payouts[1].Recipient)
		assert.Equal(t, centiEth(1), p.Payouts[1].Amount)
		assert.Equal(t, domain.PayoutFee, p.Payouts[2].Kind)
		assert.Equal(t, stakeAsset, p.Payouts[2].Asset)
		assert.Equal(t, centiEth(2), p.Payouts[2].Amount)
		assert.Equal(t, centiEth(98), p.Outbound())
	})

	t.Run("creator wins", func(t *testing.T) {
		p := PlanResolution(w, false, nil, rewardAddr, econ)
		require.Len(t, p.Payouts, 3)
		assert.Equal(t, domain.PayoutTransfer, p.Payouts[0].Kind)
		assert.Equal(t, centiEth(98), p.Payouts[0].Amount)
		assert.Equal(t, domain.PayoutMint, p.Payouts[1].Kind)
		assert.Equal(t, rewardAddr, p.Payouts[1].Asset)
		assert.Equal(t, domain.PayoutFee, p.Payouts[2].Kind)
		assert.Equal(t, eth(2), p.RewardMinted)
		assert.Equal(t, centiEth(98), p.Outbound())
	})

	t.Run("refund", func(t *testing.T) {
		p := PlanRefund(w)
		require.Len(t, p.Payouts, 1)
		assert.Equal(t, eth(1), p.Payouts[0].Amount)
		assert.Zero(t, p.Fee.Sign())
	})

	t.Run("zero legs skipped", func(t *testing.T) {
		keeper := common.HexToAddress("0x0d")
		p := PlanResolution(w, true, &keeper, rewardAddr, Economics{})
		require.Len(t, p.Payouts, 1)
		assert.Equal(t, 0, p.Payouts[0].Leg)
	})
}
