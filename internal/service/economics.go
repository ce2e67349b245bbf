package service

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/0xrin1/flippening/internal/domain"
)

const bpsDenominator = 10_000

// Economics holds the protocol's fee and reward parameters.
type Economics struct {
	FeeBps           int64
	KeeperRewardBps  int64
	RewardMultiplier decimal.Decimal
}

// ComputeFee returns the protocol fee skimmed from stake, rounded down.
func ComputeFee(stake *big.Int, feeBps int64) *big.Int {
	return bps(stake, feeBps)
}

// ComputeKeeperReward returns the reward paid to whoever expires a wager.
func ComputeKeeperReward(stake *big.Int, keeperBps int64) *big.Int {
	return bps(stake, keeperBps)
}

// ComputeReward returns the reward tokens minted for an honest creator:
// stake scaled by multiplier, rounded down.
func ComputeReward(stake *big.Int, multiplier decimal.Decimal) *big.Int {
	if stake == nil || multiplier.Sign() <= 0 {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(stake, 0).Mul(multiplier).Floor().BigInt()
}

func bps(amount *big.Int, points int64) *big.Int {
	if amount == nil || points <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(points))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// SettlementPlan is the full set of fund movements for one terminal
// transition, computed before anything is mutated.
type SettlementPlan struct {
	Resolution   domain.Resolution
	GuesserWon   bool
	Fee          *big.Int
	KeeperReward *big.Int
	Keeper       common.Address
	RewardMinted *big.Int
	Payouts      []domain.Payout
}

// Outbound returns the total of escrow transfers in the plan.
func (p SettlementPlan) Outbound() *big.Int {
	total := new(big.Int)
	for _, po := range p.Payouts {
		if po.Kind == domain.PayoutTransfer {
			total.Add(total, po.Amount)
		}
	}
	return total
}

// PlanResolution computes the payouts for a reveal or expiry. keeper is nil
// for a reveal. rewardToken must be set whenever the creator wins with a
// positive multiplier. A positive fee is the last leg, so it is booked
// through the same outbox as the transfers.
func PlanResolution(w domain.Wager, guesserWon bool, keeper *common.Address, rewardToken common.Address, econ Economics) SettlementPlan {
	stake := w.StakeAmount
	plan := SettlementPlan{
		Resolution:   domain.ResolvedByReveal,
		GuesserWon:   guesserWon,
		Fee:          ComputeFee(stake, econ.FeeBps),
		KeeperReward: new(big.Int),
		RewardMinted: new(big.Int),
	}

	remaining := new(big.Int).Set(stake)
	if keeper != nil {
		plan.Resolution = domain.ResolvedByExpiry
		plan.Keeper = *keeper
		plan.KeeperReward = ComputeKeeperReward(stake, econ.KeeperRewardBps)
		remaining.Sub(remaining, plan.KeeperReward)
	}
	remaining.Sub(remaining, plan.Fee)

	winner := w.Creator
	if guesserWon {
		winner = w.Guesser
	}
	plan.add(domain.PayoutTransfer, w.StakeAsset, winner, remaining)
	if keeper != nil {
		plan.add(domain.PayoutTransfer, w.StakeAsset, *keeper, plan.KeeperReward)
	}
	if !guesserWon {
		plan.RewardMinted = ComputeReward(stake, econ.RewardMultiplier)
		plan.add(domain.PayoutMint, rewardToken, w.Creator, plan.RewardMinted)
	}
	plan.add(domain.PayoutFee, w.StakeAsset, common.Address{}, plan.Fee)
	return plan
}

// PlanRefund returns the full stake to the creator with no fee.
func PlanRefund(w domain.Wager) SettlementPlan {
	plan := SettlementPlan{
		Resolution:   domain.ResolvedByCancel,
		Fee:          new(big.Int),
		KeeperReward: new(big.Int),
		RewardMinted: new(big.Int),
	}
	plan.add(domain.PayoutTransfer, w.StakeAsset, w.Creator, w.StakeAmount)
	return plan
}

func (p *SettlementPlan) add(kind domain.PayoutKind, asset, to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	p.Payouts = append(p.Payouts, domain.Payout{
		Leg:       len(p.Payouts),
		Kind:      kind,
		Asset:     asset,
		Recipient: to,
		Amount:    new(big.Int).Set(amount),
	})
}

// needsMint reports whether the plan mints reward tokens.
func (p SettlementPlan) needsMint() bool {
	return p.RewardMinted != nil && p.RewardMinted.Sign() > 0
}
