package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FeeStatus tracks how far a fee has moved toward pool liquidity.
type FeeStatus string

const (
	// FeePending is held in the stake asset.
	FeePending FeeStatus = "pending"
	// FeeConverted has been swapped into the reserve asset.
	FeeConverted FeeStatus = "converted"
	// FeeProvided has been deposited as pool liquidity.
	FeeProvided FeeStatus = "provided"
)

// FeeEntry is the protocol fee skimmed from one settled wager.
type FeeEntry struct {
	WagerID       uint64
	Asset         common.Address
	Amount        *big.Int
	Status        FeeStatus
	ReserveAmount *big.Int
	Liquidity     *big.Int
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Drained reports whether nothing remains to process.
func (f FeeEntry) Drained() bool {
	return f.Status == FeeProvided || f.Amount == nil || f.Amount.Sign() == 0
}

// Pair is an AMM pool keyed by its canonically ordered tokens.
type Pair struct {
	Token0  common.Address
	Token1  common.Address
	Address common.Address
}

// LiquidityReceipt reports the amounts accepted by the router.
type LiquidityReceipt struct {
	Pair      Pair
	AmountA   *big.Int
	AmountB   *big.Int
	Liquidity *big.Int
	TxHash    string
}

// Clone returns a deep copy of the entry.
func (f FeeEntry) Clone() FeeEntry {
	out := f
	out.Amount = cloneInt(f.Amount)
	out.ReserveAmount = cloneInt(f.ReserveAmount)
	out.Liquidity = cloneInt(f.Liquidity)
	return out
}
