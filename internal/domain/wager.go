package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// WagerStatus is the lifecycle state of a wager. Status only moves forward:
// Created -> Guessed -> Settled, or Created -> Cancelled.
type WagerStatus string

const (
	WagerCreated   WagerStatus = "created"
	WagerGuessed   WagerStatus = "guessed"
	WagerSettled   WagerStatus = "settled"
	WagerCancelled WagerStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s WagerStatus) Terminal() bool {
	return s == WagerSettled || s == WagerCancelled
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to WagerStatus) bool {
	switch from {
	case WagerCreated:
		return to == WagerGuessed || to == WagerCancelled
	case WagerGuessed:
		return to == WagerSettled
	default:
		return false
	}
}

// TransitionError returns the lifecycle error for an illegal move, or nil
// when the move is allowed.
func TransitionError(from, to WagerStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	switch {
	case to == WagerGuessed:
		return ErrAlreadyGuessed
	case from.Terminal():
		return ErrAlreadySettled
	case to == WagerSettled:
		return ErrNoGuess
	default:
		return ErrAlreadyGuessed
	}
}

// Resolution records how a settled wager was decided.
type Resolution string

const (
	ResolvedByReveal Resolution = "reveal"
	ResolvedByExpiry Resolution = "expiry"
	ResolvedByCancel Resolution = "cancel"
)

// Wager is one commit-reveal bet between a creator and at most one guesser.
// Amounts are integer base units of the stake asset.
type Wager struct {
	ID          uint64
	Creator     common.Address
	Guesser     common.Address
	StakeAsset  common.Address
	StakeAmount *big.Int
	Commitment  common.Hash
	// RawGuess is the choice exactly as submitted; Guess is its normalized
	// boolean. Both are meaningful only once Status has left Created.
	RawGuess    string
	Guess       bool
	Status      WagerStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	GraceEndsAt time.Time

	// Settlement outcome, populated on the terminal transition.
	Resolution   Resolution
	GuesserWon   bool
	Fee          *big.Int
	KeeperReward *big.Int
	Keeper       common.Address
	RewardMinted *big.Int
	Payouts      []Payout
	SettledAt    *time.Time
}

// Guessed reports whether a guess has been recorded.
func (w Wager) Guessed() bool {
	return w.Status != WagerCreated && w.Status != WagerCancelled
}

// PendingPayouts returns the payout legs not yet delivered.
func (w Wager) PendingPayouts() []Payout {
	var out []Payout
	for _, p := range w.Payouts {
		if !p.Done {
			out = append(out, p)
		}
	}
	return out
}

// PayoutKind distinguishes escrow releases from reward-token mints.
type PayoutKind string

const (
	PayoutTransfer PayoutKind = "transfer"
	PayoutMint     PayoutKind = "mint"
	// PayoutFee keeps the protocol fee in escrow and books it for conversion.
	// No funds leave escrow.
	PayoutFee PayoutKind = "fee"
)

// Payout is one fund movement decided at settlement. Legs are persisted with
// the terminal transition and delivered idempotently by index.
type Payout struct {
	Leg       int
	Kind      PayoutKind
	Asset     common.Address
	Recipient common.Address
	Amount    *big.Int
	Done      bool
	TxHash    string
}

// WagerFilter narrows List queries.
type WagerFilter struct {
	Status WagerStatus
	Party  *common.Address
	Limit  int
	Offset int
}

// Clone returns a deep copy so callers cannot alias stored amounts.
func (w Wager) Clone() Wager {
	out := w
	out.StakeAmount = cloneInt(w.StakeAmount)
	out.Fee = cloneInt(w.Fee)
	out.KeeperReward = cloneInt(w.KeeperReward)
	out.RewardMinted = cloneInt(w.RewardMinted)
	if w.SettledAt != nil {
		t := *w.SettledAt
		out.SettledAt = &t
	}
	if w.Payouts != nil {
		out.Payouts = make([]Payout, len(w.Payouts))
		for i, p := range w.Payouts {
			p.Amount = cloneInt(p.Amount)
			out.Payouts[i] = p
		}
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
