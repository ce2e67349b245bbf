package handler

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xrin1/flippening/internal/domain"
)

// displayDecimals is the precision used for human-readable amounts.
const displayDecimals = 18

// Amount is an integer amount of base units with a decimal rendering.
type Amount struct {
	Units   string `json:"units"`
	Display string `json:"display"`
}

func newAmount(v *big.Int) *Amount {
	if v == nil {
		return nil
	}
	return &Amount{
		Units:   v.String(),
		Display: decimal.NewFromBigInt(v, -displayDecimals).String(),
	}
}

// WagerView is the API representation of a wager.
type WagerView struct {
	ID           uint64       `json:"id"`
	Creator      string       `json:"creator"`
	Guesser      string       `json:"guesser,omitempty"`
	StakeAsset   string       `json:"stake_asset"`
	Stake        *Amount      `json:"stake"`
	Commitment   string       `json:"commitment"`
	RawGuess     string       `json:"raw_guess,omitempty"`
	Guess        *bool        `json:"guess,omitempty"`
	Status       string       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	GraceEndsAt  time.Time    `json:"grace_ends_at"`
	Resolution   string       `json:"resolution,omitempty"`
	GuesserWon   *bool        `json:"guesser_won,omitempty"`
	Fee          *Amount      `json:"fee,omitempty"`
	KeeperReward *Amount      `json:"keeper_reward,omitempty"`
	Keeper       string       `json:"keeper,omitempty"`
	RewardMinted *Amount      `json:"reward_minted,omitempty"`
	Payouts      []PayoutView `json:"payouts,omitempty"`
	SettledAt    *time.Time   `json:"settled_at,omitempty"`
}

// PayoutView is one settlement leg.
type PayoutView struct {
	Leg       int     `json:"leg"`
	Kind      string  `json:"kind"`
	Asset     string  `json:"asset"`
	Recipient string  `json:"recipient"`
	Amount    *Amount `json:"amount"`
	Done      bool    `json:"done"`
	TxHash    string  `json:"tx_hash,omitempty"`
}

func newWagerView(w domain.Wager) WagerView {
	v := WagerView{
		ID:          w.ID,
		Creator:     w.Creator.Hex(),
		StakeAsset:  w.StakeAsset.Hex(),
		Stake:       newAmount(w.StakeAmount),
		Commitment:  w.Commitment.Hex(),
		Status:      string(w.Status),
		CreatedAt:   w.CreatedAt,
		ExpiresAt:   w.ExpiresAt,
		GraceEndsAt: w.GraceEndsAt,
	}
	if w.Guessed() {
		guess := w.Guess
		v.Guesser = w.Guesser.Hex()
		v.RawGuess = w.RawGuess
		v.Guess = &guess
	}
	if w.Status.Terminal() {
		won := w.GuesserWon
		v.Resolution = string(w.Resolution)
		v.GuesserWon = &won
		v.Fee = newAmount(w.Fee)
		v.KeeperReward = newAmount(w.KeeperReward)
		v.RewardMinted = newAmount(w.RewardMinted)
		v.SettledAt = w.SettledAt
		if w.Resolution == domain.ResolvedByExpiry {
			v.Keeper = w.Keeper.Hex()
		}
		for _, p := range w.Payouts {
			v.Payouts = append(v.Payouts, PayoutView{
				Leg:       p.Leg,
				Kind:      string(p.Kind),
				Asset:     p.Asset.Hex(),
				Recipient: p.Recipient.Hex(),
				Amount:    newAmount(p.Amount),
				Done:      p.Done,
				TxHash:    p.TxHash,
			})
		}
	}
	return v
}

func newWagerViews(ws []domain.Wager) []WagerView {
	out := make([]WagerView, 0, len(ws))
	for _, w := range ws {
		out = append(out, newWagerView(w))
	}
	return out
}

// FeeView is the API representation of a fee entry.
type FeeView struct {
	WagerID       uint64    `json:"wager_id"`
	Asset         string    `json:"asset"`
	Amount        *Amount   `json:"amount"`
	Status        string    `json:"status"`
	ReserveAmount *Amount   `json:"reserve_amount,omitempty"`
	Liquidity     *Amount   `json:"liquidity,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newFeeView(f domain.FeeEntry) FeeView {
	return FeeView{
		WagerID:       f.WagerID,
		Asset:         f.Asset.Hex(),
		Amount:        newAmount(f.Amount),
		Status:        string(f.Status),
		ReserveAmount: newAmount(f.ReserveAmount),
		Liquidity:     newAmount(f.Liquidity),
		Attempts:      f.Attempts,
		LastError:     f.LastError,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}
