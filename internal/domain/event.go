package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a wager event.
type EventKind string

const (
	EventCreated   EventKind = "Created"
	EventGuess     EventKind = "Guess"
	EventSettled   EventKind = "Settled"
	EventReward    EventKind = "Reward"
	EventCancelled EventKind = "Cancelled"
	// EventLiquidity is emitted by the fee processor, not the lifecycle.
	EventLiquidity EventKind = "Liquidity"
)

// Event is an observable record of a lifecycle step. Fields not meaningful
// for a kind are left zero.
type Event struct {
	Kind    EventKind
	WagerID uint64
	Creator common.Address
	Guesser common.Address
	Asset   common.Address
	Amount  *big.Int

	// Guess
	RawChoice        string
	NormalizedChoice bool

	// Settled: false when the guesser matched the revealed outcome.
	CreatorRetainedStake bool

	// Liquidity
	Error string

	At time.Time
}

// EventSink receives lifecycle events after the transition that produced
// them has committed.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
