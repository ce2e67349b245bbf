package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WagerStore is the append-only, index-addressed wager table. Records are
// never deleted; status only advances through Transition.
type WagerStore interface {
	// Append assigns the next dense id (starting at zero) and persists w.
	Append(ctx context.Context, w Wager) (Wager, error)
	Get(ctx context.Context, id uint64) (Wager, error)
	// Transition atomically moves wager id to status to after mutate has run
	// against the current record. A non-nil error from mutate aborts with no
	// change. Illegal moves fail with the matching lifecycle error.
	Transition(ctx context.Context, id uint64, to WagerStatus, mutate func(*Wager) error) (Wager, error)
	MarkPayoutDone(ctx context.Context, id uint64, leg int, txHash string) error
	List(ctx context.Context, filter WagerFilter) ([]Wager, error)
	// ListExpirable returns guessed wagers whose grace window ended at or
	// before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Wager, error)
	ListPendingPayouts(ctx context.Context, limit int) ([]Wager, error)
	ListResolved(ctx context.Context, opts ListOpts) ([]Wager, error)
	Count(ctx context.Context) (uint64, error)
}

// FeeStore persists per-wager protocol fees awaiting conversion.
type FeeStore interface {
	// Credit records a fee for a wager. Crediting the same wager twice is a
	// no-op.
	Credit(ctx context.Context, entry FeeEntry) error
	Get(ctx context.Context, wagerID uint64) (FeeEntry, error)
	Update(ctx context.Context, entry FeeEntry) error
	ListUnprocessed(ctx context.Context, limit int) ([]FeeEntry, error)
	// Accumulated sums the unconverted fee balance held for asset.
	Accumulated(ctx context.Context, asset common.Address) (*big.Int, error)
}

// SupplyStore tracks the running total of reward tokens minted by the engine.
type SupplyStore interface {
	AddSupply(ctx context.Context, delta *big.Int) (*big.Int, error)
	Supply(ctx context.Context) (*big.Int, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
