package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/metrics"
)

// SettlementEngine owns payout planning, escrow release and the reward
// token supply. Each terminal transition persists its payout legs first;
// Disburse then delivers them and marks each leg done, so a crash or a
// failed leg is finished later by RetryPending without paying twice.
type SettlementEngine struct {
	wagers  domain.WagerStore
	supply  domain.SupplyStore
	fees    domain.FeeStore
	ledger  domain.TokenLedger
	locks   domain.LockManager
	metrics *metrics.EngineMetrics
	logger  *slog.Logger

	mu     sync.RWMutex
	reward domain.RewardToken
	econ   Economics

	// mintMu serializes mints with their supply bookkeeping. unbooked holds
	// minted amounts the supply store has not accepted yet.
	mintMu   sync.Mutex
	unbooked *big.Int

	// delivered holds tx hashes of legs that went out but could not be
	// marked done. Disburse marks them without delivering again.
	deliveredMu sync.Mutex
	delivered   map[legRef]string
}

type legRef struct {
	wagerID uint64
	leg     int
}

// NewSettlementEngine creates a SettlementEngine. reward may be nil and set
// later with SetRewardToken. locks must be the lock manager the lifecycle
// controller uses so retries never overlap an in-flight settlement.
func NewSettlementEngine(
	wagers domain.WagerStore,
	supply domain.SupplyStore,
	fees domain.FeeStore,
	ledger domain.TokenLedger,
	reward domain.RewardToken,
	locks domain.LockManager,
	econ Economics,
	m *metrics.EngineMetrics,
	logger *slog.Logger,
) *SettlementEngine {
	return &SettlementEngine{
		wagers:    wagers,
		supply:    supply,
		fees:      fees,
		ledger:    ledger,
		reward:    reward,
		locks:     locks,
		econ:      econ,
		metrics:   m,
		logger:    logger.With(slog.String("component", "settlement")),
		unbooked:  new(big.Int),
		delivered: make(map[legRef]string),
	}
}

// SetRewardToken installs the reward token collaborator.
func (s *SettlementEngine) SetRewardToken(rt domain.RewardToken) {
	s.mu.Lock()
	s.reward = rt
	s.mu.Unlock()
}

// RewardToken returns the configured reward token or nil.
func (s *SettlementEngine) RewardToken() domain.RewardToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reward
}

// Economics returns the active fee and reward parameters.
func (s *SettlementEngine) Economics() Economics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.econ
}

// Plan computes the payouts for resolving w. It fails with
// domain.ErrNotConfigured when a mint is required but no reward token is set.
func (s *SettlementEngine) Plan(w domain.Wager, guesserWon bool, keeper *common.Address) (SettlementPlan, error) {
	s.mu.RLock()
	econ, reward := s.econ, s.reward
	s.mu.RUnlock()

	var rewardAddr common.Address
	if reward != nil {
		rewardAddr = reward.Address()
	}
	plan := PlanResolution(w, guesserWon, keeper, rewardAddr, econ)
	if plan.needsMint() && reward == nil {
		return SettlementPlan{}, fmt.Errorf("settlement: reward token: %w", domain.ErrNotConfigured)
	}
	return plan, nil
}

// Preflight checks that escrow can cover every transfer in plan. It runs
// before the transition so an underfunded escrow aborts with no state change.
func (s *SettlementEngine) Preflight(ctx context.Context, asset common.Address, plan SettlementPlan) error {
	need := plan.Outbound()
	if need.Sign() == 0 {
		return nil
	}
	have, err := s.ledger.BalanceOf(ctx, asset, s.ledger.Escrow())
	if err != nil {
		return fmt.Errorf("settlement: escrow balance: %w: %v", domain.ErrTransferFailed, err)
	}
	if have.Cmp(need) < 0 {
		return fmt.Errorf("settlement: escrow holds %s of %s, needs %s: %w",
			have, asset.Hex(), need, domain.ErrTransferFailed)
	}
	return nil
}

// Apply copies plan onto the wager record inside a store transition.
func (p SettlementPlan) Apply(w *domain.Wager, at time.Time) {
	w.Resolution = p.Resolution
	w.GuesserWon = p.GuesserWon
	w.Fee = p.Fee
	w.KeeperReward = p.KeeperReward
	w.Keeper = p.Keeper
	w.RewardMinted = p.RewardMinted
	w.Payouts = p.Payouts
	w.SettledAt = &at
}

// Disburse delivers the pending legs of a resolved wager in order and stops
// at the first failure. Delivered legs are never repeated. Callers must hold
// the wager's lock.
func (s *SettlementEngine) Disburse(ctx context.Context, w domain.Wager) error {
	for _, leg := range w.PendingPayouts() {
		ref := legRef{wagerID: w.ID, leg: leg.Leg}
		txHash, sent := s.takeDelivered(ref)
		if !sent {
			var err error
			txHash, err = s.deliver(ctx, w, leg)
			if err != nil {
				s.metrics.RecordPayoutFailure(string(leg.Kind))
				return fmt.Errorf("settlement: wager %d leg %d (%s to %s): %w: %v",
					w.ID, leg.Leg, leg.Kind, leg.Recipient.Hex(), domain.ErrTransferFailed, err)
			}
		}
		if err := s.wagers.MarkPayoutDone(ctx, w.ID, leg.Leg, txHash); err != nil {
			s.rememberDelivered(ref, txHash)
			s.logger.ErrorContext(ctx, "payout delivered but not recorded",
				slog.Uint64("wager_id", w.ID),
				slog.Int("leg", leg.Leg),
				slog.String("tx", txHash),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("settlement: mark leg %d of wager %d: %w", leg.Leg, w.ID, err)
		}
		s.logger.DebugContext(ctx, "payout delivered",
			slog.Uint64("wager_id", w.ID),
			slog.Int("leg", leg.Leg),
			slog.String("kind", string(leg.Kind)),
			slog.String("recipient", leg.Recipient.Hex()),
			slog.String("amount", leg.Amount.String()),
		)
	}
	return nil
}

func (s *SettlementEngine) takeDelivered(ref legRef) (string, bool) {
	s.deliveredMu.Lock()
	defer s.deliveredMu.Unlock()
	tx, ok := s.delivered[ref]
	delete(s.delivered, ref)
	return tx, ok
}

func (s *SettlementEngine) rememberDelivered(ref legRef, tx string) {
	s.deliveredMu.Lock()
	s.delivered[ref] = tx
	s.deliveredMu.Unlock()
}

func (s *SettlementEngine) deliver(ctx context.Context, w domain.Wager, leg domain.Payout) (string, error) {
	switch leg.Kind {
	case domain.PayoutTransfer:
		return s.ledger.Transfer(ctx, leg.Asset, leg.Recipient, leg.Amount)
	case domain.PayoutMint:
		return s.Mint(ctx, leg.Recipient, leg.Amount)
	case domain.PayoutFee:
		// Crediting the same wager twice is a no-op in every FeeStore.
		return "", s.fees.Credit(ctx, domain.FeeEntry{
			WagerID: w.ID,
			Asset:   leg.Asset,
			Amount:  new(big.Int).Set(leg.Amount),
			Status:  domain.FeePending,
		})
	default:
		return "", fmt.Errorf("unknown payout kind %q", leg.Kind)
	}
}

// Mint creates reward tokens and advances the tracked supply by the same
// amount. It is the only path that changes the supply. Once the token has
// minted the call succeeds; a supply store failure is kept and booked on
// the next mint or retry sweep.
func (s *SettlementEngine) Mint(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	rt := s.RewardToken()
	if rt == nil {
		return "", fmt.Errorf("settlement: mint: %w", domain.ErrNotConfigured)
	}
	s.mintMu.Lock()
	defer s.mintMu.Unlock()

	tx, err := rt.Mint(ctx, to, amount)
	if err != nil {
		return "", fmt.Errorf("settlement: mint: %w", err)
	}
	s.unbooked.Add(s.unbooked, amount)
	s.bookSupplyLocked(ctx)
	return tx, nil
}

// bookSupplyLocked moves unbooked mints into the supply store. mintMu must
// be held.
func (s *SettlementEngine) bookSupplyLocked(ctx context.Context) {
	if s.unbooked.Sign() == 0 {
		return
	}
	if _, err := s.supply.AddSupply(ctx, new(big.Int).Set(s.unbooked)); err != nil {
		s.logger.ErrorContext(ctx, "minted supply not recorded",
			slog.String("unbooked", s.unbooked.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.unbooked = new(big.Int)
}

// CurrentSupply returns the running total of minted reward tokens,
// including mints still waiting to be booked.
func (s *SettlementEngine) CurrentSupply(ctx context.Context) (*big.Int, error) {
	booked, err := s.supply.Supply(ctx)
	if err != nil {
		return nil, err
	}
	s.mintMu.Lock()
	defer s.mintMu.Unlock()
	return new(big.Int).Add(booked, s.unbooked), nil
}

// RetryPending re-delivers undelivered legs for up to limit wagers. Each
// wager is retried under its lock and re-read while held; wagers locked by
// an operation in flight are left for the next sweep.
func (s *SettlementEngine) RetryPending(ctx context.Context, limit int) (int, error) {
	s.mintMu.Lock()
	s.bookSupplyLocked(ctx)
	s.mintMu.Unlock()

	pending, err := s.wagers.ListPendingPayouts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("settlement: list pending payouts: %w", err)
	}
	done := 0
	for _, candidate := range pending {
		ok, err := s.retryWager(ctx, candidate.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "payout retry failed",
				slog.Uint64("wager_id", candidate.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			done++
		}
	}
	return done, nil
}

func (s *SettlementEngine) retryWager(ctx context.Context, id uint64) (bool, error) {
	unlock, err := s.locks.Acquire(ctx, wagerLockKey(id), retryLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement: lock wager %d: %w", id, err)
	}
	defer unlock()

	w, err := s.wagers.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("settlement: reload wager %d: %w", id, err)
	}
	if len(w.PendingPayouts()) == 0 {
		return false, nil
	}
	if err := s.Disburse(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

// Run retries pending payouts every interval until ctx is done.
func (s *SettlementEngine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.RetryPending(ctx, 100)
			if err != nil {
				s.logger.ErrorContext(ctx, "payout retry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "payout retry sweep completed", slog.Int("wagers", n))
			}
		}
	}
}
