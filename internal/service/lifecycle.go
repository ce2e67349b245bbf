package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/metrics"
)

// FeeQueue schedules processing of a settled wager's fee without waiting
// for it.
type FeeQueue interface {
	Enqueue(wagerID uint64)
}

// retryLockTTL bounds how long a payout retry may hold a wager lock.
const retryLockTTL = 30 * time.Second

func wagerLockKey(id uint64) string {
	return "wager:" + strconv.FormatUint(id, 10)
}

// ControllerConfig holds the lifecycle timing parameters.
type ControllerConfig struct {
	ExpirationWindow time.Duration
	GraceWindow      time.Duration
	LockTTL          time.Duration
	// LockWait bounds how long an operation waits for a busy wager.
	LockWait time.Duration
}

// Controller drives wagers through create, guess, settle, expire and
// cancel. Every mutation of a wager runs under that wager's lock, and every
// guard is checked before state or funds move.
type Controller struct {
	wagers     domain.WagerStore
	ledger     domain.TokenLedger
	settlement *SettlementEngine
	fees       FeeQueue
	locks      domain.LockManager
	events     domain.EventSink
	metrics    *metrics.EngineMetrics
	cfg        ControllerConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewController creates a Controller. fees and events may be nil.
func NewController(
	wagers domain.WagerStore,
	ledger domain.TokenLedger,
	settlement *SettlementEngine,
	fees FeeQueue,
	locks domain.LockManager,
	events domain.EventSink,
	m *metrics.EngineMetrics,
	cfg ControllerConfig,
	logger *slog.Logger,
) *Controller {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if events == nil {
		events = nopSink{}
	}
	return &Controller{
		wagers:     wagers,
		ledger:     ledger,
		settlement: settlement,
		fees:       fees,
		locks:      locks,
		events:     events,
		metrics:    m,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "lifecycle")),
	}
}

// WithClock replaces the wall clock used for wager timestamps.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Create escrows amount of asset from creator and records a new wager
// committed to digest.
func (c *Controller) Create(ctx context.Context, creator common.Address, digest commitment.Commitment, asset common.Address, amount *big.Int) (domain.Wager, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Wager{}, fmt.Errorf("lifecycle: create: stake must be positive: %w", domain.ErrInvalidWager)
	}
	if asset == (common.Address{}) {
		return domain.Wager{}, fmt.Errorf("lifecycle: create: stake asset required: %w", domain.ErrInvalidWager)
	}
	// Escrowed reward tokens would be counted as liquidity inventory.
	if rt := c.settlement.RewardToken(); rt != nil && rt.Address() == asset {
		c.metrics.RecordRejection("create", "asset")
		return domain.Wager{}, fmt.Errorf("lifecycle: create: reward token %s cannot be staked: %w",
			asset.Hex(), domain.ErrInvalidWager)
	}

	if _, err := c.ledger.TransferFrom(ctx, asset, creator, amount); err != nil {
		c.metrics.RecordRejection("create", "transfer")
		return domain.Wager{}, fmt.Errorf("lifecycle: create: escrow stake: %w: %v", domain.ErrTransferFailed, err)
	}

	now := c.now()
	expires := now.Add(c.cfg.ExpirationWindow)
	w, err := c.wagers.Append(ctx, domain.Wager{
		Creator:     creator,
		StakeAsset:  asset,
		StakeAmount: new(big.Int).Set(amount),
		Commitment:  digest.Hash(),
		Status:      domain.WagerCreated,
		CreatedAt:   now,
		ExpiresAt:   expires,
		GraceEndsAt: expires.Add(c.cfg.GraceWindow),
	})
	if err != nil {
		if _, rerr := c.ledger.Transfer(ctx, asset, creator, amount); rerr != nil {
			c.logger.ErrorContext(ctx, "refund after failed append also failed",
				slog.String("creator", creator.Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", rerr.Error()),
			)
		}
		return domain.Wager{}, fmt.Errorf("lifecycle: create: %w", err)
	}

	c.metrics.RecordCreated(asset.Hex(), amount)
	c.events.Emit(ctx, domain.Event{
		Kind:    domain.EventCreated,
		WagerID: w.ID,
		Creator: creator,
		Asset:   asset,
		Amount:  new(big.Int).Set(amount),
		At:      now,
	})
	c.logger.InfoContext(ctx, "wager created",
		slog.Uint64("wager_id", w.ID),
		slog.String("creator", creator.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("stake", amount.String()),
	)
	return w, nil
}

// Guess records guesser's choice on an open wager.
func (c *Controller) Guess(ctx context.Context, id uint64, guesser common.Address, choice string) (domain.Wager, error) {
	unlock, err := c.lockWager(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	defer unlock()

	w, err := c.wagers.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: guess: %w", err)
	}
	if err := domain.TransitionError(w.Status, domain.WagerGuessed); err != nil {
		c.metrics.RecordRejection("guess", "status")
		return domain.Wager{}, fmt.Errorf("lifecycle: guess wager %d: %w", id, err)
	}
	now := c.now()
	if !now.Before(w.ExpiresAt) {
		c.metrics.RecordRejection("guess", "expired")
		return domain.Wager{}, fmt.Errorf("lifecycle: guess wager %d: %w", id, domain.ErrExpirationPassed)
	}

	normalized := commitment.ParseChoice(choice)
	w, err = c.wagers.Transition(ctx, id, domain.WagerGuessed, func(x *domain.Wager) error {
		x.Guesser = guesser
		x.RawGuess = choice
		x.Guess = normalized
		return nil
	})
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: guess wager %d: %w", id, err)
	}

	c.metrics.RecordGuess()
	c.events.Emit(ctx, domain.Event{
		Kind:             domain.EventGuess,
		WagerID:          id,
		Guesser:          guesser,
		RawChoice:        choice,
		NormalizedChoice: normalized,
		At:               now,
	})
	c.logger.InfoContext(ctx, "guess recorded",
		slog.Uint64("wager_id", id),
		slog.String("guesser", guesser.Hex()),
		slog.Bool("choice", normalized),
	)
	return w, nil
}

// Settle reveals the creator's secret and pays the winner. It is allowed
// at any time before the wager reaches a terminal state.
func (c *Controller) Settle(ctx context.Context, id uint64, caller common.Address, secret string) (domain.Wager, error) {
	unlock, err := c.lockWager(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	defer unlock()

	w, err := c.wagers.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: settle: %w", err)
	}
	if err := domain.TransitionError(w.Status, domain.WagerSettled); err != nil {
		c.metrics.RecordRejection("settle", "status")
		return domain.Wager{}, fmt.Errorf("lifecycle: settle wager %d: %w", id, err)
	}
	outcome, err := commitment.Reveal(secret).Open(commitment.Commitment(w.Commitment))
	if err != nil {
		c.metrics.RecordRejection("settle", "secret")
		return domain.Wager{}, fmt.Errorf("lifecycle: settle wager %d: %w", id, err)
	}

	guesserWon := w.Guess == outcome
	plan, err := c.settlement.Plan(w, guesserWon, nil)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: settle wager %d: %w", id, err)
	}
	settled, err := c.resolve(ctx, w, domain.WagerSettled, plan)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: settle wager %d: %w", id, err)
	}

	c.events.Emit(ctx, domain.Event{
		Kind:                 domain.EventSettled,
		WagerID:              id,
		Creator:              w.Creator,
		CreatorRetainedStake: !guesserWon,
		At:                   c.now(),
	})
	c.logger.InfoContext(ctx, "wager settled",
		slog.Uint64("wager_id", id),
		slog.String("caller", caller.Hex()),
		slog.Bool("guesser_won", guesserWon),
		slog.String("reward_minted", plan.RewardMinted.String()),
	)
	return settled, nil
}

// Expire resolves a wager whose creator never revealed. The guesser is
// deemed the winner and keeper earns the keeper reward.
func (c *Controller) Expire(ctx context.Context, id uint64, keeper common.Address) (domain.Wager, error) {
	unlock, err := c.lockWager(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	defer unlock()

	w, err := c.wagers.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: expire: %w", err)
	}
	if err := domain.TransitionError(w.Status, domain.WagerSettled); err != nil {
		c.metrics.RecordRejection("expire", "status")
		return domain.Wager{}, fmt.Errorf("lifecycle: expire wager %d: %w", id, err)
	}
	if c.now().Before(w.GraceEndsAt) {
		c.metrics.RecordRejection("expire", "grace")
		return domain.Wager{}, fmt.Errorf("lifecycle: expire wager %d: %w", id, domain.ErrGracePeriodNotElapsed)
	}

	plan, err := c.settlement.Plan(w, true, &keeper)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: expire wager %d: %w", id, err)
	}
	settled, err := c.resolve(ctx, w, domain.WagerSettled, plan)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: expire wager %d: %w", id, err)
	}

	now := c.now()
	c.events.Emit(ctx, domain.Event{
		Kind:                 domain.EventSettled,
		WagerID:              id,
		Creator:              w.Creator,
		CreatorRetainedStake: false,
		At:                   now,
	})
	c.events.Emit(ctx, domain.Event{
		Kind:    domain.EventReward,
		WagerID: id,
		Guesser: keeper,
		Asset:   w.StakeAsset,
		Amount:  new(big.Int).Set(plan.KeeperReward),
		At:      now,
	})
	c.logger.InfoContext(ctx, "wager expired",
		slog.Uint64("wager_id", id),
		slog.String("keeper", keeper.Hex()),
		slog.String("keeper_reward", plan.KeeperReward.String()),
	)
	return settled, nil
}

// Cancel refunds an unguessed wager to its creator, who must prove
// ownership of the commitment.
func (c *Controller) Cancel(ctx context.Context, id uint64, caller common.Address, secret string, asset common.Address) (domain.Wager, error) {
	unlock, err := c.lockWager(ctx, id)
	if err != nil {
		return domain.Wager{}, err
	}
	defer unlock()

	w, err := c.wagers.Get(ctx, id)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel: %w", err)
	}
	if caller != w.Creator {
		c.metrics.RecordRejection("cancel", "unauthorized")
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel wager %d: %w", id, domain.ErrUnauthorized)
	}
	if err := domain.TransitionError(w.Status, domain.WagerCancelled); err != nil {
		c.metrics.RecordRejection("cancel", "status")
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel wager %d: %w", id, err)
	}
	if _, err := commitment.Reveal(secret).Open(commitment.Commitment(w.Commitment)); err != nil {
		c.metrics.RecordRejection("cancel", "secret")
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel wager %d: %w", id, err)
	}
	if asset != w.StakeAsset {
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel wager %d: asset %s is not the stake asset: %w",
			id, asset.Hex(), domain.ErrInvalidWager)
	}

	cancelled, err := c.resolve(ctx, w, domain.WagerCancelled, PlanRefund(w))
	if err != nil {
		return domain.Wager{}, fmt.Errorf("lifecycle: cancel wager %d: %w", id, err)
	}

	c.events.Emit(ctx, domain.Event{
		Kind:    domain.EventCancelled,
		WagerID: id,
		Creator: w.Creator,
		At:      c.now(),
	})
	c.logger.InfoContext(ctx, "wager cancelled", slog.Uint64("wager_id", id))
	return cancelled, nil
}

// Get returns one wager.
func (c *Controller) Get(ctx context.Context, id uint64) (domain.Wager, error) {
	return c.wagers.Get(ctx, id)
}

// List returns wagers matching filter.
func (c *Controller) List(ctx context.Context, filter domain.WagerFilter) ([]domain.Wager, error) {
	return c.wagers.List(ctx, filter)
}

// Count returns the number of wagers ever created.
func (c *Controller) Count(ctx context.Context) (uint64, error) {
	return c.wagers.Count(ctx)
}

// resolve commits a terminal transition and releases funds. Preflight runs
// first so an underfunded escrow leaves the wager untouched. Once the
// transition commits, delivery failures, the fee booking included, are left
// to the retry loop and do not fail the call.
func (c *Controller) resolve(ctx context.Context, w domain.Wager, to domain.WagerStatus, plan SettlementPlan) (domain.Wager, error) {
	if err := c.settlement.Preflight(ctx, w.StakeAsset, plan); err != nil {
		return domain.Wager{}, err
	}

	at := c.now()
	resolved, err := c.wagers.Transition(ctx, w.ID, to, func(x *domain.Wager) error {
		plan.Apply(x, at)
		return nil
	})
	if err != nil {
		return domain.Wager{}, err
	}

	winner := "creator"
	if plan.GuesserWon {
		winner = "guesser"
	}
	c.metrics.RecordSettlement(string(w.Status), string(plan.Resolution), winner,
		w.StakeAsset.Hex(), plan.Fee, plan.KeeperReward, plan.RewardMinted)

	if err := c.settlement.Disburse(ctx, resolved); err != nil {
		c.logger.WarnContext(ctx, "payout deferred to retry",
			slog.Uint64("wager_id", w.ID),
			slog.String("error", err.Error()),
		)
	}
	if latest, err := c.wagers.Get(ctx, w.ID); err == nil {
		resolved = latest
	}

	if plan.Fee.Sign() > 0 && c.fees != nil {
		c.fees.Enqueue(w.ID)
	}
	return resolved, nil
}

// lockWager takes the per-wager lock, retrying with backoff while another
// operation holds it.
func (c *Controller) lockWager(ctx context.Context, id uint64) (func(), error) {
	key := wagerLockKey(id)
	deadline := time.Now().Add(c.cfg.LockWait)
	backoff := 2 * time.Millisecond
	for {
		unlock, err := c.locks.Acquire(ctx, key, c.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || time.Now().After(deadline) {
			return nil, fmt.Errorf("lifecycle: lock wager %d: %w", id, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, domain.Event) {}
