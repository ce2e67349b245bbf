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
	"golang.org/x/time/rate"

	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/ledger"
	"github.com/0xrin1/flippening/internal/metrics"
)

// LiquidityConfig holds the fee conversion parameters.
type LiquidityConfig struct {
	ReserveAsset   common.Address
	MaxSlippageBps int64
	Deadline       time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	QueueSize      int
	// RateLimit caps AMM calls per second; zero disables throttling.
	RateLimit float64
}

// LiquidityManager turns settled-wager fees into reserve-asset liquidity
// paired with the reward token. All AMM work is serialized; failures leave
// the fee entry where it was so the next attempt resumes from the same step.
type LiquidityManager struct {
	fees       domain.FeeStore
	ledger     domain.TokenLedger
	settlement *SettlementEngine
	events     domain.EventSink
	metrics    *metrics.EngineMetrics
	limiter    *rate.Limiter
	cfg        LiquidityConfig
	now        func() time.Time
	logger     *slog.Logger

	mu         sync.RWMutex
	reserve    common.Address
	router     domain.AMMRouter
	factory    domain.AMMFactory
	knownPairs map[[2]common.Address]common.Address

	opMu  sync.Mutex
	queue chan uint64
}

// NewLiquidityManager creates a LiquidityManager. router and factory may be
// nil until configured through the setters.
func NewLiquidityManager(
	fees domain.FeeStore,
	tokens domain.TokenLedger,
	settlement *SettlementEngine,
	router domain.AMMRouter,
	factory domain.AMMFactory,
	events domain.EventSink,
	m *metrics.EngineMetrics,
	cfg LiquidityConfig,
	logger *slog.Logger,
) *LiquidityManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if events == nil {
		events = nopSink{}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &LiquidityManager{
		fees:       fees,
		ledger:     tokens,
		settlement: settlement,
		events:     events,
		metrics:    m,
		limiter:    limiter,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "liquidity")),
		reserve:    cfg.ReserveAsset,
		router:     router,
		factory:    factory,
		knownPairs: make(map[[2]common.Address]common.Address),
		queue:      make(chan uint64, cfg.QueueSize),
	}
}

// WithClock replaces the clock used for swap deadlines.
func (l *LiquidityManager) WithClock(now func() time.Time) *LiquidityManager {
	l.now = now
	return l
}

// SetRouter replaces the AMM router.
func (l *LiquidityManager) SetRouter(r domain.AMMRouter) {
	l.mu.Lock()
	l.router = r
	l.mu.Unlock()
}

// SetFactory replaces the AMM factory and forgets every cached pair.
func (l *LiquidityManager) SetFactory(f domain.AMMFactory) {
	l.mu.Lock()
	l.factory = f
	l.knownPairs = make(map[[2]common.Address]common.Address)
	l.mu.Unlock()
}

// SetReserveAsset replaces the asset fees are converted into.
func (l *LiquidityManager) SetReserveAsset(asset common.Address) {
	l.mu.Lock()
	l.reserve = asset
	l.mu.Unlock()
}

// ReserveAsset returns the configured reserve asset.
func (l *LiquidityManager) ReserveAsset() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reserve
}

// KnownPairs returns the cached pool addresses.
func (l *LiquidityManager) KnownPairs() []domain.Pair {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Pair, 0, len(l.knownPairs))
	for k, addr := range l.knownPairs {
		out = append(out, domain.Pair{Token0: k[0], Token1: k[1], Address: addr})
	}
	return out
}

// Accumulated returns the fee balance of asset not yet converted.
func (l *LiquidityManager) Accumulated(ctx context.Context, asset common.Address) (*big.Int, error) {
	return l.fees.Accumulated(ctx, asset)
}

// Fee returns the fee entry of one wager.
func (l *LiquidityManager) Fee(ctx context.Context, wagerID uint64) (domain.FeeEntry, error) {
	return l.fees.Get(ctx, wagerID)
}

// Pending lists fee entries still awaiting processing.
func (l *LiquidityManager) Pending(ctx context.Context, limit int) ([]domain.FeeEntry, error) {
	return l.fees.ListUnprocessed(ctx, limit)
}

func (l *LiquidityManager) collaborators() (common.Address, domain.AMMRouter, domain.AMMFactory, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.router == nil || l.factory == nil || l.reserve == (common.Address{}) {
		return common.Address{}, nil, nil, fmt.Errorf("liquidity: router, factory and reserve asset: %w", domain.ErrNotConfigured)
	}
	return l.reserve, l.router, l.factory, nil
}

// EnsurePair returns the pool for tokenA/tokenB, creating it on first use.
func (l *LiquidityManager) EnsurePair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	_, _, factory, err := l.collaborators()
	if err != nil {
		return common.Address{}, err
	}
	t0, t1 := ledger.SortTokens(tokenA, tokenB)
	key := [2]common.Address{t0, t1}

	l.mu.RLock()
	addr, ok := l.knownPairs[key]
	l.mu.RUnlock()
	if ok {
		return addr, nil
	}

	start := time.Now()
	addr, err = factory.GetPair(ctx, t0, t1)
	if err == nil && addr == (common.Address{}) {
		addr, err = factory.CreatePair(ctx, t0, t1)
	}
	l.metrics.RecordLiquidity("pair", err == nil, time.Since(start).Seconds())
	if err != nil {
		return common.Address{}, fmt.Errorf("liquidity: pair %s/%s: %w: %v", t0.Hex(), t1.Hex(), domain.ErrLiquidityOperationFailed, err)
	}

	l.mu.Lock()
	l.knownPairs[key] = addr
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "pair resolved",
		slog.String("token0", t0.Hex()),
		slog.String("token1", t1.Hex()),
		slog.String("pair", addr.Hex()),
	)
	return addr, nil
}

// ConvertToReserve swaps amount of asset held in escrow into the reserve
// asset and returns the amount received.
func (l *LiquidityManager) ConvertToReserve(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	reserve, router, _, err := l.collaborators()
	if err != nil {
		return nil, err
	}
	if asset == reserve {
		return new(big.Int).Set(amount), nil
	}
	if _, err := l.EnsurePair(ctx, asset, reserve); err != nil {
		return nil, err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("liquidity: convert: %w", err)
	}

	start := time.Now()
	path := []common.Address{asset, reserve}
	quote, err := router.GetAmountsOut(ctx, amount, path)
	if err != nil {
		l.metrics.RecordLiquidity("swap", false, time.Since(start).Seconds())
		return nil, fmt.Errorf("liquidity: quote %s: %w: %v", asset.Hex(), domain.ErrLiquidityOperationFailed, err)
	}
	minOut := l.withSlippage(quote[len(quote)-1])
	amounts, err := router.SwapExactTokensForTokens(ctx, amount, minOut, path, l.ledger.Escrow(), l.now().Add(l.cfg.Deadline))
	l.metrics.RecordLiquidity("swap", err == nil, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("liquidity: swap %s: %w: %v", asset.Hex(), domain.ErrLiquidityOperationFailed, err)
	}
	out := amounts[len(amounts)-1]
	l.logger.InfoContext(ctx, "fee converted",
		slog.String("asset", asset.Hex()),
		slog.String("amount_in", amount.String()),
		slog.String("amount_out", out.String()),
	)
	return out, nil
}

// ProvideLiquidity deposits amount of the reserve asset from escrow into the
// reserve/reward-token pool together with a matching amount of reward
// tokens. Reward tokens are minted only for the part escrow does not hold,
// so a retried deposit does not mint twice.
func (l *LiquidityManager) ProvideLiquidity(ctx context.Context, amount *big.Int) (domain.LiquidityReceipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: provide: amount must be positive: %w", domain.ErrInvalidWager)
	}
	reserve, router, _, err := l.collaborators()
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}
	rt := l.settlement.RewardToken()
	if rt == nil {
		return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: provide: reward token: %w", domain.ErrNotConfigured)
	}
	rewardAddr := rt.Address()

	pair, err := l.EnsurePair(ctx, reserve, rewardAddr)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}
	want, err := l.matchingReward(ctx, pair, reserve, rewardAddr, amount)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}

	escrow := l.ledger.Escrow()
	held, err := l.ledger.BalanceOf(ctx, rewardAddr, escrow)
	if err != nil {
		return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: provide: %w: %v", domain.ErrLiquidityOperationFailed, err)
	}
	if held.Cmp(want) < 0 {
		if _, err := l.settlement.Mint(ctx, escrow, new(big.Int).Sub(want, held)); err != nil {
			return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: provide: %w: %v", domain.ErrLiquidityOperationFailed, err)
		}
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: provide: %w", err)
	}
	start := time.Now()
	receipt, err := router.AddLiquidity(ctx, domain.AddLiquidityParams{
		TokenA:         reserve,
		TokenB:         rewardAddr,
		AmountADesired: amount,
		AmountBDesired: want,
		AmountAMin:     l.withSlippage(amount),
		AmountBMin:     l.withSlippage(want),
		To:             escrow,
		Deadline:       l.now().Add(l.cfg.Deadline),
	})
	l.metrics.RecordLiquidity("add_liquidity", err == nil, time.Since(start).Seconds())
	if err != nil {
		return domain.LiquidityReceipt{}, fmt.Errorf("liquidity: add: %w: %v", domain.ErrLiquidityOperationFailed, err)
	}
	l.logger.InfoContext(ctx, "liquidity provided",
		slog.String("pair", receipt.Pair.Address.Hex()),
		slog.String("reserve", receipt.AmountA.String()),
		slog.String("reward", receipt.AmountB.String()),
		slog.String("lp", receipt.Liquidity.String()),
	)
	return receipt, nil
}

// matchingReward sizes the reward-token side of a deposit at the pool
// price, or one-for-one into an empty pool.
func (l *LiquidityManager) matchingReward(ctx context.Context, pair, reserve, reward common.Address, amount *big.Int) (*big.Int, error) {
	resReserve, err := l.ledger.BalanceOf(ctx, reserve, pair)
	if err != nil {
		return nil, fmt.Errorf("liquidity: reserves: %w: %v", domain.ErrLiquidityOperationFailed, err)
	}
	resReward, err := l.ledger.BalanceOf(ctx, reward, pair)
	if err != nil {
		return nil, fmt.Errorf("liquidity: reserves: %w: %v", domain.ErrLiquidityOperationFailed, err)
	}
	if resReserve.Sign() == 0 || resReward.Sign() == 0 {
		return new(big.Int).Set(amount), nil
	}
	want := new(big.Int).Mul(amount, resReward)
	return want.Quo(want, resReserve), nil
}

func (l *LiquidityManager) withSlippage(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bpsDenominator-l.cfg.MaxSlippageBps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// ProcessFees converts one wager's fee to the reserve asset and deposits it
// as liquidity. Each completed step is persisted, and a drained entry is
// returned unchanged.
func (l *LiquidityManager) ProcessFees(ctx context.Context, wagerID uint64) (domain.FeeEntry, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	entry, err := l.fees.Get(ctx, wagerID)
	if err != nil {
		return domain.FeeEntry{}, fmt.Errorf("liquidity: process wager %d: %w", wagerID, err)
	}
	if entry.Drained() {
		return entry, nil
	}

	if entry.Status == domain.FeePending {
		out, err := l.ConvertToReserve(ctx, entry.Asset, entry.Amount)
		if err != nil {
			return l.fail(ctx, entry, err)
		}
		entry.Status = domain.FeeConverted
		entry.ReserveAmount = out
		entry.LastError = ""
		if err := l.fees.Update(ctx, entry); err != nil {
			return entry, fmt.Errorf("liquidity: process wager %d: %w", wagerID, err)
		}
	}

	receipt, err := l.ProvideLiquidity(ctx, entry.ReserveAmount)
	if err != nil {
		return l.fail(ctx, entry, err)
	}
	entry.Status = domain.FeeProvided
	entry.Liquidity = receipt.Liquidity
	entry.LastError = ""
	if err := l.fees.Update(ctx, entry); err != nil {
		return entry, fmt.Errorf("liquidity: process wager %d: %w", wagerID, err)
	}
	l.events.Emit(ctx, domain.Event{
		Kind:    domain.EventLiquidity,
		WagerID: wagerID,
		Asset:   receipt.Pair.Address,
		Amount:  receipt.Liquidity,
		At:      time.Now().UTC(),
	})
	return entry, nil
}

func (l *LiquidityManager) fail(ctx context.Context, entry domain.FeeEntry, cause error) (domain.FeeEntry, error) {
	entry.Attempts++
	entry.LastError = cause.Error()
	if err := l.fees.Update(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "fee entry update failed",
			slog.Uint64("wager_id", entry.WagerID),
			slog.String("error", err.Error()),
		)
	}
	l.events.Emit(ctx, domain.Event{
		Kind:    domain.EventLiquidity,
		WagerID: entry.WagerID,
		Asset:   entry.Asset,
		Amount:  entry.Amount,
		Error:   cause.Error(),
		At:      time.Now().UTC(),
	})
	return entry, fmt.Errorf("liquidity: process wager %d: %w", entry.WagerID, cause)
}

// Enqueue schedules fee processing. A full queue drops the request; the
// periodic sweep picks the entry up later.
func (l *LiquidityManager) Enqueue(wagerID uint64) {
	select {
	case l.queue <- wagerID:
	default:
		l.logger.Warn("fee queue full, deferring to sweep", slog.Uint64("wager_id", wagerID))
	}
}

// Sweep processes up to the configured batch of unprocessed fees.
func (l *LiquidityManager) Sweep(ctx context.Context) (int, error) {
	entries, err := l.fees.ListUnprocessed(ctx, l.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("liquidity: sweep: %w", err)
	}
	done := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := l.ProcessFees(ctx, e.WagerID); err != nil {
			if errors.Is(err, domain.ErrNotConfigured) {
				return done, err
			}
			continue
		}
		done++
	}
	return done, nil
}

// Run processes queued fees as they arrive and sweeps for stragglers every
// SweepInterval until ctx is done.
func (l *LiquidityManager) Run(ctx context.Context) error {
	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.InfoContext(ctx, "fee worker started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-l.queue:
			if _, err := l.ProcessFees(ctx, id); err != nil {
				l.logger.WarnContext(ctx, "fee processing failed",
					slog.Uint64("wager_id", id),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				l.logger.WarnContext(ctx, "fee sweep stopped", slog.String("error", err.Error()))
			}
			if n > 0 {
				l.logger.InfoContext(ctx, "fee sweep completed", slog.Int("processed", n))
			}
		}
	}
}
