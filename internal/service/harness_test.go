package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	memcache "github.com/0xrin1/flippening/internal/cache/memory"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/ledger"
	"github.com/0xrin1/flippening/internal/metrics"
	memstore "github.com/0xrin1/flippening/internal/store/memory"
)

var (
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	escrowAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	stakeAsset  = common.HexToAddress("0x00000000000000000000000000000000000005a1")
	reserveAddr = common.HexToAddress("0x00000000000000000000000000000000000007e5")
	rewardAddr  = common.HexToAddress("0x0000000000000000000000000000000000000f11")
	creatorAddr = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	guesserAddr = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	keeperAddr  = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// centiEth returns n hundredths of a token.
func centiEth(n int64) *big.Int {
	return new(big.Int).Div(eth(n), big.NewInt(100))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingSink) last(kind domain.EventKind) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return domain.Event{}, false
}

type harness struct {
	ctx        context.Context
	clock      *fakeClock
	ledger     *ledger.Ledger
	amm        *ledger.AMM
	reward     *ledger.RewardToken
	wagers     *memstore.WagerStore
	fees       *memstore.FeeStore
	supply     *memstore.SupplyStore
	sink       *recordingSink
	settlement *SettlementEngine
	liquidity  *LiquidityManager
	controller *Controller
}

func defaultEconomics() Economics {
	return Economics{KeeperRewardBps: 100, RewardMultiplier: decimal.NewFromInt(1)}
}

func newHarness(t *testing.T, econ Economics) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()},
		ledger: ledger.New(escrowAddr),
		wagers: memstore.NewWagerStore(),
		fees:   memstore.NewFeeStore(),
		supply: memstore.NewSupplyStore(),
		sink:   &recordingSink{},
	}
	h.amm = ledger.NewAMM(h.ledger).WithClock(h.clock.Now)
	h.reward = ledger.NewRewardToken(h.ledger, rewardAddr)

	for _, who := range []common.Address{creatorAddr, guesserAddr} {
		h.ledger.Mint(stakeAsset, who, eth(10))
		h.ledger.Approve(stakeAsset, who, escrowAddr, eth(10))
	}

	h.build(h.wagers, h.fees, h.supply, econ)
	return h
}

// build wires the engine over the given stores. Tests that inject store
// failures rebuild the harness around wrapping stores.
func (h *harness) build(wagers domain.WagerStore, fees domain.FeeStore, supply domain.SupplyStore, econ Economics) {
	logger := discardLogger()
	m := metrics.New()
	locks := memcache.NewLockManager()
	h.settlement = NewSettlementEngine(wagers, supply, fees, h.ledger, h.reward, locks, econ, m, logger)
	h.liquidity = NewLiquidityManager(fees, h.ledger, h.settlement, h.amm, h.amm, h.sink, m,
		LiquidityConfig{ReserveAsset: reserveAddr, MaxSlippageBps: 100}, logger).WithClock(h.clock.Now)
	h.controller = NewController(wagers, h.ledger, h.settlement, h.liquidity,
		locks, h.sink, m,
		ControllerConfig{ExpirationWindow: time.Hour, GraceWindow: time.Hour}, logger).WithClock(h.clock.Now)
}

func (h *harness) balance(asset, who common.Address) *big.Int {
	return h.ledger.Balance(asset, who)
}

// seedStakePool opens a stake/reserve pool so fees can be converted.
func (h *harness) seedStakePool(t *testing.T) {
	t.Helper()
	h.ledger.Mint(stakeAsset, escrowAddr, eth(100))
	h.ledger.Mint(reserveAddr, escrowAddr, eth(100))
	_, err := h.amm.CreatePair(h.ctx, stakeAsset, reserveAddr)
	require.NoError(t, err)
	_, err = h.amm.AddLiquidity(h.ctx, domain.AddLiquidityParams{
		TokenA: stakeAsset, TokenB: reserveAddr,
		AmountADesired: eth(100), AmountBDesired: eth(100),
		To: ownerAddr,
	})
	require.NoError(t, err)
}
