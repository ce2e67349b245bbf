package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xrin1/flippening/internal/domain"
)

// minimumLiquidity is burned on the first deposit into a pool.
var minimumLiquidity = big.NewInt(1000)

var (
	ErrPairExists        = errors.New("amm: pair exists")
	ErrPairMissing       = errors.New("amm: pair does not exist")
	ErrIdenticalTokens   = errors.New("amm: identical addresses")
	ErrExpired           = errors.New("amm: expired")
	ErrInsufficientInput = errors.New("amm: insufficient input amount")
	ErrInsufficientOut   = errors.New("amm: insufficient output amount")
	ErrInsufficientLiq   = errors.New("amm: insufficient liquidity")
	ErrSlippage          = errors.New("amm: insufficient amount after slippage")
	ErrInvalidPath       = errors.New("amm: invalid path")
)

// SortTokens orders two tokens canonically, lower address first.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

type pool struct {
	token0, token1 common.Address
	address        common.Address
	lpSupply       *big.Int
}

// AMM is a Uniswap-V2 style factory and router over a Ledger. Pool reserves
// are the ledger balances of the pair address; trades and deposits are
// funded by the ledger's escrow account.
type AMM struct {
	mu     sync.Mutex
	ledger *Ledger
	pools  map[[2]common.Address]*pool
	now    func() time.Time

	fault func(op string) error
}

// NewAMM returns an AMM with no pools.
func NewAMM(l *Ledger) *AMM {
	return &AMM{
		ledger: l,
		pools:  make(map[[2]common.Address]*pool),
		now:    time.Now,
	}
}

// WithClock overrides the deadline clock.
func (a *AMM) WithClock(now func() time.Time) *AMM {
	a.now = now
	return a
}

// SetFault installs a hook that can reject router and factory calls.
func (a *AMM) SetFault(fn func(op string) error) {
	a.mu.Lock()
	a.fault = fn
	a.mu.Unlock()
}

func (a *AMM) check(op string) error {
	if a.fault == nil {
		return nil
	}
	return a.fault(op)
}

// pairAddress derives a deterministic pool address from its tokens.
func pairAddress(t0, t1 common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("pair"), t0.Bytes(), t1.Bytes()))
}

// GetPair returns the pool address or the zero address when none exists.
func (a *AMM) GetPair(_ context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check("getPair"); err != nil {
		return common.Address{}, err
	}
	t0, t1 := SortTokens(tokenA, tokenB)
	if p, ok := a.pools[[2]common.Address{t0, t1}]; ok {
		return p.address, nil
	}
	return common.Address{}, nil
}

// CreatePair registers a new pool.
func (a *AMM) CreatePair(_ context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check("createPair"); err != nil {
		return common.Address{}, err
	}
	if tokenA == tokenB {
		return common.Address{}, ErrIdenticalTokens
	}
	t0, t1 := SortTokens(tokenA, tokenB)
	key := [2]common.Address{t0, t1}
	if _, ok := a.pools[key]; ok {
		return common.Address{}, ErrPairExists
	}
	p := &pool{token0: t0, token1: t1, address: pairAddress(t0, t1), lpSupply: new(big.Int)}
	a.pools[key] = p
	return p.address, nil
}

// Reserves returns the pool reserves in the caller's token order.
func (a *AMM) Reserves(tokenA, tokenB common.Address) (*big.Int, *big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.pool(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	return a.ledger.Balance(tokenA, p.address), a.ledger.Balance(tokenB, p.address), nil
}

func (a *AMM) pool(tokenA, tokenB common.Address) (*pool, error) {
	t0, t1 := SortTokens(tokenA, tokenB)
	p, ok := a.pools[[2]common.Address{t0, t1}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPairMissing, t0.Hex(), t1.Hex())
	}
	return p, nil
}

// AddLiquidity deposits escrow funds at the pool ratio, minting LP tokens
// (the pair address as an asset) to p.To.
func (a *AMM) AddLiquidity(_ context.Context, p domain.AddLiquidityParams) (domain.LiquidityReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check("addLiquidity"); err != nil {
		return domain.LiquidityReceipt{}, err
	}
	if !p.Deadline.IsZero() && a.now().After(p.Deadline) {
		return domain.LiquidityReceipt{}, ErrExpired
	}
	pl, err := a.pool(p.TokenA, p.TokenB)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}

	resA := a.ledger.Balance(p.TokenA, pl.address)
	resB := a.ledger.Balance(p.TokenB, pl.address)
	amountA, amountB, err := optimalAmounts(resA, resB, p)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}

	var liquidity *big.Int
	if pl.lpSupply.Sign() == 0 {
		liquidity = new(big.Int).Sqrt(new(big.Int).Mul(amountA, amountB))
		if liquidity.Cmp(minimumLiquidity) <= 0 {
			return domain.LiquidityReceipt{}, ErrInsufficientLiq
		}
		liquidity.Sub(liquidity, minimumLiquidity)
		a.ledger.Mint(pl.address, common.Address{}, minimumLiquidity)
		pl.lpSupply.Add(pl.lpSupply, minimumLiquidity)
	} else {
		la := new(big.Int).Div(new(big.Int).Mul(amountA, pl.lpSupply), resA)
		lb := new(big.Int).Div(new(big.Int).Mul(amountB, pl.lpSupply), resB)
		liquidity = la
		if lb.Cmp(la) < 0 {
			liquidity = lb
		}
		if liquidity.Sign() == 0 {
			return domain.LiquidityReceipt{}, ErrInsufficientLiq
		}
	}

	a.ledger.mu.Lock()
	escrow := a.ledger.escrow
	if err := a.ledger.move(p.TokenA, escrow, pl.address, amountA); err != nil {
		a.ledger.mu.Unlock()
		return domain.LiquidityReceipt{}, err
	}
	if err := a.ledger.move(p.TokenB, escrow, pl.address, amountB); err != nil {
		// Undo the first leg so the deposit stays all-or-nothing.
		_ = a.ledger.move(p.TokenA, pl.address, escrow, amountA)
		a.ledger.mu.Unlock()
		return domain.LiquidityReceipt{}, err
	}
	a.ledger.mu.Unlock()

	a.ledger.Mint(pl.address, p.To, liquidity)
	pl.lpSupply.Add(pl.lpSupply, liquidity)

	return domain.LiquidityReceipt{
		Pair:      domain.Pair{Token0: pl.token0, Token1: pl.token1, Address: pl.address},
		AmountA:   amountA,
		AmountB:   amountB,
		Liquidity: liquidity,
	}, nil
}

func optimalAmounts(resA, resB *big.Int, p domain.AddLiquidityParams) (*big.Int, *big.Int, error) {
	if resA.Sign() == 0 && resB.Sign() == 0 {
		return new(big.Int).Set(p.AmountADesired), new(big.Int).Set(p.AmountBDesired), nil
	}
	bOptimal := quote(p.AmountADesired, resA, resB)
	if bOptimal.Cmp(p.AmountBDesired) <= 0 {
		if p.AmountBMin != nil && bOptimal.Cmp(p.AmountBMin) < 0 {
			return nil, nil, fmt.Errorf("%w: token B", ErrSlippage)
		}
		return new(big.Int).Set(p.AmountADesired), bOptimal, nil
	}
	aOptimal := quote(p.AmountBDesired, resB, resA)
	if p.AmountAMin != nil && aOptimal.Cmp(p.AmountAMin) < 0 {
		return nil, nil, fmt.Errorf("%w: token A", ErrSlippage)
	}
	return aOptimal, new(big.Int).Set(p.AmountBDesired), nil
}

func quote(amountA, resA, resB *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(amountA, resB), resA)
}

// AmountOut applies the constant-product formula with the 0.3% pool fee:
// dy = dx*997*y / (x*1000 + dx*997).
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn.Sign() <= 0 {
		return nil, ErrInsufficientInput
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiq
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(1000))
	den.Add(den, inWithFee)
	return num.Div(num, den), nil
}

// GetAmountsOut quotes a swap along path.
func (a *AMM) GetAmountsOut(_ context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check("getAmountsOut"); err != nil {
		return nil, err
	}
	return a.amountsOut(amountIn, path)
}

func (a *AMM) amountsOut(amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 0; i < len(path)-1; i++ {
		pl, err := a.pool(path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		out, err := AmountOut(amounts[i],
			a.ledger.Balance(path[i], pl.address),
			a.ledger.Balance(path[i+1], pl.address))
		if err != nil {
			return nil, err
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// SwapExactTokensForTokens sells amountIn of path[0] from escrow for at least
// amountOutMin of the last token, delivered to to.
func (a *AMM) SwapExactTokensForTokens(_ context.Context, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline time.Time) ([]*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check("swap"); err != nil {
		return nil, err
	}
	if !deadline.IsZero() && a.now().After(deadline) {
		return nil, ErrExpired
	}
	amounts, err := a.amountsOut(amountIn, path)
	if err != nil {
		return nil, err
	}
	if amountOutMin != nil && amounts[len(amounts)-1].Cmp(amountOutMin) < 0 {
		return nil, ErrInsufficientOut
	}

	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	first, _ := a.pool(path[0], path[1])
	if err := a.ledger.move(path[0], a.ledger.escrow, first.address, amounts[0]); err != nil {
		return nil, err
	}
	for i := 0; i < len(path)-1; i++ {
		pl, _ := a.pool(path[i], path[i+1])
		recipient := to
		if i < len(path)-2 {
			next, _ := a.pool(path[i+1], path[i+2])
			recipient = next.address
		}
		if err := a.ledger.move(path[i+1], pl.address, recipient, amounts[i+1]); err != nil {
			return nil, err
		}
	}
	return amounts, nil
}

var (
	_ domain.AMMFactory = (*AMM)(nil)
	_ domain.AMMRouter  = (*AMM)(nil)
)
