package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// Factory is a Uniswap-V2 style pair factory.
type Factory struct {
	c    *Client
	addr common.Address
}

// NewFactory binds the factory contract at addr.
func NewFactory(c *Client, addr common.Address) *Factory {
	return &Factory{c: c, addr: addr}
}

// GetPair returns the pool address, or the zero address when none exists.
func (f *Factory) GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	out, err := f.c.call(ctx, f.addr, factoryABI, "getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	pair, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: getPair: unexpected output %T", out[0])
	}
	return pair, nil
}

// CreatePair deploys a pool and returns its address.
func (f *Factory) CreatePair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	if _, err := f.c.transact(ctx, f.addr, factoryABI, "createPair", tokenA, tokenB); err != nil {
		return common.Address{}, err
	}
	return f.GetPair(ctx, tokenA, tokenB)
}

// Router trades and deposits through a Uniswap-V2 style router, approving
// it to spend escrow funds as needed.
type Router struct {
	c      *Client
	ledger *Ledger
	addr   common.Address
}

// NewRouter binds the router contract at addr.
func NewRouter(c *Client, addr common.Address) *Router {
	return &Router{c: c, ledger: NewLedger(c), addr: addr}
}

// GetAmountsOut quotes a swap along path.
func (r *Router) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	out, err := r.c.call(ctx, r.addr, routerABI, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	return amounts(out[0])
}

// SwapExactTokensForTokens swaps amountIn along path. The returned amounts
// come from simulating the call before it is sent.
func (r *Router) SwapExactTokensForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline time.Time) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("chain: swap: path too short")
	}
	if err := r.ledger.approve(ctx, path[0], r.addr, amountIn); err != nil {
		return nil, err
	}
	args := []any{amountIn, amountOutMin, path, to, unixDeadline(deadline)}
	out, err := r.c.call(ctx, r.addr, routerABI, "swapExactTokensForTokens", args...)
	if err != nil {
		return nil, err
	}
	quoted, err := amounts(out[0])
	if err != nil {
		return nil, err
	}
	if _, err := r.c.transact(ctx, r.addr, routerABI, "swapExactTokensForTokens", args...); err != nil {
		return nil, err
	}
	return quoted, nil
}

// AddLiquidity deposits both tokens from escrow.
func (r *Router) AddLiquidity(ctx context.Context, p domain.AddLiquidityParams) (domain.LiquidityReceipt, error) {
	if err := r.ledger.approve(ctx, p.TokenA, r.addr, p.AmountADesired); err != nil {
		return domain.LiquidityReceipt{}, err
	}
	if err := r.ledger.approve(ctx, p.TokenB, r.addr, p.AmountBDesired); err != nil {
		return domain.LiquidityReceipt{}, err
	}
	args := []any{p.TokenA, p.TokenB, p.AmountADesired, p.AmountBDesired, p.AmountAMin, p.AmountBMin, p.To, unixDeadline(p.Deadline)}
	out, err := r.c.call(ctx, r.addr, routerABI, "addLiquidity", args...)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}
	receipt, err := r.c.transact(ctx, r.addr, routerABI, "addLiquidity", args...)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}

	res := domain.LiquidityReceipt{TxHash: receipt.TxHash.Hex()}
	var ok [3]bool
	res.AmountA, ok[0] = out[0].(*big.Int)
	res.AmountB, ok[1] = out[1].(*big.Int)
	res.Liquidity, ok[2] = out[2].(*big.Int)
	if !ok[0] || !ok[1] || !ok[2] {
		return domain.LiquidityReceipt{}, fmt.Errorf("chain: addLiquidity: unexpected outputs")
	}

	factoryOut, err := r.c.call(ctx, r.addr, routerABI, "factory")
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}
	factory, _ := factoryOut[0].(common.Address)
	t0, t1 := sortAddrs(p.TokenA, p.TokenB)
	pair, err := NewFactory(r.c, factory).GetPair(ctx, t0, t1)
	if err != nil {
		return domain.LiquidityReceipt{}, err
	}
	res.Pair = domain.Pair{Token0: t0, Token1: t1, Address: pair}
	return res, nil
}

func amounts(v any) ([]*big.Int, error) {
	out, ok := v.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected amounts %T", v)
	}
	return out, nil
}

func sortAddrs(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

var (
	_ domain.AMMFactory = (*Factory)(nil)
	_ domain.AMMRouter  = (*Router)(nil)
)
