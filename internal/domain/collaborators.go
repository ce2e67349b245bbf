package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedger moves fungible tokens on behalf of the escrow account. Each
// method returns the transaction hash when the ledger has one.
type TokenLedger interface {
	Escrow() common.Address
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)
	// TransferFrom pulls amount of asset from owner into escrow. The owner
	// must have approved the escrow beforehand.
	TransferFrom(ctx context.Context, asset, owner common.Address, amount *big.Int) (string, error)
	// Transfer sends amount of asset out of escrow.
	Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) (string, error)
}

// RewardToken is the engine-mintable reward asset.
type RewardToken interface {
	Address() common.Address
	Mint(ctx context.Context, to common.Address, amount *big.Int) (string, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}

// AMMFactory creates and resolves constant-product pools. Token arguments
// are passed in canonical order.
type AMMFactory interface {
	GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error)
	CreatePair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error)
}

// AddLiquidityParams mirrors the router's addLiquidity arguments.
type AddLiquidityParams struct {
	TokenA         common.Address
	TokenB         common.Address
	AmountADesired *big.Int
	AmountBDesired *big.Int
	AmountAMin     *big.Int
	AmountBMin     *big.Int
	To             common.Address
	Deadline       time.Time
}

// AMMRouter trades and deposits on behalf of the escrow account.
type AMMRouter interface {
	AddLiquidity(ctx context.Context, p AddLiquidityParams) (LiquidityReceipt, error)
	SwapExactTokensForTokens(ctx context.Context, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline time.Time) ([]*big.Int, error)
	GetAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}
