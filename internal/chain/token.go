package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// Ledger moves ERC-20 tokens with the operator wallet as escrow.
type Ledger struct {
	c *Client
}

// NewLedger creates a Ledger backed by c.
func NewLedger(c *Client) *Ledger {
	return &Ledger{c: c}
}

// Escrow returns the operator wallet.
func (l *Ledger) Escrow() common.Address {
	return l.c.from
}

// BalanceOf reads an ERC-20 balance.
func (l *Ledger) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	return l.c.uint256(ctx, asset, erc20ABI, "balanceOf", holder)
}

// TransferFrom pulls a pre-approved stake into escrow.
func (l *Ledger) TransferFrom(ctx context.Context, asset, owner common.Address, amount *big.Int) (string, error) {
	receipt, err := l.c.transact(ctx, asset, erc20ABI, "transferFrom", owner, l.c.from, amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// Transfer sends escrowed tokens out.
func (l *Ledger) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) (string, error) {
	receipt, err := l.c.transact(ctx, asset, erc20ABI, "transfer", to, amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// approve raises the escrow's allowance for spender to at least amount.
func (l *Ledger) approve(ctx context.Context, asset, spender common.Address, amount *big.Int) error {
	current, err := l.c.uint256(ctx, asset, erc20ABI, "allowance", l.c.from, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	_, err = l.c.transact(ctx, asset, erc20ABI, "approve", spender, amount)
	return err
}

// RewardToken is a mintable ERC-20 whose minter is the operator wallet.
type RewardToken struct {
	c    *Client
	addr common.Address
}

// NewRewardToken binds the token contract at addr.
func NewRewardToken(c *Client, addr common.Address) *RewardToken {
	return &RewardToken{c: c, addr: addr}
}

// Address returns the token contract.
func (t *RewardToken) Address() common.Address {
	return t.addr
}

// Mint creates amount new tokens for to.
func (t *RewardToken) Mint(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	receipt, err := t.c.transact(ctx, t.addr, erc20ABI, "mint", to, amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// TotalSupply reads the token's circulating supply.
func (t *RewardToken) TotalSupply(ctx context.Context) (*big.Int, error) {
	return t.c.uint256(ctx, t.addr, erc20ABI, "totalSupply")
}

func (c *Client) uint256(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, contract, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s: unexpected output %T", method, out[0])
	}
	return v, nil
}

var (
	_ domain.TokenLedger = (*Ledger)(nil)
	_ domain.RewardToken = (*RewardToken)(nil)
)
