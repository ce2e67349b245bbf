// Package ledger provides in-process token, reward-token and AMM
// collaborators. They mirror the ERC-20 and Uniswap-V2 contracts the engine
// talks to on chain and back the simulated deployment and tests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

var (
	// ErrInsufficientBalance is returned when a holder cannot cover a debit.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance is returned when transferFrom exceeds approval.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
)

type allowanceKey struct {
	asset, owner, spender common.Address
}

// Ledger is a multi-asset balance book. Every mutation holds one mutex, so a
// batch of moves applied under it is atomic.
type Ledger struct {
	mu         sync.Mutex
	escrow     common.Address
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	supply     map[common.Address]*big.Int

	// fault, when set, is consulted before every escrow operation. Tests
	// use it to simulate a rejecting token contract.
	fault func(op string, asset common.Address) error
}

// New returns an empty ledger whose escrow account is escrow.
func New(escrow common.Address) *Ledger {
	return &Ledger{
		escrow:     escrow,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		supply:     make(map[common.Address]*big.Int),
	}
}

// SetFault installs a hook that can reject escrow operations.
func (l *Ledger) SetFault(fn func(op string, asset common.Address) error) {
	l.mu.Lock()
	l.fault = fn
	l.mu.Unlock()
}

// Escrow returns the escrow account.
func (l *Ledger) Escrow() common.Address { return l.escrow }

// Mint credits amount of asset to holder and grows its supply.
func (l *Ledger) Mint(asset, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, holder, amount)
	s := l.supplyOf(asset)
	s.Add(s, amount)
}

// Approve sets the allowance of spender over owner's asset.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
}

// Balance returns holder's balance without a context.
func (l *Ledger) Balance(asset, holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(asset, holder))
}

// Supply returns the total minted amount of asset.
func (l *Ledger) Supply(asset common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supplyOf(asset))
}

// BalanceOf implements domain.TokenLedger.
func (l *Ledger) BalanceOf(_ context.Context, asset, holder common.Address) (*big.Int, error) {
	return l.Balance(asset, holder), nil
}

// TransferFrom pulls amount from owner into escrow against owner's approval.
func (l *Ledger) TransferFrom(_ context.Context, asset, owner common.Address, amount *big.Int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check("transferFrom", asset); err != nil {
		return "", err
	}
	key := allowanceKey{asset, owner, l.escrow}
	allowed := l.allowances[key]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: %s approved for escrow", ErrInsufficientAllowance, allowedString(allowed))
	}
	if err := l.move(asset, owner, l.escrow, amount); err != nil {
		return "", err
	}
	allowed.Sub(allowed, amount)
	return "", nil
}

// Transfer sends amount out of escrow.
func (l *Ledger) Transfer(_ context.Context, asset, to common.Address, amount *big.Int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check("transfer", asset); err != nil {
		return "", err
	}
	if err := l.move(asset, l.escrow, to, amount); err != nil {
		return "", err
	}
	return "", nil
}

func (l *Ledger) check(op string, asset common.Address) error {
	if l.fault == nil {
		return nil
	}
	return l.fault(op, asset)
}

func (l *Ledger) move(asset, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative amount %s", amount)
	}
	bal := l.balanceOf(asset, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	l.credit(asset, to, amount)
	return nil
}

func (l *Ledger) credit(asset, holder common.Address, amount *big.Int) {
	b := l.balanceOf(asset, holder)
	b.Add(b, amount)
}

func (l *Ledger) balanceOf(asset, holder common.Address) *big.Int {
	byHolder, ok := l.balances[asset]
	if !ok {
		byHolder = make(map[common.Address]*big.Int)
		l.balances[asset] = byHolder
	}
	b, ok := byHolder[holder]
	if !ok {
		b = new(big.Int)
		byHolder[holder] = b
	}
	return b
}

func (l *Ledger) supplyOf(asset common.Address) *big.Int {
	s, ok := l.supply[asset]
	if !ok {
		s = new(big.Int)
		l.supply[asset] = s
	}
	return s
}

func allowedString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ domain.TokenLedger = (*Ledger)(nil)

// RewardToken is a mintable asset living in a Ledger.
type RewardToken struct {
	ledger *Ledger
	addr   common.Address
}

// NewRewardToken binds a reward asset address to l.
func NewRewardToken(l *Ledger, addr common.Address) *RewardToken {
	return &RewardToken{ledger: l, addr: addr}
}

// Address returns the token address.
func (t *RewardToken) Address() common.Address { return t.addr }

// Mint creates amount new tokens for to.
func (t *RewardToken) Mint(_ context.Context, to common.Address, amount *big.Int) (string, error) {
	t.ledger.mu.Lock()
	err := t.ledger.check("mint", t.addr)
	t.ledger.mu.Unlock()
	if err != nil {
		return "", err
	}
	t.ledger.Mint(t.addr, to, amount)
	return "", nil
}

// TotalSupply returns the minted total.
func (t *RewardToken) TotalSupply(_ context.Context) (*big.Int, error) {
	return t.ledger.Supply(t.addr), nil
}

var _ domain.RewardToken = (*RewardToken)(nil)
