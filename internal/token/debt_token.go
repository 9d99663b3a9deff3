package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrZeroAmount        = errors.New("zero amount")
)

// DebtToken is the fungible stablecoin as seen by the ledger
type DebtToken interface {
	Mint(to uuid.UUID, amount *uint256.Int) error
	Burn(from uuid.UUID, amount *uint256.Int) error
	TotalSupply() *uint256.Int
	BalanceOf(user uuid.UUID) *uint256.Int
}

// MemoryDebtToken is an in-process debt token. Mint and burn are only
// reachable through the OwnerCap handed out at construction.
type MemoryDebtToken struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]uint256.Int
	supply   uint256.Int
}

// OwnerCap is the mint/burn capability of a MemoryDebtToken. It satisfies
// DebtToken and is meant to be held by the ledger alone.
type OwnerCap struct {
	t *MemoryDebtToken
}

func NewMemoryDebtToken() (*MemoryDebtToken, OwnerCap) {
	t := &MemoryDebtToken{
		balances: make(map[uuid.UUID]uint256.Int),
	}
	return t, OwnerCap{t: t}
}

func (t *MemoryDebtToken) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply.Clone()
}

func (t *MemoryDebtToken) BalanceOf(user uuid.UUID) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.balances[user]
	return v.Clone()
}

func (c OwnerCap) Mint(to uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balances[to]
	bal.Add(&bal, amount)
	t.balances[to] = bal
	t.supply.Add(&t.supply, amount)
	return nil
}

func (c OwnerCap) Burn(from uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balances[from]
	if amount.Gt(&bal) {
		return fmt.Errorf("burn from %s: %w", from, ErrInsufficientFunds)
	}
	bal.Sub(&bal, amount)
	t.balances[from] = bal
	t.supply.Sub(&t.supply, amount)
	return nil
}

func (c OwnerCap) TotalSupply() *uint256.Int {
	return c.t.TotalSupply()
}

func (c OwnerCap) BalanceOf(user uuid.UUID) *uint256.Int {
	return c.t.BalanceOf(user)
}
