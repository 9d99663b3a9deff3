package token

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CollateralAsset moves one collateral kind between user wallets and the
// ledger's custody
type CollateralAsset interface {
	TransferFrom(from uuid.UUID, amount *uint256.Int) error
	Transfer(to uuid.UUID, amount *uint256.Int) error
}

// MemoryVault is an in-process collateral asset with user wallets and a
// single custody balance held on behalf of the ledger.
type MemoryVault struct {
	symbol string

	mu      sync.RWMutex
	wallets map[uuid.UUID]uint256.Int
	custody uint256.Int
}

func NewMemoryVault(symbol string) *MemoryVault {
	return &MemoryVault{
		symbol:  symbol,
		wallets: make(map[uuid.UUID]uint256.Int),
	}
}

// Faucet credits a user wallet out of thin air. Development only.
func (v *MemoryVault) Faucet(user uuid.UUID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := v.wallets[user]
	w.Add(&w, amount)
	v.wallets[user] = w
}

// TransferFrom pulls amount from the user's wallet into custody
func (v *MemoryVault) TransferFrom(from uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	w := v.wallets[from]
	if amount.Gt(&w) {
		return fmt.Errorf("%s transfer_from %s: %w", v.symbol, from, ErrInsufficientFunds)
	}
	w.Sub(&w, amount)
	v.wallets[from] = w
	v.custody.Add(&v.custody, amount)
	return nil
}

// Transfer pushes amount out of custody to the user's wallet
func (v *MemoryVault) Transfer(to uuid.UUID, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if amount.Gt(&v.custody) {
		return fmt.Errorf("%s transfer to %s: custody %w", v.symbol, to, ErrInsufficientFunds)
	}
	v.custody.Sub(&v.custody, amount)
	w := v.wallets[to]
	w.Add(&w, amount)
	v.wallets[to] = w
	return nil
}

func (v *MemoryVault) WalletOf(user uuid.UUID) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	w := v.wallets[user]
	return w.Clone()
}

func (v *MemoryVault) Custody() *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.custody.Clone()
}

// SeedCustody credits custody directly, used to rebuild the in-process
// vault from the ledger after a restart. Development only.
func (v *MemoryVault) SeedCustody(amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custody.Add(&v.custody, amount)
}
