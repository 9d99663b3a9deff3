package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// View is read access to position balances. Both the live Ledger and a
// previewed Overlay satisfy it, so health checks run the same code on
// current and post-operation state.
type View interface {
	Collateral(userID uuid.UUID, assetID AssetID) *uint256.Int
	Debt(userID uuid.UUID, assetID AssetID) *uint256.Int
	UserDebt(userID uuid.UUID) *uint256.Int
	Custody(assetID AssetID) *uint256.Int
}

// Ledger holds collateral and debt per (user, asset). userDebt is a
// materialized sum over a user's debt accounts and custody is the per-asset
// sum of collateral; both move in the same apply step as the accounts.
// Not thread-safe: callers serialize access.
type Ledger struct {
	balances map[AccountKey]uint256.Int
	userDebt map[uuid.UUID]uint256.Int
	custody  map[AssetID]uint256.Int
	registry *UserRegistry
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[AccountKey]uint256.Int),
		userDebt: make(map[uuid.UUID]uint256.Int),
		custody:  make(map[AssetID]uint256.Int),
		registry: NewUserRegistry(),
	}
}

func (l *Ledger) Collateral(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return l.balance(CollateralAccount(userID, assetID))
}

func (l *Ledger) Debt(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return l.balance(DebtAccount(userID, assetID))
}

func (l *Ledger) UserDebt(userID uuid.UUID) *uint256.Int {
	v := l.userDebt[userID]
	return v.Clone()
}

func (l *Ledger) Custody(assetID AssetID) *uint256.Int {
	v := l.custody[assetID]
	return v.Clone()
}

// GetBalance returns the balance of an account (zero if never touched)
func (l *Ledger) GetBalance(key AccountKey) *uint256.Int {
	return l.balance(key)
}

func (l *Ledger) balance(key AccountKey) *uint256.Int {
	v := l.balances[key]
	return v.Clone()
}

// Registry exposes the user registry for enumeration
func (l *Ledger) Registry() *UserRegistry {
	return l.registry
}

// === Primitive mutations ===

func (l *Ledger) IncreaseCollateral(userID uuid.UUID, assetID AssetID, amt *uint256.Int) error {
	return l.applySingle(CollateralAccount(userID, assetID), Increase, amt)
}

// DecreaseCollateral fails with ErrInsufficientBalance if amt exceeds the balance
func (l *Ledger) DecreaseCollateral(userID uuid.UUID, assetID AssetID, amt *uint256.Int) error {
	return l.applySingle(CollateralAccount(userID, assetID), Decrease, amt)
}

func (l *Ledger) IncreaseDebt(userID uuid.UUID, assetID AssetID, amt *uint256.Int) error {
	return l.applySingle(DebtAccount(userID, assetID), Increase, amt)
}

// DecreaseDebt fails with ErrInsufficientDebt if amt exceeds the per-asset debt
func (l *Ledger) DecreaseDebt(userID uuid.UUID, assetID AssetID, amt *uint256.Int) error {
	return l.applySingle(DebtAccount(userID, assetID), Decrease, amt)
}

func (l *Ledger) applySingle(key AccountKey, dir Direction, amt *uint256.Int) error {
	if amt == nil || amt.IsZero() {
		return ErrInvalidAmount
	}
	o := newOverlay(l)
	if err := o.apply(key, dir, amt); err != nil {
		return err
	}
	o.commit()
	return nil
}

// === Batch application ===

// Preview applies batch to a copy-on-write overlay without touching the
// ledger. The overlay fails the same way ApplyBatch would.
func (l *Ledger) Preview(batch *Batch) (*Overlay, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	o := newOverlay(l)
	for _, j := range batch.Journals {
		if err := o.apply(j.Account, j.Direction, j.Amount); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ApplyBatch applies all journals in a batch or none of them
func (l *Ledger) ApplyBatch(batch *Batch) error {
	o, err := l.Preview(batch)
	if err != nil {
		return err
	}
	o.commit()
	return nil
}

// === Snapshot ===

// AccountBalance is one non-zero account in a snapshot
type AccountBalance struct {
	Account AccountKey
	Amount  *uint256.Int
}

// Snapshot returns all accounts sorted by path. Zero balances are kept
// since positions are never deleted.
func (l *Ledger) Snapshot() []AccountBalance {
	out := make([]AccountBalance, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, AccountBalance{Account: k, Amount: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// Restore replaces the ledger contents with a snapshot. Derived views are
// rebuilt from the accounts.
func (l *Ledger) Restore(accounts []AccountBalance, users []uuid.UUID) {
	l.balances = make(map[AccountKey]uint256.Int, len(accounts))
	l.userDebt = make(map[uuid.UUID]uint256.Int)
	l.custody = make(map[AssetID]uint256.Int)
	l.registry = NewUserRegistry()

	for _, u := range users {
		l.registry.Register(u)
	}

	for _, a := range accounts {
		l.balances[a.Account] = *a.Amount
		switch a.Account.Kind {
		case AccountKindDebt:
			sum := l.userDebt[a.Account.UserID]
			sum.Add(&sum, a.Amount)
			l.userDebt[a.Account.UserID] = sum
		case AccountKindCollateral:
			sum := l.custody[a.Account.AssetID]
			sum.Add(&sum, a.Amount)
			l.custody[a.Account.AssetID] = sum
		}
		l.registry.Register(a.Account.UserID)
	}
}

// Positions lists every position that has ever been touched
func (l *Ledger) Positions() []PositionKey {
	seen := make(map[PositionKey]struct{}, len(l.balances))
	out := make([]PositionKey, 0, len(l.balances))
	for k := range l.balances {
		p := k.Position()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}
