package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Overlay is a tentative view of the ledger with a batch applied. Reads
// fall through to the base ledger for untouched keys.
type Overlay struct {
	base     *Ledger
	balances map[AccountKey]uint256.Int
	userDebt map[uuid.UUID]uint256.Int
	custody  map[AssetID]uint256.Int
	touched  []uuid.UUID
}

func newOverlay(base *Ledger) *Overlay {
	return &Overlay{
		base:     base,
		balances: make(map[AccountKey]uint256.Int, 4),
		userDebt: make(map[uuid.UUID]uint256.Int, 2),
		custody:  make(map[AssetID]uint256.Int, 1),
	}
}

func (o *Overlay) Collateral(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return o.get(CollateralAccount(userID, assetID))
}

func (o *Overlay) Debt(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return o.get(DebtAccount(userID, assetID))
}

func (o *Overlay) UserDebt(userID uuid.UUID) *uint256.Int {
	if v, ok := o.userDebt[userID]; ok {
		return v.Clone()
	}
	return o.base.UserDebt(userID)
}

func (o *Overlay) Custody(assetID AssetID) *uint256.Int {
	if v, ok := o.custody[assetID]; ok {
		return v.Clone()
	}
	return o.base.Custody(assetID)
}

func (o *Overlay) get(key AccountKey) *uint256.Int {
	if v, ok := o.balances[key]; ok {
		return v.Clone()
	}
	return o.base.balance(key)
}

// apply moves one account and its derived views. Decreases past zero fail
// with the insufficiency class of the account kind.
func (o *Overlay) apply(key AccountKey, dir Direction, amt *uint256.Int) error {
	cur := o.get(key)

	var next uint256.Int
	switch dir {
	case Increase:
		if _, overflow := next.AddOverflow(cur, amt); overflow {
			return ErrInvalidAmount
		}
	case Decrease:
		if amt.Gt(cur) {
			if key.Kind == AccountKindDebt {
				return Insufficient(ErrInsufficientDebt, cur, amt)
			}
			return Insufficient(ErrInsufficientBalance, cur, amt)
		}
		next.Sub(cur, amt)
	default:
		return ErrInvalidAmount
	}
	o.balances[key] = next

	switch key.Kind {
	case AccountKindDebt:
		o.userDebt[key.UserID] = shift(o.UserDebt(key.UserID), dir, amt)
	case AccountKindCollateral:
		o.custody[key.AssetID] = shift(o.Custody(key.AssetID), dir, amt)
	}

	if dir == Increase {
		o.touched = append(o.touched, key.UserID)
	}
	return nil
}

// shift cannot underflow: the derived sums are at least any member account.
func shift(v *uint256.Int, dir Direction, amt *uint256.Int) uint256.Int {
	if dir == Increase {
		v.Add(v, amt)
	} else {
		v.Sub(v, amt)
	}
	return *v
}

func (o *Overlay) commit() {
	for k, v := range o.balances {
		o.base.balances[k] = v
	}
	for k, v := range o.userDebt {
		o.base.userDebt[k] = v
	}
	for k, v := range o.custody {
		o.base.custody[k] = v
	}
	for _, u := range o.touched {
		o.base.registry.Register(u)
	}
}
