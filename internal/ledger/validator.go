package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SupplyReader reports the debt token's outstanding supply
type SupplyReader interface {
	TotalSupply() *uint256.Int
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
	supply SupplyReader
}

func NewInvariantValidator(l *Ledger, supply SupplyReader) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
		supply: supply,
	}
}

// ValidateBatch verifies the batch is well formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateDebtReconciliation verifies Σ aggregate debt over known users
// equals the debt token supply
func (v *InvariantValidator) ValidateDebtReconciliation() error {
	var total uint256.Int
	for _, u := range v.ledger.registry.users {
		total.Add(&total, v.ledger.UserDebt(u))
	}

	supply := v.supply.TotalSupply()
	if !total.Eq(supply) {
		return fmt.Errorf("aggregate debt %s != token supply %s", total.Dec(), supply.Dec())
	}
	return nil
}

// ValidateAggregateDebt verifies every user's materialized total equals the
// sum of their per-asset debts
func (v *InvariantValidator) ValidateAggregateDebt() error {
	sums := make(map[uuid.UUID]*uint256.Int)
	for key, bal := range v.ledger.balances {
		if key.Kind != AccountKindDebt {
			continue
		}
		s, ok := sums[key.UserID]
		if !ok {
			s = new(uint256.Int)
			sums[key.UserID] = s
		}
		s.Add(s, &bal)
	}

	for userID, agg := range v.ledger.userDebt {
		want, ok := sums[userID]
		if !ok {
			want = new(uint256.Int)
		}
		if !agg.Eq(want) {
			return fmt.Errorf("user %s aggregate debt %s != per-asset sum %s",
				userID.String(), agg.Dec(), want.Dec())
		}
	}
	return nil
}

// ValidateCustody verifies per-asset custody equals Σ collateral
func (v *InvariantValidator) ValidateCustody() error {
	sums := make(map[AssetID]*uint256.Int)
	for key, bal := range v.ledger.balances {
		if key.Kind != AccountKindCollateral {
			continue
		}
		s, ok := sums[key.AssetID]
		if !ok {
			s = new(uint256.Int)
			sums[key.AssetID] = s
		}
		s.Add(s, &bal)
	}

	for assetID, c := range v.ledger.custody {
		want, ok := sums[assetID]
		if !ok {
			want = new(uint256.Int)
		}
		if !c.Eq(want) {
			return fmt.Errorf("asset %d custody %s != collateral sum %s", assetID, c.Dec(), want.Dec())
		}
	}
	return nil
}

// ValidateRegistry verifies every account owner is a registered user
func (v *InvariantValidator) ValidateRegistry() error {
	for key := range v.ledger.balances {
		if !v.ledger.registry.Contains(key.UserID) {
			return fmt.Errorf("account %s owner not in registry", key.AccountPath())
		}
	}
	return nil
}

// ValidateAll runs every structural check
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateAggregateDebt(); err != nil {
		return err
	}
	if err := v.ValidateCustody(); err != nil {
		return err
	}
	if err := v.ValidateRegistry(); err != nil {
		return err
	}
	return v.ValidateDebtReconciliation()
}
