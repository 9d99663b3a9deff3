package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountKind separates the two balances a position carries
type AccountKind uint8

const (
	AccountKindCollateral AccountKind = iota
	AccountKindDebt
)

func (k AccountKind) String() string {
	switch k {
	case AccountKindCollateral:
		return "collateral"
	case AccountKindDebt:
		return "debt"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for one side of a (user, asset) position
type AccountKey struct {
	UserID  uuid.UUID
	Kind    AccountKind
	AssetID AssetID
}

// PositionKey identifies a position (user × asset)
type PositionKey struct {
	UserID  uuid.UUID
	AssetID AssetID
}

// CollateralAccount returns the collateral account key for a position
func CollateralAccount(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{UserID: userID, Kind: AccountKindCollateral, AssetID: assetID}
}

// DebtAccount returns the debt account key for a position
func DebtAccount(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{UserID: userID, Kind: AccountKindDebt, AssetID: assetID}
}

// Position returns the position this account belongs to
func (k AccountKey) Position() PositionKey {
	return PositionKey{UserID: k.UserID, AssetID: k.AssetID}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("user:%s:%s:%d", k.UserID.String(), k.Kind, k.AssetID)
}
