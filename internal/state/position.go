package state

import (
	"StableLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// HealthStatus is the three-way classification of a position ratio
type HealthStatus int32

const (
	HealthStatusLiquidatable HealthStatus = iota
	HealthStatusGrace
	HealthStatusSafe
)

func (s HealthStatus) String() string {
	switch s {
	case HealthStatusSafe:
		return "Safe"
	case HealthStatusGrace:
		return "Grace"
	case HealthStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// OperationKind names the state-mutating operations
type OperationKind int32

const (
	OperationDeposit OperationKind = iota
	OperationMint
	OperationWithdraw
	OperationBurn
	OperationLiquidate
)

func (k OperationKind) String() string {
	switch k {
	case OperationDeposit:
		return "deposit"
	case OperationMint:
		return "mint"
	case OperationWithdraw:
		return "withdraw"
	case OperationBurn:
		return "burn"
	case OperationLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Permits reports whether a position with debt in status s may start op.
// Mint and withdraw need a Safe position; only a Liquidatable one can be
// liquidated.
func (s HealthStatus) Permits(op OperationKind) bool {
	switch op {
	case OperationDeposit, OperationBurn:
		return true
	case OperationMint, OperationWithdraw:
		return s == HealthStatusSafe
	case OperationLiquidate:
		return s == HealthStatusLiquidatable
	default:
		return false
	}
}

// CanTransitionTo reports whether op may move a position with debt from
// s to next. Deposit and burn never worsen a position, mint and withdraw
// only commit into Safe, and a liquidation may land anywhere.
func (s HealthStatus) CanTransitionTo(next HealthStatus, op OperationKind) bool {
	if !s.Permits(op) {
		return false
	}
	switch op {
	case OperationDeposit, OperationBurn:
		return next >= s
	case OperationMint, OperationWithdraw:
		return next == HealthStatusSafe
	default:
		return true
	}
}

// PositionView is a read-only summary of one (user, asset) position
type PositionView struct {
	UserID          uuid.UUID
	AssetID         ledger.AssetID
	Collateral      *uint256.Int
	Debt            *uint256.Int
	CollateralValue *uint256.Int
	Ratio           *uint256.Int // nil when Debt is zero
	Status          HealthStatus // meaningful only when Ratio != nil
}

// HasDebt reports whether the ratio is defined
func (p PositionView) HasDebt() bool {
	return p.Ratio != nil
}
