package state

import (
	"StableLedger/internal/ledger"
	"errors"
)

// Input validation and insufficiency errors are owned by the ledger and
// re-exported so callers only need this package.
var (
	ErrInvalidAmount       = ledger.ErrInvalidAmount
	ErrDisallowedAsset     = ledger.ErrDisallowedAsset
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrInsufficientDebt    = ledger.ErrInsufficientDebt
)

var (
	ErrInvalidCommand = errors.New("invalid command")

	ErrInsufficientCollateral = errors.New("insufficient collateral")

	ErrNoCollateral          = errors.New("no collateral")
	ErrNoDebt                = errors.New("no debt")
	ErrHealthAtRisk          = errors.New("health at risk")
	ErrHealthIsGood          = errors.New("health is good")
	ErrHealthAtGraceZone     = errors.New("health at grace zone")
	ErrProtocolAtRisk        = errors.New("protocol at risk")
	ErrExceedsMaxLiquidation = errors.New("exceeds max liquidation")

	ErrStalePrice   = errors.New("stale price")
	ErrPriceInvalid = errors.New("price invalid")

	ErrTransferFailed = errors.New("transfer failed")
)

// ErrorClass groups errors by how a caller should react to them
type ErrorClass int

const (
	ErrorClassInternal ErrorClass = iota
	ErrorClassValidation
	ErrorClassInsufficiency
	ErrorClassHealthPolicy
	ErrorClassOracle
	ErrorClassCollaborator
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassValidation:
		return "validation"
	case ErrorClassInsufficiency:
		return "insufficiency"
	case ErrorClassHealthPolicy:
		return "health_policy"
	case ErrorClassOracle:
		return "oracle"
	case ErrorClassCollaborator:
		return "collaborator"
	default:
		return "internal"
	}
}

var reasons = []struct {
	err    error
	reason string
	class  ErrorClass
}{
	{ErrInvalidCommand, "invalid_command", ErrorClassValidation},
	{ErrInvalidAmount, "invalid_amount", ErrorClassValidation},
	{ErrDisallowedAsset, "disallowed_asset", ErrorClassValidation},
	{ErrInsufficientBalance, "insufficient_balance", ErrorClassInsufficiency},
	{ErrInsufficientDebt, "insufficient_debt", ErrorClassInsufficiency},
	{ErrInsufficientCollateral, "insufficient_collateral", ErrorClassInsufficiency},
	{ErrNoCollateral, "no_collateral", ErrorClassHealthPolicy},
	{ErrNoDebt, "no_debt", ErrorClassHealthPolicy},
	{ErrHealthAtRisk, "health_at_risk", ErrorClassHealthPolicy},
	{ErrHealthIsGood, "health_is_good", ErrorClassHealthPolicy},
	{ErrHealthAtGraceZone, "health_at_grace_zone", ErrorClassHealthPolicy},
	{ErrProtocolAtRisk, "protocol_at_risk", ErrorClassHealthPolicy},
	{ErrExceedsMaxLiquidation, "exceeds_max_liquidation", ErrorClassHealthPolicy},
	{ErrStalePrice, "stale_price", ErrorClassOracle},
	{ErrPriceInvalid, "price_invalid", ErrorClassOracle},
	{ErrTransferFailed, "transfer_failed", ErrorClassCollaborator},
}

// Reason returns a stable snake_case label and class for err. Unknown
// errors are "internal".
func Reason(err error) (string, ErrorClass) {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason, r.class
		}
	}
	return "internal", ErrorClassInternal
}
