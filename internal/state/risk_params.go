package state

import (
	fpmath "StableLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// RiskParams is the solvency policy. Ratios are 18-decimal fixed point
// (1.5e18 == 150%).
type RiskParams struct {
	SafeThreshold        *uint256.Int // ratio >= this is Safe
	LiquidationThreshold *uint256.Int // ratio < this is Liquidatable
	ProtocolMinRatio     *uint256.Int // Σ collateral value / debt supply floor
	LiquidationBonusPct  uint64       // extra collateral awarded on seizure
	CloseFactorPct       uint64       // max share of debt repayable per call
}

// DefaultRiskParams: Safe >= 150%, Liquidatable < 120%, protocol >= 125%,
// 10% bonus, 50% close factor.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		SafeThreshold:        uint256.NewInt(1_500_000_000_000_000_000),
		LiquidationThreshold: uint256.NewInt(1_200_000_000_000_000_000),
		ProtocolMinRatio:     uint256.NewInt(1_250_000_000_000_000_000),
		LiquidationBonusPct:  10,
		CloseFactorPct:       50,
	}
}

// ValidateRiskParams checks that a parameter set is internally consistent
func ValidateRiskParams(p RiskParams) error {
	if p.SafeThreshold == nil || p.LiquidationThreshold == nil || p.ProtocolMinRatio == nil {
		return fmt.Errorf("risk thresholds must be set")
	}
	if p.LiquidationThreshold.IsZero() {
		return fmt.Errorf("liquidation_threshold must be > 0")
	}
	if !p.LiquidationThreshold.Lt(p.SafeThreshold) {
		return fmt.Errorf("liquidation_threshold (%s) must be < safe_threshold (%s)",
			fpmath.ToDecimal(p.LiquidationThreshold), fpmath.ToDecimal(p.SafeThreshold))
	}
	if p.ProtocolMinRatio.Lt(fpmath.Precision) {
		return fmt.Errorf("protocol_min_ratio must be >= 1.0, got %s", fpmath.ToDecimal(p.ProtocolMinRatio))
	}
	if p.LiquidationBonusPct == 0 || p.LiquidationBonusPct >= 100 {
		return fmt.Errorf("liquidation_bonus_pct must be in (0, 100), got %d", p.LiquidationBonusPct)
	}
	if p.CloseFactorPct == 0 || p.CloseFactorPct > 100 {
		return fmt.Errorf("close_factor_pct must be in (0, 100], got %d", p.CloseFactorPct)
	}
	return nil
}
