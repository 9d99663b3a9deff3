package state

import (
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationRecord is the outcome of one committed liquidation
type LiquidationRecord struct {
	LiquidationID uuid.UUID
	EventRef      string
	Sequence      int64
	Timestamp     int64
	Liquidator    uuid.UUID
	Debtor        uuid.UUID
	AssetID       ledger.AssetID
	Repaid        *uint256.Int
	BaseSeize     *uint256.Int
	Bonus         *uint256.Int
	TotalSeize    *uint256.Int
	Price         *uint256.Int // 18-decimal USD price used for the seizure
	RatioBefore   *uint256.Int
}

// LiquidationEngine validates and executes partial liquidations and keeps
// an append-only history of them. Not thread-safe.
type LiquidationEngine struct {
	positions *PositionManager
	history   []LiquidationRecord
}

func NewLiquidationEngine(pm *PositionManager) *LiquidationEngine {
	return &LiquidationEngine{
		positions: pm,
	}
}

// Liquidate repays debtToRepay of the debtor's debt on assetID with the
// liquidator's tokens and hands the liquidator the equivalent collateral
// plus the bonus. Every check runs against the planned post-state before
// anything is mutated.
func (le *LiquidationEngine) Liquidate(
	op Op,
	liquidator, debtor uuid.UUID,
	assetID ledger.AssetID,
	debtToRepay *uint256.Int,
) (*LiquidationRecord, *ledger.Batch, error) {
	pm := le.positions
	health := pm.health
	params := health.Params()

	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return nil, nil, err
	}
	if err := requirePositive(debtToRepay); err != nil {
		return nil, nil, err
	}

	p := pm.newPlan(op)

	// Eligibility: only Liquidatable positions proceed
	ratio, err := health.PositionHealth(p.val, pm.ledger, debtor, assetID)
	if err != nil {
		return nil, nil, err
	}
	status := health.Classify(ratio)
	if !status.Permits(OperationLiquidate) {
		if status == HealthStatusSafe {
			return nil, nil, fmt.Errorf("%w: debtor ratio %s%%", ErrHealthIsGood, fpmath.FormatPercent(ratio))
		}
		return nil, nil, fmt.Errorf("%w: debtor ratio %s%%", ErrHealthAtGraceZone, fpmath.FormatPercent(ratio))
	}

	// Close factor cap
	debt := pm.ledger.Debt(debtor, assetID)
	maxRepay, err := fpmath.Percent(debt, params.CloseFactorPct)
	if err != nil {
		return nil, nil, err
	}
	if debtToRepay.Gt(maxRepay) {
		return nil, nil, fmt.Errorf("%w: repay %s exceeds %s (%d%% of %s)",
			ErrExceedsMaxLiquidation, debtToRepay.Dec(), maxRepay.Dec(), params.CloseFactorPct, debt.Dec())
	}

	if held := pm.debtToken.BalanceOf(liquidator); debtToRepay.Gt(held) {
		return nil, nil, ledger.Insufficient(ErrInsufficientBalance, held, debtToRepay)
	}

	// Seizure
	price, err := p.val.Price(assetID)
	if err != nil {
		return nil, nil, err
	}
	if price.IsZero() {
		return nil, nil, fmt.Errorf("asset %d: zero price: %w", assetID, ErrPriceInvalid)
	}
	baseSeize, err := fpmath.MulDiv(debtToRepay, fpmath.Precision, price)
	if err != nil {
		return nil, nil, err
	}
	bonus, err := fpmath.Percent(baseSeize, params.LiquidationBonusPct)
	if err != nil {
		return nil, nil, err
	}
	totalSeize, err := fpmath.Add(baseSeize, bonus)
	if err != nil {
		return nil, nil, err
	}

	if have := pm.ledger.Collateral(debtor, assetID); totalSeize.Gt(have) {
		return nil, nil, ledger.Insufficient(ErrInsufficientCollateral, have, totalSeize)
	}

	batch := ledger.GenerateLiquidation(op.Ref, op.Timestamp, liquidator, debtor, assetID, debtToRepay, totalSeize)
	if err := pm.extend(p, batch); err != nil {
		return nil, nil, err
	}

	after, err := pm.statusOf(p.val, p.view, debtor, assetID)
	if err != nil {
		return nil, nil, err
	}
	if !status.CanTransitionTo(after, OperationLiquidate) {
		return nil, nil, fmt.Errorf("%w: debtor cannot move from %s to %s", ErrInvalidCommand, status, after)
	}

	// The liquidator must come out Safe or debt-free on this asset
	if !p.view.Debt(liquidator, assetID).IsZero() {
		status, err := health.PositionStatus(p.val, p.view, liquidator, assetID)
		if err != nil {
			return nil, nil, err
		}
		if status != HealthStatusSafe {
			return nil, nil, fmt.Errorf("%w: liquidator position would be %s", ErrHealthAtRisk, status)
		}
	}

	if err := pm.commit(p); err != nil {
		return nil, nil, err
	}

	rec := LiquidationRecord{
		LiquidationID: batch.BatchID,
		EventRef:      op.Ref,
		Sequence:      op.Sequence,
		Timestamp:     op.Timestamp,
		Liquidator:    liquidator,
		Debtor:        debtor,
		AssetID:       assetID,
		Repaid:        debtToRepay.Clone(),
		BaseSeize:     baseSeize,
		Bonus:         bonus,
		TotalSeize:    totalSeize,
		Price:         price,
		RatioBefore:   ratio,
	}
	le.history = append(le.history, rec)

	return &rec, batch, nil
}

// History returns up to limit most recent liquidations, newest first.
// limit <= 0 returns all of them.
func (le *LiquidationEngine) History(limit int) []LiquidationRecord {
	n := len(le.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LiquidationRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, le.history[i])
	}
	return out
}

// Restore replaces the history, used on replay
func (le *LiquidationEngine) Restore(records []LiquidationRecord) {
	le.history = append(le.history[:0], records...)
}
