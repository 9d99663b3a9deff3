package state

import (
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/oracle"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// HealthEngine computes position and protocol collateralization. It holds
// no ledger state: every call takes the view to evaluate, so the same code
// checks current state and previewed post-operation state.
type HealthEngine struct {
	oracle oracle.PriceOracle
	assets *ledger.AssetRegistry
	params RiskParams
	scales map[ledger.AssetID]*uint256.Int
}

func NewHealthEngine(o oracle.PriceOracle, assets *ledger.AssetRegistry, params RiskParams) (*HealthEngine, error) {
	if err := ValidateRiskParams(params); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}

	scales := make(map[ledger.AssetID]*uint256.Int)
	for _, a := range assets.Allowed() {
		scale, err := fpmath.FeedScale(a.FeedDecimals)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
		scales[a.ID] = scale
	}

	return &HealthEngine{
		oracle: o,
		assets: assets,
		params: params,
		scales: scales,
	}, nil
}

// Params returns the active risk parameters
func (h *HealthEngine) Params() RiskParams {
	return h.params
}

// Valuation memoizes normalized prices for the lifetime of one operation.
// Each feed is read at most once, so every check inside an operation sees
// the same price.
type Valuation struct {
	ctx    context.Context
	engine *HealthEngine
	prices map[ledger.AssetID]*uint256.Int
}

// NewValuation starts a price scope for one operation
func (h *HealthEngine) NewValuation(ctx context.Context) *Valuation {
	return &Valuation{
		ctx:    ctx,
		engine: h,
		prices: make(map[ledger.AssetID]*uint256.Int, 1),
	}
}

// Price returns the asset's USD price in 18 decimals. A stale quote fails
// with ErrStalePrice and a negative one with ErrPriceInvalid. Zero passes
// through; callers that divide by the price must reject it.
func (v *Valuation) Price(assetID ledger.AssetID) (*uint256.Int, error) {
	if p, ok := v.prices[assetID]; ok {
		return p.Clone(), nil
	}

	asset, err := v.engine.assets.RequireAllowed(assetID)
	if err != nil {
		return nil, err
	}

	q, err := v.engine.oracle.GetPrice(v.ctx, asset.PriceFeed)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", asset.PriceFeed, err)
	}
	if !q.Fresh {
		return nil, fmt.Errorf("%s: %w", asset.PriceFeed, ErrStalePrice)
	}
	if q.Price == nil || q.Price.Sign() < 0 {
		return nil, fmt.Errorf("%s answer %v: %w", asset.PriceFeed, q.Price, ErrPriceInvalid)
	}

	raw, overflow := uint256.FromBig(q.Price)
	if overflow {
		return nil, fmt.Errorf("%s answer %v: %w", asset.PriceFeed, q.Price, ErrPriceInvalid)
	}
	price, overflow := new(uint256.Int).MulOverflow(raw, v.engine.scales[assetID])
	if overflow {
		return nil, fmt.Errorf("%s answer %v: %w", asset.PriceFeed, q.Price, ErrPriceInvalid)
	}

	v.prices[assetID] = price
	return price.Clone(), nil
}

// ValueOf returns price × amount / PRECISION (floored)
func (v *Valuation) ValueOf(assetID ledger.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(assetID)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(price, amount, fpmath.Precision)
}

// Classify partitions a ratio at the liquidation and safe thresholds
func (h *HealthEngine) Classify(ratio *uint256.Int) HealthStatus {
	if !ratio.Lt(h.params.SafeThreshold) {
		return HealthStatusSafe
	}
	if !ratio.Lt(h.params.LiquidationThreshold) {
		return HealthStatusGrace
	}
	return HealthStatusLiquidatable
}

// PositionHealth returns collateral value × PRECISION / debt for the
// position in view. Fails with ErrNoDebt when debt is zero.
func (h *HealthEngine) PositionHealth(
	val *Valuation,
	view ledger.View,
	userID uuid.UUID,
	assetID ledger.AssetID,
) (*uint256.Int, error) {
	return h.ratio(val, view.Collateral(userID, assetID), view.Debt(userID, assetID), assetID)
}

// ForwardHealth is PositionHealth with extraDebt added to the debt. It
// never mutates the view.
func (h *HealthEngine) ForwardHealth(
	val *Valuation,
	view ledger.View,
	userID uuid.UUID,
	assetID ledger.AssetID,
	extraDebt *uint256.Int,
) (*uint256.Int, error) {
	debt, err := fpmath.Add(view.Debt(userID, assetID), extraDebt)
	if err != nil {
		return nil, err
	}
	return h.ratio(val, view.Collateral(userID, assetID), debt, assetID)
}

// PositionStatus classifies the position in view. Fails with ErrNoDebt
// when debt is zero.
func (h *HealthEngine) PositionStatus(
	val *Valuation,
	view ledger.View,
	userID uuid.UUID,
	assetID ledger.AssetID,
) (HealthStatus, error) {
	r, err := h.PositionHealth(val, view, userID, assetID)
	if err != nil {
		return HealthStatusLiquidatable, err
	}
	return h.Classify(r), nil
}

func (h *HealthEngine) ratio(val *Valuation, collateral, debt *uint256.Int, assetID ledger.AssetID) (*uint256.Int, error) {
	if debt.IsZero() {
		return nil, ErrNoDebt
	}
	value, err := val.ValueOf(assetID, collateral)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(value, fpmath.Precision, debt)
}

// Position builds a PositionView. Ratio and Status are left empty when the
// position has no debt.
func (h *HealthEngine) Position(
	val *Valuation,
	view ledger.View,
	userID uuid.UUID,
	assetID ledger.AssetID,
) (PositionView, error) {
	pv := PositionView{
		UserID:     userID,
		AssetID:    assetID,
		Collateral: view.Collateral(userID, assetID),
		Debt:       view.Debt(userID, assetID),
	}

	value, err := val.ValueOf(assetID, pv.Collateral)
	if err != nil {
		return PositionView{}, err
	}
	pv.CollateralValue = value

	if pv.Debt.IsZero() {
		return pv, nil
	}
	pv.Ratio, err = fpmath.MulDiv(value, fpmath.Precision, pv.Debt)
	if err != nil {
		return PositionView{}, err
	}
	pv.Status = h.Classify(pv.Ratio)
	return pv, nil
}

// CollateralValue sums value_of(asset, custody(asset)) over allow-listed
// assets. Assets with no custody are skipped without reading their price.
func (h *HealthEngine) CollateralValue(val *Valuation, view ledger.View) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, a := range h.assets.Allowed() {
		held := view.Custody(a.ID)
		if held.IsZero() {
			continue
		}
		v, err := val.ValueOf(a.ID, held)
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// ProtocolRatio returns Σ collateral value × PRECISION / supply. Fails with
// ErrNoDebt when supply is zero.
func (h *HealthEngine) ProtocolRatio(val *Valuation, view ledger.View, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return nil, ErrNoDebt
	}
	value, err := h.CollateralValue(val, view)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(value, fpmath.Precision, supply)
}

// CheckProtocol fails with ErrProtocolAtRisk when the protocol ratio of
// view at the given supply is below the configured minimum. A zero supply
// is always solvent.
func (h *HealthEngine) CheckProtocol(val *Valuation, view ledger.View, supply *uint256.Int) error {
	r, err := h.ProtocolRatio(val, view, supply)
	if errors.Is(err, ErrNoDebt) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Lt(h.params.ProtocolMinRatio) {
		return fmt.Errorf("%w: ratio %s%% below minimum %s%%",
			ErrProtocolAtRisk, fpmath.FormatPercent(r), fpmath.FormatPercent(h.params.ProtocolMinRatio))
	}
	return nil
}
