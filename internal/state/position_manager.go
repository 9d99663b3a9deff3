package state

import (
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/token"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Op carries caller metadata for one operation
type Op struct {
	Ctx       context.Context
	Ref       string // idempotency key of the originating command
	Sequence  int64
	Timestamp int64 // epoch microseconds
}

// PositionManager runs deposit, mint, withdraw, burn and the composites.
// Every operation is planned against a previewed view of the ledger and
// committed in one step, so a rejected operation leaves no trace.
// Not thread-safe: the core serializes calls.
type PositionManager struct {
	ledger    *ledger.Ledger
	assets    *ledger.AssetRegistry
	health    *HealthEngine
	debtToken token.DebtToken
	vaults    map[ledger.AssetID]token.CollateralAsset
}

func NewPositionManager(
	l *ledger.Ledger,
	assets *ledger.AssetRegistry,
	health *HealthEngine,
	debtToken token.DebtToken,
	vaults map[ledger.AssetID]token.CollateralAsset,
) *PositionManager {
	return &PositionManager{
		ledger:    l,
		assets:    assets,
		health:    health,
		debtToken: debtToken,
		vaults:    vaults,
	}
}

// plan accumulates the journals of one operation together with the view
// and token supply they imply
type plan struct {
	op     Op
	val    *Valuation
	batch  *ledger.Batch
	view   ledger.View
	supply *uint256.Int
}

func (pm *PositionManager) newPlan(op Op) *plan {
	return &plan{
		op:     op,
		val:    pm.health.NewValuation(op.Ctx),
		view:   pm.ledger,
		supply: pm.debtToken.TotalSupply(),
	}
}

// extend appends next to the plan and re-previews the combined batch
func (pm *PositionManager) extend(p *plan, next *ledger.Batch) error {
	if p.batch == nil {
		p.batch = next
	} else {
		p.batch.Append(next)
	}

	ov, err := pm.ledger.Preview(p.batch)
	if err != nil {
		return err
	}
	p.view = ov
	return nil
}

// === Primitive operations ===

// Deposit moves amount of asset from the user's wallet into the ledger
func (pm *PositionManager) Deposit(op Op, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planDeposit(p, userID, assetID, amount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// Mint creates debt against assetID and mints the debt token to the user
func (pm *PositionManager) Mint(op Op, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planMint(p, userID, assetID, amount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// Withdraw releases collateral back to the user's wallet
func (pm *PositionManager) Withdraw(op Op, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planWithdraw(p, userID, assetID, amount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// Burn repays debt on assetID by burning the user's debt tokens
func (pm *PositionManager) Burn(op Op, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planBurn(p, userID, assetID, amount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// === Composite operations ===

// DepositThenMint deposits first so the new collateral backs the mint.
// Both legs commit together or not at all.
func (pm *PositionManager) DepositThenMint(
	op Op,
	userID uuid.UUID,
	assetID ledger.AssetID,
	depositAmount, mintAmount *uint256.Int,
) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planDeposit(p, userID, assetID, depositAmount); err != nil {
		return nil, err
	}
	if err := pm.planMint(p, userID, assetID, mintAmount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// BurnThenRedeem burns first so the repaid debt counts toward the
// withdrawal's health check. Both legs commit together or not at all.
func (pm *PositionManager) BurnThenRedeem(
	op Op,
	userID uuid.UUID,
	assetID ledger.AssetID,
	burnAmount, redeemAmount *uint256.Int,
) (*ledger.Batch, error) {
	p := pm.newPlan(op)
	if err := pm.planBurn(p, userID, assetID, burnAmount); err != nil {
		return nil, err
	}
	if err := pm.planWithdraw(p, userID, assetID, redeemAmount); err != nil {
		return nil, err
	}
	return p.batch, pm.commit(p)
}

// === Planning ===

func (pm *PositionManager) planDeposit(p *plan, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) error {
	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}

	return pm.extend(p, ledger.GenerateDeposit(p.op.Ref, p.op.Timestamp, userID, assetID, amount))
}

func (pm *PositionManager) planMint(p *plan, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) error {
	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	if p.view.Collateral(userID, assetID).IsZero() {
		return fmt.Errorf("user %s asset %d: %w", userID, assetID, ErrNoCollateral)
	}

	from, err := pm.statusOf(p.val, p.view, userID, assetID)
	if err != nil {
		return err
	}
	ratio, err := pm.health.ForwardHealth(p.val, p.view, userID, assetID, amount)
	if err != nil {
		return err
	}
	if err := gate(OperationMint, from, pm.health.Classify(ratio)); err != nil {
		return fmt.Errorf("%w, post-mint ratio %s%%", err, fpmath.FormatPercent(ratio))
	}

	if err := pm.extend(p, ledger.GenerateMint(p.op.Ref, p.op.Timestamp, userID, assetID, amount)); err != nil {
		return err
	}
	supply, err := fpmath.Add(p.supply, amount)
	if err != nil {
		return err
	}
	p.supply = supply

	return pm.health.CheckProtocol(p.val, p.view, p.supply)
}

func (pm *PositionManager) planWithdraw(p *plan, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) error {
	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	if have := p.view.Collateral(userID, assetID); amount.Gt(have) {
		return ledger.Insufficient(ErrInsufficientBalance, have, amount)
	}

	before := p.view
	if err := pm.extend(p, ledger.GenerateWithdrawal(p.op.Ref, p.op.Timestamp, userID, assetID, amount)); err != nil {
		return err
	}

	if !before.Debt(userID, assetID).IsZero() {
		from, err := pm.health.PositionStatus(p.val, before, userID, assetID)
		if err != nil {
			return err
		}
		if !from.Permits(OperationWithdraw) {
			return gate(OperationWithdraw, from, from)
		}

		ratio, err := pm.health.PositionHealth(p.val, p.view, userID, assetID)
		if err != nil {
			return err
		}
		if err := gate(OperationWithdraw, from, pm.health.Classify(ratio)); err != nil {
			return fmt.Errorf("%w, post-withdrawal ratio %s%%", err, fpmath.FormatPercent(ratio))
		}
	}

	return pm.health.CheckProtocol(p.val, p.view, p.supply)
}

func (pm *PositionManager) planBurn(p *plan, userID uuid.UUID, assetID ledger.AssetID, amount *uint256.Int) error {
	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	if debt := p.view.Debt(userID, assetID); amount.Gt(debt) {
		return ledger.Insufficient(ErrInsufficientDebt, debt, amount)
	}
	if held := pm.debtToken.BalanceOf(userID); amount.Gt(held) {
		return ledger.Insufficient(ErrInsufficientBalance, held, amount)
	}

	if err := pm.extend(p, ledger.GenerateBurn(p.op.Ref, p.op.Timestamp, userID, assetID, amount)); err != nil {
		return err
	}
	supply, err := fpmath.Sub(p.supply, amount)
	if err != nil {
		return err
	}
	p.supply = supply
	return nil
}

// statusOf classifies the position in view. A debt-free position counts
// as Safe.
func (pm *PositionManager) statusOf(val *Valuation, view ledger.View, userID uuid.UUID, assetID ledger.AssetID) (HealthStatus, error) {
	if view.Debt(userID, assetID).IsZero() {
		return HealthStatusSafe, nil
	}
	return pm.health.PositionStatus(val, view, userID, assetID)
}

// gate rejects an operation whose move between classifications is not allowed
func gate(op OperationKind, from, to HealthStatus) error {
	if from.CanTransitionTo(to, op) {
		return nil
	}
	if !from.Permits(op) {
		return fmt.Errorf("%w: %s refused on a %s position", ErrHealthAtRisk, op, from)
	}
	return fmt.Errorf("%w: %s would move the position from %s to %s", ErrHealthAtRisk, op, from, to)
}

// === Commit ===

// commit runs the plan's collaborator transfers, then applies the batch.
// Transfers already executed are compensated in reverse order if a later
// one fails, so a failed commit leaves neither the ledger nor the
// collaborators changed.
func (pm *PositionManager) commit(p *plan) error {
	p.batch.Stamp(p.op.Sequence)
	return commitBatch(pm.ledger, pm.debtToken, pm.vaults, p.batch)
}

func commitBatch(
	l *ledger.Ledger,
	debtToken token.DebtToken,
	vaults map[ledger.AssetID]token.CollateralAsset,
	batch *ledger.Batch,
) error {
	var undo []func() error

	rollback := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				return errors.Join(cause, fmt.Errorf("compensation failed: %w", err))
			}
		}
		return cause
	}

	for _, tr := range batch.Transfers {
		compensate, err := executeTransfer(debtToken, vaults, tr)
		if err != nil {
			return rollback(fmt.Errorf("%w: %s %s: %w", ErrTransferFailed, tr.Kind, tr.UserID, err))
		}
		undo = append(undo, compensate)
	}

	if err := l.ApplyBatch(batch); err != nil {
		return rollback(fmt.Errorf("apply batch %s: %w", batch.BatchID, err))
	}
	return nil
}

func executeTransfer(
	debtToken token.DebtToken,
	vaults map[ledger.AssetID]token.CollateralAsset,
	tr ledger.Transfer,
) (func() error, error) {
	switch tr.Kind {
	case ledger.TransferTokenMint:
		if err := debtToken.Mint(tr.UserID, tr.Amount); err != nil {
			return nil, err
		}
		return func() error { return debtToken.Burn(tr.UserID, tr.Amount) }, nil

	case ledger.TransferTokenBurn:
		if err := debtToken.Burn(tr.UserID, tr.Amount); err != nil {
			return nil, err
		}
		return func() error { return debtToken.Mint(tr.UserID, tr.Amount) }, nil

	case ledger.TransferAssetPull:
		vault, ok := vaults[tr.AssetID]
		if !ok {
			return nil, fmt.Errorf("no vault for asset %d", tr.AssetID)
		}
		if err := vault.TransferFrom(tr.UserID, tr.Amount); err != nil {
			return nil, err
		}
		return func() error { return vault.Transfer(tr.UserID, tr.Amount) }, nil

	case ledger.TransferAssetPush:
		vault, ok := vaults[tr.AssetID]
		if !ok {
			return nil, fmt.Errorf("no vault for asset %d", tr.AssetID)
		}
		if err := vault.Transfer(tr.UserID, tr.Amount); err != nil {
			return nil, err
		}
		return func() error { return vault.TransferFrom(tr.UserID, tr.Amount) }, nil
	}
	return nil, fmt.Errorf("unknown transfer kind %d", tr.Kind)
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// === Views ===

// Position returns the current view of (user, asset). Unknown or
// disallowed assets fail with ErrDisallowedAsset.
func (pm *PositionManager) Position(ctx context.Context, userID uuid.UUID, assetID ledger.AssetID) (PositionView, error) {
	if _, err := pm.assets.RequireAllowed(assetID); err != nil {
		return PositionView{}, err
	}
	return pm.health.Position(pm.health.NewValuation(ctx), pm.ledger, userID, assetID)
}

// UserDebt returns the user's aggregate debt across assets
func (pm *PositionManager) UserDebt(userID uuid.UUID) *uint256.Int {
	return pm.ledger.UserDebt(userID)
}

// ProtocolView summarizes system-wide solvency
type ProtocolView struct {
	CollateralValue *uint256.Int
	DebtSupply      *uint256.Int
	Ratio           *uint256.Int // nil when supply is zero
	Solvent         bool
	Users           int
}

// Protocol computes the current protocol totals
func (pm *PositionManager) Protocol(ctx context.Context) (ProtocolView, error) {
	val := pm.health.NewValuation(ctx)
	value, err := pm.health.CollateralValue(val, pm.ledger)
	if err != nil {
		return ProtocolView{}, err
	}

	pv := ProtocolView{
		CollateralValue: value,
		DebtSupply:      pm.debtToken.TotalSupply(),
		Solvent:         true,
		Users:           pm.ledger.Registry().Len(),
	}
	if pv.DebtSupply.IsZero() {
		return pv, nil
	}
	pv.Ratio, err = fpmath.MulDiv(value, fpmath.Precision, pv.DebtSupply)
	if err != nil {
		return ProtocolView{}, err
	}
	pv.Solvent = !pv.Ratio.Lt(pm.health.Params().ProtocolMinRatio)
	return pv, nil
}
