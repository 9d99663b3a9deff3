package state_test

import (
	"StableLedger/internal/ledger"
	"StableLedger/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ===========================================================================
// Deposit
// ===========================================================================

func TestDeposit_MovesWalletIntoCustody(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.mustDeposit(alice, wethID, 5)

	if got := h.ledger.Collateral(alice, wethID); !got.Eq(units(5)) {
		t.Fatalf("collateral = %s, want %s", got.Dec(), units(5).Dec())
	}
	if got := h.vaults[wethID].WalletOf(alice); !got.IsZero() {
		t.Errorf("wallet = %s, want 0", got.Dec())
	}
	if !h.ledger.Registry().Contains(alice) {
		t.Error("depositor should be registered")
	}
	h.assertInvariants()
}

func TestDeposit_Rejections(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.vaults[wethID].Faucet(alice, units(1))

	tests := []struct {
		name   string
		asset  ledger.AssetID
		amount *uint256.Int
		want   error
	}{
		{"zero amount", wethID, new(uint256.Int), state.ErrInvalidAmount},
		{"disallowed asset", dogeID, units(1), state.ErrDisallowedAsset},
		{"unknown asset", 99, units(1), state.ErrDisallowedAsset},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.positions.Deposit(h.op(), alice, tc.asset, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if h.ledger.Registry().Contains(alice) {
		t.Error("rejected deposits must not register the user")
	}
}

func TestDeposit_WalletShortfallIsTransferFailure(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	_, err := h.positions.Deposit(h.op(), alice, wethID, units(1))
	if !errors.Is(err, state.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if !h.ledger.Collateral(alice, wethID).IsZero() {
		t.Error("ledger must be unchanged after a failed pull")
	}
}

// ===========================================================================
// Mint
// ===========================================================================

// 5 units at $3,400 back $17,000. Minting $20,000 would put the ratio at
// 85%; minting $5,000 puts it at 340%.
func TestMint_HealthGate(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)

	_, err := h.positions.Mint(h.op(), alice, wethID, units(20_000))
	if !errors.Is(err, state.ErrHealthAtRisk) {
		t.Fatalf("mint 20000: err = %v, want ErrHealthAtRisk", err)
	}
	if !h.ledger.Debt(alice, wethID).IsZero() || !h.tok.TotalSupply().IsZero() {
		t.Fatal("rejected mint must leave debt and supply untouched")
	}

	h.mustMint(alice, wethID, 5_000)

	if got := h.ledger.Debt(alice, wethID); !got.Eq(units(5_000)) {
		t.Errorf("debt = %s, want 5000e18", got.Dec())
	}
	if got := h.tok.BalanceOf(alice); !got.Eq(units(5_000)) {
		t.Errorf("token balance = %s, want 5000e18", got.Dec())
	}
	want := uint256.MustFromDecimal("3400000000000000000")
	if got := h.ratio(alice, wethID); !got.Eq(want) {
		t.Errorf("ratio = %s, want %s", got.Dec(), want.Dec())
	}
	if s := h.status(alice, wethID); s != state.HealthStatusSafe {
		t.Errorf("status = %s, want Safe", s)
	}
	h.assertInvariants()
}

func TestMint_ExactlySafeThresholdPasses(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 3)

	// $10,200 collateral / $6,800 debt = 150%
	h.mustMint(alice, wethID, 6_800)
	if s := h.status(alice, wethID); s != state.HealthStatusSafe {
		t.Fatalf("status = %s, want Safe at exactly 150%%", s)
	}
}

func TestMint_NoCollateral(t *testing.T) {
	h := newHarness(t)

	_, err := h.positions.Mint(h.op(), uuid.New(), wethID, units(1))
	if !errors.Is(err, state.ErrNoCollateral) {
		t.Fatalf("err = %v, want ErrNoCollateral", err)
	}
}

func TestMint_StalePrice(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)

	h.now = h.now.Add(2 * time.Hour)

	_, err := h.positions.Mint(h.op(), alice, wethID, units(1_000))
	if !errors.Is(err, state.ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
	if reason, class := state.Reason(err); reason != "stale_price" || class != state.ErrorClassOracle {
		t.Errorf("Reason = (%s, %s)", reason, class)
	}
}

func TestMint_NegativePrice(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)

	h.setRawPrice("ETH/USD", -1)

	_, err := h.positions.Mint(h.op(), alice, wethID, units(1_000))
	if !errors.Is(err, state.ErrPriceInvalid) {
		t.Fatalf("err = %v, want ErrPriceInvalid", err)
	}
}

// Alice's position stays individually fine while the price falls, but the
// system as a whole drops to 85%. Bob's otherwise Safe mint must be refused.
func TestMint_ProtocolAtRisk(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	h.mustDeposit(alice, wethID, 50)
	h.mustMint(alice, wethID, 100_000)

	h.setPrice("ETH/USD", 1_180)
	h.mustDeposit(bob, wbtcID, 1)

	_, err := h.positions.Mint(h.op(), bob, wbtcID, units(40_000))
	if !errors.Is(err, state.ErrProtocolAtRisk) {
		t.Fatalf("err = %v, want ErrProtocolAtRisk", err)
	}
	if !h.ledger.Debt(bob, wbtcID).IsZero() {
		t.Error("bob's debt must be unchanged")
	}
	if got := h.tok.TotalSupply(); !got.Eq(units(100_000)) {
		t.Errorf("supply = %s, want 100000e18", got.Dec())
	}
	h.assertLedgerInvariants()
}

// ===========================================================================
// Withdraw
// ===========================================================================

func TestWithdraw_NoDebt(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)

	if _, err := h.positions.Withdraw(h.op(), alice, wethID, units(5)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := h.vaults[wethID].WalletOf(alice); !got.Eq(units(5)) {
		t.Errorf("wallet = %s, want 5e18", got.Dec())
	}
	h.assertInvariants()
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 2)

	_, err := h.positions.Withdraw(h.op(), alice, wethID, units(3))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	var ie *ledger.InsufficiencyError
	if !errors.As(err, &ie) {
		t.Fatalf("err %T does not carry amounts", err)
	}
	if !ie.Have.Eq(units(2)) || !ie.Need.Eq(units(3)) {
		t.Errorf("have=%s need=%s", ie.Have.Dec(), ie.Need.Dec())
	}
}

func TestWithdraw_HealthGate(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 8_000)

	// 4 units * 3400 / 8000 = 170%
	if _, err := h.positions.Withdraw(h.op(), alice, wethID, units(1)); err != nil {
		t.Fatalf("withdraw 1: %v", err)
	}

	// 2 units would leave 85%
	_, err := h.positions.Withdraw(h.op(), alice, wethID, units(2))
	if !errors.Is(err, state.ErrHealthAtRisk) {
		t.Fatalf("withdraw 2: err = %v, want ErrHealthAtRisk", err)
	}
	if got := h.ledger.Collateral(alice, wethID); !got.Eq(units(4)) {
		t.Errorf("collateral = %s, want 4e18", got.Dec())
	}
	h.assertInvariants()
}

func TestWithdraw_RefusedFromGrace(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 8_000)

	h.setPrice("ETH/USD", 2_160) // 135%

	_, err := h.positions.Withdraw(h.op(), alice, wethID, uint256.NewInt(1))
	if !errors.Is(err, state.ErrHealthAtRisk) {
		t.Fatalf("err = %v, want ErrHealthAtRisk", err)
	}
}

// ===========================================================================
// Burn
// ===========================================================================

func TestBurn_RepaysDebt(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 5_000)

	if _, err := h.positions.Burn(h.op(), alice, wethID, units(2_000)); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if got := h.ledger.Debt(alice, wethID); !got.Eq(units(3_000)) {
		t.Errorf("debt = %s, want 3000e18", got.Dec())
	}
	if got := h.tok.TotalSupply(); !got.Eq(units(3_000)) {
		t.Errorf("supply = %s, want 3000e18", got.Dec())
	}
	h.assertInvariants()
}

func TestBurn_InsufficientDebt(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 1_000)

	_, err := h.positions.Burn(h.op(), alice, wethID, units(1_001))
	if !errors.Is(err, state.ErrInsufficientDebt) {
		t.Fatalf("err = %v, want ErrInsufficientDebt", err)
	}
}

// Tokens spent on a liquidation are no longer available to repay the
// liquidator's own debt.
func TestBurn_TokensSpentOnLiquidation(t *testing.T) {
	h := newHarness(t)
	liquidator, debtor := setupUnderwater(h)
	h.setPrice("ETH/USD", 1_180)

	if _, _, err := h.liquidations.Liquidate(h.op(), liquidator, debtor, wethID, units(4_000)); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	_, err := h.positions.Burn(h.op(), liquidator, wbtcID, units(7_000))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := h.ledger.Debt(liquidator, wbtcID); !got.Eq(units(10_000)) {
		t.Errorf("debt = %s, want unchanged", got.Dec())
	}
	h.assertInvariants()
}

// ===========================================================================
// Composites
// ===========================================================================

func TestDepositThenMint_SingleBatch(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.vaults[wethID].Faucet(alice, units(5))

	batch, err := h.positions.DepositThenMint(h.op(), alice, wethID, units(5), units(5_000))
	if err != nil {
		t.Fatalf("DepositThenMint: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("journals = %d, want 2", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.BatchID != batch.BatchID {
			t.Errorf("journal %s has batch %s, want %s", j.JournalType, j.BatchID, batch.BatchID)
		}
	}
	if got := h.ledger.Debt(alice, wethID); !got.Eq(units(5_000)) {
		t.Errorf("debt = %s", got.Dec())
	}
	h.assertInvariants()
}

func TestDepositThenMint_MintFailureRollsBackDeposit(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.vaults[wethID].Faucet(alice, units(5))

	_, err := h.positions.DepositThenMint(h.op(), alice, wethID, units(5), units(20_000))
	if !errors.Is(err, state.ErrHealthAtRisk) {
		t.Fatalf("err = %v, want ErrHealthAtRisk", err)
	}
	if !h.ledger.Collateral(alice, wethID).IsZero() {
		t.Error("deposit leg must not be applied")
	}
	if got := h.vaults[wethID].WalletOf(alice); !got.Eq(units(5)) {
		t.Errorf("wallet = %s, want untouched", got.Dec())
	}
	if h.ledger.Registry().Contains(alice) {
		t.Error("user must not be registered")
	}
}

func TestBurnThenRedeem_ClosesPosition(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 8_000)

	if _, err := h.positions.BurnThenRedeem(h.op(), alice, wethID, units(8_000), units(5)); err != nil {
		t.Fatalf("BurnThenRedeem: %v", err)
	}
	if !h.ledger.Collateral(alice, wethID).IsZero() || !h.ledger.Debt(alice, wethID).IsZero() {
		t.Error("position should be empty")
	}
	if !h.tok.TotalSupply().IsZero() {
		t.Error("supply should be zero")
	}
	h.assertInvariants()
}

func TestBurnThenRedeem_RedeemFailureRollsBackBurn(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 8_000)

	// 1 unit left against 7000 debt
	_, err := h.positions.BurnThenRedeem(h.op(), alice, wethID, units(1_000), units(4))
	if !errors.Is(err, state.ErrHealthAtRisk) {
		t.Fatalf("err = %v, want ErrHealthAtRisk", err)
	}
	if got := h.ledger.Debt(alice, wethID); !got.Eq(units(8_000)) {
		t.Errorf("debt = %s, want 8000e18", got.Dec())
	}
	if got := h.tok.BalanceOf(alice); !got.Eq(units(8_000)) {
		t.Errorf("token balance = %s, want 8000e18", got.Dec())
	}
	h.assertInvariants()
}

// ===========================================================================
// Views
// ===========================================================================

func TestPosition_View(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.mustDeposit(alice, wethID, 5)

	pv, err := h.positions.Position(t.Context(), alice, wethID)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pv.HasDebt() {
		t.Error("no-debt position should have no ratio")
	}
	if !pv.CollateralValue.Eq(units(17_000)) {
		t.Errorf("value = %s, want 17000e18", pv.CollateralValue.Dec())
	}

	if _, err := h.positions.Position(t.Context(), alice, dogeID); !errors.Is(err, state.ErrDisallowedAsset) {
		t.Errorf("disallowed asset: err = %v", err)
	}
}

func TestProtocol_View(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()

	pv, err := h.positions.Protocol(t.Context())
	if err != nil {
		t.Fatalf("Protocol: %v", err)
	}
	if pv.Ratio != nil || !pv.Solvent {
		t.Error("empty protocol should be solvent with no ratio")
	}

	h.mustDeposit(alice, wethID, 5)
	h.mustMint(alice, wethID, 5_000)
	h.mustDeposit(bob, wbtcID, 1)

	pv, err = h.positions.Protocol(t.Context())
	if err != nil {
		t.Fatalf("Protocol: %v", err)
	}
	// (17000 + 60000) / 5000 = 1540%
	want := uint256.MustFromDecimal("15400000000000000000")
	if !pv.Ratio.Eq(want) {
		t.Errorf("ratio = %s, want %s", pv.Ratio.Dec(), want.Dec())
	}
	if pv.Users != 2 {
		t.Errorf("users = %d, want 2", pv.Users)
	}
	if got := h.positions.UserDebt(alice); !got.Eq(units(5_000)) {
		t.Errorf("user debt = %s", got.Dec())
	}
}

// ===========================================================================
// Transitions
// ===========================================================================

func TestHealthStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to state.HealthStatus
		op       state.OperationKind
		want     bool
	}{
		{state.HealthStatusGrace, state.HealthStatusSafe, state.OperationDeposit, true},
		{state.HealthStatusSafe, state.HealthStatusGrace, state.OperationDeposit, false},
		{state.HealthStatusLiquidatable, state.HealthStatusLiquidatable, state.OperationBurn, true},
		{state.HealthStatusSafe, state.HealthStatusSafe, state.OperationMint, true},
		{state.HealthStatusSafe, state.HealthStatusGrace, state.OperationMint, false},
		{state.HealthStatusGrace, state.HealthStatusSafe, state.OperationMint, false},
		{state.HealthStatusGrace, state.HealthStatusSafe, state.OperationWithdraw, false},
		{state.HealthStatusLiquidatable, state.HealthStatusLiquidatable, state.OperationLiquidate, true},
		{state.HealthStatusLiquidatable, state.HealthStatusSafe, state.OperationLiquidate, true},
		{state.HealthStatusGrace, state.HealthStatusSafe, state.OperationLiquidate, false},
		{state.HealthStatusSafe, state.HealthStatusLiquidatable, state.OperationLiquidate, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransitionTo(tc.to, tc.op); got != tc.want {
			t.Errorf("%s -> %s via %s = %v, want %v", tc.from, tc.to, tc.op, got, tc.want)
		}
	}
}

func TestReason_Labels(t *testing.T) {
	err := ledger.Insufficient(state.ErrInsufficientDebt, units(1), units(2))
	if reason, class := state.Reason(err); reason != "insufficient_debt" || class != state.ErrorClassInsufficiency {
		t.Errorf("Reason = (%s, %s)", reason, class)
	}
	if reason, class := state.Reason(errors.New("boom")); reason != "internal" || class != state.ErrorClassInternal {
		t.Errorf("Reason = (%s, %s)", reason, class)
	}
}
