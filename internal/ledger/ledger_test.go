package ledger_test

import (
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type fixedSupply struct{ v *uint256.Int }

func (f fixedSupply) TotalSupply() *uint256.Int { return f.v.Clone() }

func mustRegistry(t *testing.T) *ledger.AssetRegistry {
	t.Helper()
	r, err := ledger.NewAssetRegistry([]ledger.Asset{
		{Symbol: "WETH", PriceFeed: "ETH/USD", FeedDecimals: 8, Allowed: true},
		{Symbol: "WBTC", PriceFeed: "BTC/USD", FeedDecimals: 8, Allowed: true},
		{Symbol: "DOGE", PriceFeed: "DOGE/USD", FeedDecimals: 8, Allowed: false},
	})
	if err != nil {
		t.Fatalf("NewAssetRegistry: %v", err)
	}
	return r
}

// ============================================================================
// Test: AccountKey / AssetRegistry
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	path := ledger.CollateralAccount(userID, 1).AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:1"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}

	path = ledger.DebtAccount(userID, 2).AccountPath()
	if path != "user:550e8400-e29b-41d4-a716-446655440000:debt:2" {
		t.Errorf("unexpected debt path %q", path)
	}
}

func TestAssetRegistry_Lookup(t *testing.T) {
	r := mustRegistry(t)

	weth, ok := r.Lookup("WETH")
	if !ok {
		t.Fatal("WETH should be registered")
	}
	if weth.ID != 1 || weth.PriceFeed != "ETH/USD" {
		t.Errorf("unexpected asset %+v", weth)
	}

	if _, ok := r.Lookup("PEPE"); ok {
		t.Error("PEPE should not be registered")
	}
}

func TestAssetRegistry_RequireAllowed(t *testing.T) {
	r := mustRegistry(t)
	doge, _ := r.Lookup("DOGE")

	if _, err := r.RequireAllowed(doge.ID); !errors.Is(err, ledger.ErrDisallowedAsset) {
		t.Errorf("expected ErrDisallowedAsset, got %v", err)
	}
	if _, err := r.RequireAllowed(99); !errors.Is(err, ledger.ErrDisallowedAsset) {
		t.Errorf("expected ErrDisallowedAsset for unknown id, got %v", err)
	}
	if got := len(r.Allowed()); got != 2 {
		t.Errorf("allowed assets: got %d, want 2", got)
	}
}

func TestAssetRegistry_DuplicateSymbol(t *testing.T) {
	_, err := ledger.NewAssetRegistry([]ledger.Asset{
		{Symbol: "WETH", Allowed: true},
		{Symbol: "WETH", Allowed: true},
	})
	if err == nil {
		t.Error("expected duplicate symbol error")
	}
}

// ============================================================================
// Test: Primitive mutations
// ============================================================================

func TestLedger_InitialBalanceZero(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()

	if !l.Collateral(userID, 1).IsZero() || !l.Debt(userID, 1).IsZero() {
		t.Error("untouched position should be zero")
	}
	if !l.UserDebt(userID).IsZero() {
		t.Error("untouched user debt should be zero")
	}
}

func TestLedger_CollateralIncreaseDecrease(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()

	if err := l.IncreaseCollateral(userID, 1, fpmath.Units(5)); err != nil {
		t.Fatalf("IncreaseCollateral: %v", err)
	}
	if err := l.DecreaseCollateral(userID, 1, fpmath.Units(2)); err != nil {
		t.Fatalf("DecreaseCollateral: %v", err)
	}

	if !l.Collateral(userID, 1).Eq(fpmath.Units(3)) {
		t.Errorf("collateral: got %s, want 3e18", l.Collateral(userID, 1).Dec())
	}
	if !l.Custody(1).Eq(fpmath.Units(3)) {
		t.Errorf("custody: got %s, want 3e18", l.Custody(1).Dec())
	}
}

func TestLedger_DecreaseCollateral_Insufficient(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()
	_ = l.IncreaseCollateral(userID, 1, fpmath.Units(1))

	err := l.DecreaseCollateral(userID, 1, fpmath.Units(2))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	var ie *ledger.InsufficiencyError
	if !errors.As(err, &ie) {
		t.Fatal("expected *InsufficiencyError")
	}
	if !ie.Have.Eq(fpmath.Units(1)) || !ie.Need.Eq(fpmath.Units(2)) {
		t.Errorf("have=%s need=%s", ie.Have.Dec(), ie.Need.Dec())
	}

	if !l.Collateral(userID, 1).Eq(fpmath.Units(1)) {
		t.Error("failed decrease must not change balance")
	}
}

func TestLedger_DecreaseDebt_Insufficient(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()
	_ = l.IncreaseDebt(userID, 1, fpmath.Units(100))

	err := l.DecreaseDebt(userID, 1, fpmath.Units(101))
	if !errors.Is(err, ledger.ErrInsufficientDebt) {
		t.Errorf("expected ErrInsufficientDebt, got %v", err)
	}
}

func TestLedger_ZeroAmountRejected(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()
	zero := uint256.NewInt(0)

	for name, fn := range map[string]func() error{
		"increase_collateral": func() error { return l.IncreaseCollateral(userID, 1, zero) },
		"decrease_collateral": func() error { return l.DecreaseCollateral(userID, 1, zero) },
		"increase_debt":       func() error { return l.IncreaseDebt(userID, 1, zero) },
		"decrease_debt":       func() error { return l.DecreaseDebt(userID, 1, zero) },
	} {
		if err := fn(); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", name, err)
		}
	}
}

func TestLedger_AggregateDebtTracksPerAsset(t *testing.T) {
	l := ledger.NewLedger()
	userID := uuid.New()

	_ = l.IncreaseDebt(userID, 1, fpmath.Units(100))
	_ = l.IncreaseDebt(userID, 2, fpmath.Units(50))
	_ = l.DecreaseDebt(userID, 1, fpmath.Units(30))

	if !l.UserDebt(userID).Eq(fpmath.Units(120)) {
		t.Errorf("aggregate debt: got %s, want 120e18", l.UserDebt(userID).Dec())
	}

	v := ledger.NewInvariantValidator(l, fixedSupply{fpmath.Units(120)})
	if err := v.ValidateAll(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestUserRegistry_RegisterOnce(t *testing.T) {
	r := ledger.NewUserRegistry()
	u := uuid.New()

	idx, isNew := r.Register(u)
	if !isNew || idx != 0 {
		t.Fatalf("first register: idx=%d new=%v", idx, isNew)
	}
	idx, isNew = r.Register(u)
	if isNew || idx != 0 {
		t.Errorf("second register: idx=%d new=%v", idx, isNew)
	}
	if r.Len() != 1 {
		t.Errorf("len: got %d, want 1", r.Len())
	}
	if _, ok := r.At(1); ok {
		t.Error("At(1) should be out of range")
	}
}

func TestLedger_RegistersOnDeposit(t *testing.T) {
	l := ledger.NewLedger()
	u := uuid.New()

	_ = l.IncreaseCollateral(u, 1, fpmath.Units(1))
	_ = l.IncreaseCollateral(u, 2, fpmath.Units(1))
	_ = l.DecreaseCollateral(u, 1, fpmath.Units(1))

	if l.Registry().Len() != 1 {
		t.Errorf("registry len: got %d, want 1", l.Registry().Len())
	}
	// zero balance positions are retained
	if len(l.Positions()) != 2 {
		t.Errorf("positions: got %d, want 2", len(l.Positions()))
	}
}

// ============================================================================
// Test: Batch / Preview
// ============================================================================

func TestBatch_Validate_Empty(t *testing.T) {
	b := ledger.NewBatch("ref", 0)
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_Validate_ZeroAmount(t *testing.T) {
	b := ledger.GenerateDeposit("ref", 0, uuid.New(), 1, uint256.NewInt(0))
	if err := b.Validate(); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	l := ledger.NewLedger()
	u := uuid.New()
	_ = l.IncreaseCollateral(u, 1, fpmath.Units(5))

	o, err := l.Preview(ledger.GenerateMint("ref", 0, u, 1, fpmath.Units(1000)))
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if !o.Debt(u, 1).Eq(fpmath.Units(1000)) {
		t.Errorf("overlay debt: got %s", o.Debt(u, 1).Dec())
	}
	if !o.UserDebt(u).Eq(fpmath.Units(1000)) {
		t.Errorf("overlay user debt: got %s", o.UserDebt(u).Dec())
	}
	if !o.Collateral(u, 1).Eq(fpmath.Units(5)) {
		t.Error("overlay should fall through for untouched collateral")
	}
	if !l.Debt(u, 1).IsZero() {
		t.Error("preview must not mutate the ledger")
	}
}

func TestApplyBatch_AllOrNothing(t *testing.T) {
	l := ledger.NewLedger()
	debtor := uuid.New()
	liquidator := uuid.New()
	_ = l.IncreaseCollateral(debtor, 1, fpmath.Units(5))
	_ = l.IncreaseDebt(debtor, 1, fpmath.Units(100))

	// seize fits, repay exceeds debt: nothing may be applied
	b := ledger.GenerateLiquidation("ref", 0, liquidator, debtor, 1, fpmath.Units(200), fpmath.Units(1))
	err := l.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
	if !l.Collateral(debtor, 1).Eq(fpmath.Units(5)) {
		t.Error("collateral must be untouched after a failed batch")
	}
}

func TestBatch_Append(t *testing.T) {
	u := uuid.New()
	b := ledger.GenerateDeposit("ref", 0, u, 1, fpmath.Units(1))
	b.Append(ledger.GenerateMint("other", 0, u, 1, fpmath.Units(10)))
	b.Stamp(7)

	if len(b.Journals) != 2 || len(b.Transfers) != 2 {
		t.Fatalf("journals=%d transfers=%d", len(b.Journals), len(b.Transfers))
	}
	for _, j := range b.Journals {
		if j.BatchID != b.BatchID || j.Sequence != 7 || j.EventRef != "ref" {
			t.Errorf("journal not rebased: %+v", j)
		}
	}
	if err := b.Validate(); err != nil {
		t.Errorf("appended batch should validate: %v", err)
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestLedger_SnapshotRestore(t *testing.T) {
	l := ledger.NewLedger()
	u1, u2 := uuid.New(), uuid.New()
	_ = l.IncreaseCollateral(u1, 1, fpmath.Units(5))
	_ = l.IncreaseDebt(u1, 1, fpmath.Units(100))
	_ = l.IncreaseCollateral(u2, 2, fpmath.Units(1))

	restored := ledger.NewLedger()
	restored.Restore(l.Snapshot(), l.Registry().Users())

	if !restored.UserDebt(u1).Eq(fpmath.Units(100)) {
		t.Errorf("user debt: got %s", restored.UserDebt(u1).Dec())
	}
	if !restored.Custody(2).Eq(fpmath.Units(1)) {
		t.Errorf("custody: got %s", restored.Custody(2).Dec())
	}
	first, _ := restored.Registry().At(0)
	if first != u1 {
		t.Error("registry order must survive restore")
	}
}

func TestInvariantValidator_DetectsSupplyMismatch(t *testing.T) {
	l := ledger.NewLedger()
	u := uuid.New()
	_ = l.IncreaseDebt(u, 1, fpmath.Units(100))

	v := ledger.NewInvariantValidator(l, fixedSupply{fpmath.Units(99)})
	if err := v.ValidateDebtReconciliation(); err == nil {
		t.Error("expected reconciliation failure")
	}
}
