package math_test

import (
	fpmath "StableLedger/internal/math"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_Floors(t *testing.T) {
	// 10 * 1 / 3 = 3.33.. -> 3
	got, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 3 {
		t.Errorf("got %d, want 3", got.Uint64())
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^150 = 2^150, product overflows 256 bits
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 150)

	got, err := fpmath.MulDiv(x, y, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0))
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
}

// ============================================================================
// Test: Feed scaling and parsing
// ============================================================================

func TestFeedScale_EightDecimals(t *testing.T) {
	scale, err := fpmath.FeedScale(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scale.Uint64() != 10_000_000_000 {
		t.Errorf("got %d, want 1e10", scale.Uint64())
	}
}

func TestFeedScale_TooManyDecimals(t *testing.T) {
	if _, err := fpmath.FeedScale(19); err == nil {
		t.Error("expected error for 19 decimals")
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.5", "1500000000000000000"},
		{"1.25", "1250000000000000000"},
		{"3400", "3400000000000000000000"},
		{"0", "0"},
	}
	for _, tc := range tests {
		got, err := fpmath.ParseUnits(tc.in)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Errorf("ParseUnits(%q) = %s, want %s", tc.in, got.Dec(), tc.want)
		}
	}
}

func TestParseUnits_Rejects(t *testing.T) {
	for _, in := range []string{"-1", "abc", "0.0000000000000000001"} {
		if _, err := fpmath.ParseUnits(in); err == nil {
			t.Errorf("ParseUnits(%q) should fail", in)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	ratio := uint256.MustFromDecimal("737500000000000000") // 0.7375
	if got := fpmath.FormatPercent(ratio); got != "73.75" {
		t.Errorf("got %q, want %q", got, "73.75")
	}
}
