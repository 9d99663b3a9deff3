package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point scale used for every amount, price and ratio.
const Decimals = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

// Precision is 10^18. Callers must not mutate it.
var Precision = uint256.NewInt(1_000_000_000_000_000_000)

// Units returns n whole units expressed in 18-decimal fixed point.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Precision)
}

// MulDiv computes floor(x * y / d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Add returns x + y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y or ErrUnderflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	if y.Gt(x) {
		return nil, ErrUnderflow
	}
	return new(uint256.Int).Sub(x, y), nil
}

// Percent returns floor(x * pct / 100).
func Percent(x *uint256.Int, pct uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(pct), uint256.NewInt(100))
}

// FeedScale returns the factor that lifts a price with feedDecimals
// decimals to 18 decimals (10^10 for an 8-decimal feed).
func FeedScale(feedDecimals uint8) (*uint256.Int, error) {
	if feedDecimals > Decimals {
		return nil, fmt.Errorf("feed decimals %d exceed %d", feedDecimals, Decimals)
	}
	exp := uint256.NewInt(uint64(Decimals - feedDecimals))
	return new(uint256.Int).Exp(uint256.NewInt(10), exp), nil
}

// ParseUnits parses a human decimal string ("1.5", "3400") into 18-decimal
// fixed point. More than 18 fractional digits or a negative value is an error.
func ParseUnits(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse %q: negative value", s)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse %q: more than %d fractional digits", s, Decimals)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return z, nil
}

// ParseBaseUnits parses an integer amount already expressed in base units.
func ParseBaseUnits(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return z, nil
}

// ToDecimal converts an 18-decimal fixed-point value to a decimal.Decimal.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// FormatPercent renders an 18-decimal ratio as a percentage with two
// fractional digits ("73.75").
func FormatPercent(ratio *uint256.Int) string {
	return ToDecimal(ratio).Shift(2).Truncate(2).StringFixed(2)
}

// Float64 is a lossy conversion used only for metric gauges.
func Float64(x *uint256.Int) float64 {
	f, _ := ToDecimal(x).Float64()
	return f
}
