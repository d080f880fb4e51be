// Package fixedpoint implements decimal-precision conversion for token
// amounts and oracle prices.
//
// Every valuation in the engine flows through this package: token amounts
// arrive in native base units with per-token decimals (6 for USDC-style
// tokens, 18 for most synthetics), and oracle prices arrive as an integer
// mantissa with a signed base-10 exponent. Both are normalized to a single
// canonical precision before any comparison, so scaling arithmetic lives
// here and nowhere else.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Division always truncates toward zero unless a Ceil variant is called;
// the engine picks the direction that favors protocol solvency.
package fixedpoint

import (
	"errors"

	"github.com/shopspring/decimal"
)

// CanonicalDecimals is the fixed precision all USD valuations are
// normalized to before comparison.
const CanonicalDecimals int32 = 18

// MaxDecimals bounds the supported token precision and oracle exponent
// magnitude. Scale parameters outside the bound fail with ErrOverflow
// rather than silently producing absurd magnitudes.
const MaxDecimals int32 = 38

var (
	// ErrOverflow is returned when a scale parameter is outside the
	// supported range.
	ErrOverflow = errors.New("fixedpoint: scale out of supported range")

	// ErrDivisionByZero is returned by MulDiv variants when the divisor
	// is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrNegativePrice is returned when an oracle mantissa is zero or
	// negative.
	ErrNegativePrice = errors.New("fixedpoint: price mantissa must be positive")
)

// CanonicalUnit is 10^CanonicalDecimals, the scale factor of one whole
// canonical unit.
func CanonicalUnit() decimal.Decimal {
	return decimal.New(1, CanonicalDecimals)
}

// Convert rescales an integer amount from one fixed-point precision to
// another. Expanding appends zeros exactly; shrinking truncates toward
// zero. Equal precisions return the amount unchanged.
func Convert(amount decimal.Decimal, fromDecimals, toDecimals int32) (decimal.Decimal, error) {
	if fromDecimals < 0 || fromDecimals > MaxDecimals || toDecimals < 0 || toDecimals > MaxDecimals {
		return decimal.Zero, ErrOverflow
	}
	if fromDecimals == toDecimals {
		return amount, nil
	}
	return amount.Shift(toDecimals - fromDecimals).Truncate(0), nil
}

// ConvertCeil rescales like Convert but rounds away from zero when
// shrinking loses precision. Used where the result is an obligation owed
// to the protocol.
func ConvertCeil(amount decimal.Decimal, fromDecimals, toDecimals int32) (decimal.Decimal, error) {
	if fromDecimals < 0 || fromDecimals > MaxDecimals || toDecimals < 0 || toDecimals > MaxDecimals {
		return decimal.Zero, ErrOverflow
	}
	if fromDecimals == toDecimals {
		return amount, nil
	}
	shifted := amount.Shift(toDecimals - fromDecimals)
	truncated := shifted.Truncate(0)
	if shifted.Equal(truncated) {
		return truncated, nil
	}
	return truncated.Add(decimal.NewFromInt(1)), nil
}

// NormalizePrice converts a raw oracle quote (mantissa × 10^exponent) to
// the canonical 18-decimal price representation.
func NormalizePrice(mantissa int64, exponent int32) (decimal.Decimal, error) {
	if mantissa <= 0 {
		return decimal.Zero, ErrNegativePrice
	}
	if exponent < -MaxDecimals || exponent > MaxDecimals {
		return decimal.Zero, ErrOverflow
	}
	return decimal.New(mantissa, exponent).Shift(CanonicalDecimals).Truncate(0), nil
}

// MulDivFloor computes (a × b) / c truncated toward zero. The
// multiplication is exact; only the final division loses precision.
func MulDivFloor(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q, nil
}

// MulDivCeil computes (a × b) / c rounded away from zero on any
// remainder.
func MulDivCeil(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, r := a.Mul(b).QuoRem(c, 0)
	if r.IsZero() {
		return q, nil
	}
	if q.Sign() < 0 || (q.IsZero() && r.Sign() < 0) {
		return q.Sub(decimal.NewFromInt(1)), nil
	}
	return q.Add(decimal.NewFromInt(1)), nil
}
