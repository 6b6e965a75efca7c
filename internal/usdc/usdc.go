// Package usdc converts between minor-unit integers and decimal strings for
// six-decimal stablecoins, and compares amounts against a tolerance
// expressed in whole units.
//
// Ledger amounts are int64 minor units (1 USDC = 1,000,000); chain amounts
// arrive as *big.Int in the same unit.
package usdc

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// DefaultTolerance is the maximum accepted difference between the expected
// and observed escrow amount, in whole units.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Parse converts a decimal string ("1.50") to minor units (1500000).
// Negative amounts and malformed input return ok=false. Fractional digits
// beyond six are truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return d.Shift(Decimals).Truncate(0).BigInt(), true
}

// Format renders minor units with exactly six decimal places ("1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(amount, -Decimals).StringFixed(Decimals)
}

// FormatMinor is Format for int64 ledger amounts.
func FormatMinor(amount int64) string {
	return Format(big.NewInt(amount))
}

// Diff returns |observed - expected| in whole units.
func Diff(expectedMinor int64, observed *big.Int) decimal.Decimal {
	if observed == nil {
		observed = new(big.Int)
	}
	exp := decimal.New(expectedMinor, -Decimals)
	obs := decimal.NewFromBigInt(observed, -Decimals)
	return obs.Sub(exp).Abs()
}

// WithinTolerance reports whether observed is within tol whole units of
// expectedMinor. The comparison is inclusive.
func WithinTolerance(expectedMinor int64, observed *big.Int, tol decimal.Decimal) bool {
	return Diff(expectedMinor, observed).LessThanOrEqual(tol)
}
