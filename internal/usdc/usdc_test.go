package usdc

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"truncates seventh decimal", "1.1234567", 1_123_456},
		{"leading zeros in whole", "007.50", 7_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			require.True(t, ok, "Parse(%q) returned ok=false", tt.input)
			assert.Equal(t, tt.expected, got.Int64())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "-1", "abc", "1.2.3"} {
		_, ok := Parse(in)
		assert.False(t, ok, "Parse(%q) should fail", in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "5.000000", FormatMinor(5_000_000))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "0.000000", Format(nil))
}

func TestWithinTolerance(t *testing.T) {
	tol := decimal.RequireFromString("0.01")
	expected := int64(5_000_000)

	assert.True(t, WithinTolerance(expected, big.NewInt(5_000_000), tol), "exact match")
	assert.True(t, WithinTolerance(expected, big.NewInt(5_010_000), tol), "boundary is inclusive")
	assert.True(t, WithinTolerance(expected, big.NewInt(4_990_000), tol), "under by tolerance")
	assert.False(t, WithinTolerance(expected, big.NewInt(5_020_000), tol), "over by 0.02")
	assert.False(t, WithinTolerance(expected, big.NewInt(4_980_000), tol), "under by 0.02")
}

func TestDiff(t *testing.T) {
	d := Diff(5_000_000, big.NewInt(4_980_000))
	assert.Equal(t, "0.02", d.String())
}
