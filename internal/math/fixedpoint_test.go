package math_test

import (
	fpmath "PerpVault/internal/math"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: conversions
// ============================================================================

func TestParseUnits(t *testing.T) {
	v, err := fpmath.ParseUnits("99.96", 18)
	require.NoError(t, err)
	assert.Equal(t, "99960000000000000000", v.Dec())

	v, err = fpmath.ParseUnits("40000", 30)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MulDiv(uint256.NewInt(40000), fpmath.PricePrecision, uint256.NewInt(1)), v)
}

func TestParseUnits_Rejects(t *testing.T) {
	_, err := fpmath.ParseUnits("-1", 18)
	assert.Error(t, err)

	_, err = fpmath.ParseUnits("0.0000001", 6)
	assert.Error(t, err)

	_, err = fpmath.ParseUnits("abc", 6)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "9.91", fpmath.FormatUnits(fpmath.USD("9.91"), 30))
	assert.Equal(t, "0", fpmath.FormatUnits(uint256.NewInt(0), 18))

	neg := new(uint256.Int).Neg(fpmath.USD("2.25"))
	assert.Equal(t, "-2.25", fpmath.FormatSigned(neg, 30))
}

func TestAdjustDecimals(t *testing.T) {
	oneBTC := fpmath.MustParseUnits("1", 8)
	assert.Equal(t, fpmath.MustParseUnits("1", 18), fpmath.AdjustDecimals(oneBTC, 8, 18))
	assert.Equal(t, oneBTC, fpmath.AdjustDecimals(fpmath.MustParseUnits("1", 18), 18, 8))
}

func TestBps(t *testing.T) {
	amount := fpmath.MustParseUnits("100", 18)
	assert.Equal(t, fpmath.MustParseUnits("0.04", 18), fpmath.ApplyBps(amount, 4))
	assert.Equal(t, fpmath.MustParseUnits("99.96", 18), fpmath.AfterBps(amount, 4))
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 1e30 * 1e30 overflows 64 bits many times over but fits the 512-bit intermediate.
	z := fpmath.MulDiv(fpmath.PricePrecision, fpmath.PricePrecision, fpmath.PricePrecision)
	assert.Equal(t, fpmath.PricePrecision, z)
}

func TestMulDiv_ZeroDivisorPanics(t *testing.T) {
	assert.PanicsWithValue(t, "FATAL: mulDiv by zero (1 * 1 / 0)", func() {
		fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0))
	})
}

func TestPrecisionVars_InitializedFromTable(t *testing.T) {
	assert.Equal(t, "1"+strings.Repeat("0", 30), fpmath.PricePrecision.Dec())
	assert.Equal(t, fpmath.Pow10(fpmath.PriceDecimals), fpmath.PricePrecision)
	assert.Equal(t, uint64(10000), fpmath.BasisPointsDivisor.Uint64())

	// one whole token at 40000 USD is 40000 USD, not zero
	usd := fpmath.MulDiv(fpmath.MustParseUnits("1", 8), fpmath.USD("40000"), fpmath.Pow10(8))
	assert.Equal(t, fpmath.USD("40000"), usd)
}

func TestSubFloorAndAbsDiff(t *testing.T) {
	assert.True(t, fpmath.SubFloor(uint256.NewInt(3), uint256.NewInt(5)).IsZero())
	d, aGreater := fpmath.AbsDiff(uint256.NewInt(3), uint256.NewInt(5))
	assert.Equal(t, uint256.NewInt(2), d)
	assert.False(t, aGreater)
}

// ============================================================================
// Test: average price algebra
// ============================================================================

func TestDelta_LongAndShort(t *testing.T) {
	size := fpmath.USD("90")
	avg := fpmath.USD("40000")

	hasProfit, delta := fpmath.Delta(size, avg, fpmath.USD("39000"), false)
	assert.True(t, hasProfit)
	assert.Equal(t, fpmath.USD("2.25"), delta)

	hasProfit, delta = fpmath.Delta(size, avg, fpmath.USD("41000"), false)
	assert.False(t, hasProfit)
	assert.Equal(t, fpmath.USD("2.25"), delta)

	hasProfit, delta = fpmath.Delta(size, avg, fpmath.USD("41000"), true)
	assert.True(t, hasProfit)
	assert.Equal(t, fpmath.USD("2.25"), delta)
}

func TestNextAveragePrice_EmptyTakesPrice(t *testing.T) {
	p := fpmath.USD("50000")
	assert.Equal(t, p, fpmath.NextGlobalShortAveragePrice(uint256.NewInt(0), fpmath.USD("40000"), p, fpmath.USD("100")))
}

func TestNextAveragePrice_BetweenPrices(t *testing.T) {
	for _, isLong := range []bool{true, false} {
		p1 := fpmath.USD("40000")
		p2 := fpmath.USD("44000")
		size := fpmath.USD("1000")

		next := fpmath.NextAveragePrice(size, p1, p2, fpmath.USD("500"), isLong)
		assert.True(t, next.Gt(p1), "isLong=%v: %s", isLong, next.Dec())
		assert.True(t, next.Lt(p2), "isLong=%v: %s", isLong, next.Dec())

		same := fpmath.NextAveragePrice(size, p1, p1, fpmath.USD("500"), isLong)
		assert.Equal(t, p1, same)
	}
}

func TestNextAveragePrice_PreservesUnrealizedPnl(t *testing.T) {
	size := fpmath.USD("1000")
	avg := fpmath.USD("40000")
	price := fpmath.USD("42000")
	sizeDelta := fpmath.USD("1000")

	for _, isLong := range []bool{true, false} {
		_, before := fpmath.Delta(size, avg, price, isLong)
		next := fpmath.NextAveragePrice(size, avg, price, sizeDelta, isLong)
		nextSize := new(uint256.Int).Add(size, sizeDelta)
		_, after := fpmath.Delta(nextSize, next, price, isLong)

		diff, _ := fpmath.AbsDiff(before, after)
		// Rounding in the divisor may lose a few units of 1e-30 USD.
		assert.True(t, diff.Lt(fpmath.USD("0.000000000001")), "isLong=%v diff=%s", isLong, diff.Dec())
	}
}
