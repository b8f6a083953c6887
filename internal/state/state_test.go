package state_test

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLiqParams() state.LiquidationParams {
	return state.LiquidationParams{
		MarginFeeBps:      10,
		LiquidationFeeUsd: fpmath.USD("5"),
		MaxLeverageBps:    state.DefaultMaxLeverageBps,
	}
}

// ============================================================================
// Test: LiquidationClassifier
// ============================================================================

// classifyAt classifies a short opened at avg and marked at mark.
func classifyAt(t *testing.T, size, collateral, avg, mark string) (state.LiquidationState, *uint256.Int) {
	t.Helper()
	hasProfit, delta := fpmath.Delta(fpmath.USD(size), fpmath.USD(avg), fpmath.USD(mark), false)
	require.False(t, hasProfit)
	return state.ClassifyLiquidation(fpmath.USD(size), fpmath.USD(collateral), hasProfit, delta, defaultLiqParams())
}

func TestClassify_NonMonotonicTransition(t *testing.T) {
	st, fee := classifyAt(t, "1000", "99", "40000", "45000")
	assert.Equal(t, state.LiquidationStateInsolvent, st)
	assert.Equal(t, fpmath.USD("1"), fee)

	st, fee = classifyAt(t, "1000", "99", "40000", "43600")
	assert.Equal(t, state.LiquidationStateOverleveraged, st)
	assert.Equal(t, fpmath.USD("1"), fee)

	st, _ = classifyAt(t, "1000", "99", "40000", "41000")
	assert.Equal(t, state.LiquidationStateSafe, st)
}

func TestClassify_RemainingBelowMarginFeeCapsFee(t *testing.T) {
	// loss 98.5 leaves 0.5 which is below the 1 USD margin fee
	hasProfit, delta := fpmath.Delta(fpmath.USD("1000"), fpmath.USD("40000"), fpmath.USD("36060"), true)
	require.False(t, hasProfit)
	st, fee := state.ClassifyLiquidation(fpmath.USD("1000"), fpmath.USD("99"), hasProfit, delta, defaultLiqParams())
	assert.Equal(t, state.LiquidationStateInsolvent, st)
	assert.Equal(t, fpmath.USD("0.5"), fee)
}

func TestClassify_ShortInsolventBelowLiquidationFee(t *testing.T) {
	hasProfit, delta := fpmath.Delta(fpmath.USD("90"), fpmath.USD("40000"), fpmath.USD("42500"), false)
	require.False(t, hasProfit)
	assert.Equal(t, fpmath.USD("5.625"), delta)

	st, fee := state.ClassifyLiquidation(fpmath.USD("90"), fpmath.USD("9.91"), hasProfit, delta, defaultLiqParams())
	assert.Equal(t, state.LiquidationStateInsolvent, st)
	assert.Equal(t, fpmath.USD("0.09"), fee)
}

func TestLiquidationState_String(t *testing.T) {
	assert.Equal(t, "Safe", state.LiquidationStateSafe.String())
	assert.Equal(t, "Insolvent", state.LiquidationStateInsolvent.String())
	assert.Equal(t, "Overleveraged", state.LiquidationStateOverleveraged.String())
	assert.Equal(t, "Unknown", state.LiquidationState(9).String())
}

// ============================================================================
// Test: FeeEngine
// ============================================================================

func dynamicEngine(t *testing.T) *state.FeeEngine {
	t.Helper()
	s := state.DefaultFeeSchedule()
	s.HasDynamicFees = true
	f, err := state.NewFeeEngine(s)
	require.NoError(t, err)
	return f
}

func TestFeeBasisPoints_StaticWhenDisabled(t *testing.T) {
	f, err := state.NewFeeEngine(state.DefaultFeeSchedule())
	require.NoError(t, err)
	bps := f.FeeBasisPoints(uint256.NewInt(0), uint256.NewInt(100), uint256.NewInt(1000), 30, 50, true)
	assert.Equal(t, uint64(30), bps)
}

func TestFeeBasisPoints_RebateTowardTarget(t *testing.T) {
	f := dynamicEngine(t)
	usdg := func(s string) *uint256.Int { return fpmath.MustParseUnits(s, 18) }

	// below target, minting moves toward it
	bps := f.FeeBasisPoints(usdg("500"), usdg("100"), usdg("1000"), 30, 50, true)
	assert.Equal(t, uint64(5), bps) // 30 - 50*500/1000

	// far below target: rebate exceeds fee
	bps = f.FeeBasisPoints(usdg("0"), usdg("100"), usdg("1000"), 30, 50, true)
	assert.Equal(t, uint64(0), bps)
}

func TestFeeBasisPoints_TaxAwayFromTarget(t *testing.T) {
	f := dynamicEngine(t)
	usdg := func(s string) *uint256.Int { return fpmath.MustParseUnits(s, 18) }

	// at target, minting 200 more: avg diff 100, tax 50*100/1000 = 5
	bps := f.FeeBasisPoints(usdg("1000"), usdg("200"), usdg("1000"), 30, 50, true)
	assert.Equal(t, uint64(35), bps)

	// redeeming below target increases the fee symmetrically
	bps = f.FeeBasisPoints(usdg("1000"), usdg("200"), usdg("1000"), 30, 50, false)
	assert.Equal(t, uint64(35), bps)

	// imbalance capped at the target
	bps = f.FeeBasisPoints(usdg("5000"), usdg("5000"), usdg("1000"), 30, 50, true)
	assert.Equal(t, uint64(80), bps)
}

func TestFeeSchedule_Validation(t *testing.T) {
	s := state.DefaultFeeSchedule()
	s.SwapFeeBps = 501
	_, err := state.NewFeeEngine(s)
	assert.Error(t, err)

	s = state.DefaultFeeSchedule()
	s.LiquidationFeeUsd.Set(fpmath.USD("101"))
	_, err = state.NewFeeEngine(s)
	assert.Error(t, err)
}

func TestSwapRates(t *testing.T) {
	f, _ := state.NewFeeEngine(state.DefaultFeeSchedule())
	fee, tax := f.SwapRates(true, true)
	assert.Equal(t, uint64(4), fee)
	assert.Equal(t, uint64(20), tax)
	fee, tax = f.SwapRates(true, false)
	assert.Equal(t, uint64(30), fee)
	assert.Equal(t, uint64(50), tax)
}

// ============================================================================
// Test: TokenRegistry
// ============================================================================

func TestTokenRegistry_UnknownTokenFailsLoudly(t *testing.T) {
	r := state.NewTokenRegistry()
	_, err := r.Get("DOGE")
	assert.ErrorIs(t, err, state.ErrUnknownToken)
}

func TestTokenRegistry_Weights(t *testing.T) {
	r := state.NewTokenRegistry()
	require.NoError(t, r.Set(state.TokenConfig{Token: "DAI", Decimals: 18, Weight: 10000, IsStable: true}))
	require.NoError(t, r.Set(state.TokenConfig{Token: "BTC", Decimals: 8, Weight: 20000, IsShortable: true}))
	assert.Equal(t, uint64(30000), r.TotalWeights())

	require.NoError(t, r.Set(state.TokenConfig{Token: "BTC", Decimals: 8, Weight: 5000, IsShortable: true}))
	assert.Equal(t, uint64(15000), r.TotalWeights())

	require.NoError(t, r.Clear("DAI"))
	assert.Equal(t, uint64(5000), r.TotalWeights())
	assert.Equal(t, []string{"BTC"}, r.Tokens())
}

func TestTokenRegistry_RejectsInvalid(t *testing.T) {
	r := state.NewTokenRegistry()
	assert.Error(t, r.Set(state.TokenConfig{Token: "X", Decimals: 31}))
	assert.Error(t, r.Set(state.TokenConfig{Token: "X", Decimals: 18, IsStable: true, IsShortable: true}))
	assert.Error(t, r.Set(state.TokenConfig{Decimals: 18}))
}

// ============================================================================
// Test: GlobalShort, PositionBook, Keeper
// ============================================================================

func TestGlobalShort_AverageAndReset(t *testing.T) {
	g := state.GlobalShort{IndexToken: "BTC"}
	g.Increase(fpmath.USD("40000"), fpmath.USD("90"))
	assert.Equal(t, fpmath.USD("40000"), &g.AveragePrice)

	g.Decrease(fpmath.USD("90"))
	assert.True(t, g.Size.IsZero())
	assert.Equal(t, fpmath.USD("40000"), &g.AveragePrice)

	g.Increase(fpmath.USD("50000"), fpmath.USD("100"))
	assert.Equal(t, fpmath.USD("50000"), &g.AveragePrice)
	assert.Equal(t, fpmath.USD("100"), &g.Size)

	g.Decrease(fpmath.USD("1000"))
	assert.True(t, g.Size.IsZero())
}

func TestPositionBook_PutEmptyDeletes(t *testing.T) {
	b := state.NewPositionBook()
	key := state.PositionKey{Account: "alice", CollateralToken: "DAI", IndexToken: "BTC"}

	p := state.Position{Key: key}
	p.Size.Set(fpmath.USD("100"))
	p.ReserveAmount.SetUint64(7)
	b.Put(p)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, uint256.NewInt(7), b.TotalReserve("DAI"))

	got, ok := b.Get(key)
	require.True(t, ok)
	got.Size.Clear()
	// copies do not alias the book
	again, _ := b.Get(key)
	assert.False(t, again.Size.IsZero())

	b.Put(got)
	assert.Equal(t, 0, b.Len())
	_, ok = b.Get(key)
	assert.False(t, ok)
}

func TestKeeper_FlagsOnce(t *testing.T) {
	k := state.NewLiquidationKeeper()
	key := state.PositionKey{Account: "alice", CollateralToken: "DAI", IndexToken: "BTC"}
	p := state.Position{Key: key}
	p.Size.Set(fpmath.USD("100"))

	verdict := state.LiquidationStateInsolvent
	classify := func(state.Position) (state.LiquidationState, *uint256.Int, error) {
		return verdict, fpmath.USD("0.1"), nil
	}

	c := k.Scan([]state.Position{p}, classify)
	require.Len(t, c, 1)
	assert.True(t, c[0].Newly)

	c = k.Scan([]state.Position{p}, classify)
	require.Len(t, c, 1)
	assert.False(t, c[0].Newly)

	verdict = state.LiquidationStateSafe
	c = k.Scan([]state.Position{p}, classify)
	assert.Empty(t, c)
	assert.Equal(t, 0, k.Flagged())
}
