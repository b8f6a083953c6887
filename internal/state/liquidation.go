package state

import (
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// LiquidationState is the classifier verdict for a position.
type LiquidationState int32

const (
	LiquidationStateSafe LiquidationState = iota
	LiquidationStateInsolvent
	LiquidationStateOverleveraged
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateSafe:
		return "Safe"
	case LiquidationStateInsolvent:
		return "Insolvent"
	case LiquidationStateOverleveraged:
		return "Overleveraged"
	default:
		return "Unknown"
	}
}

// DefaultMaxLeverageBps is 50x.
const DefaultMaxLeverageBps = 50 * fpmath.BasisPoints

// LiquidationParams are the schedule values the classifier reads.
type LiquidationParams struct {
	MarginFeeBps      uint64
	LiquidationFeeUsd *uint256.Int
	MaxLeverageBps    uint64
}

// ClassifyLiquidation decides whether a position must be force-closed, given its live
// PnL (hasProfit, delta). It returns the margin fee the liquidation would charge.
//
// The two force-close verdicts come from independent thresholds: collateral sufficiency
// after fees, then the leverage cap. A larger loss can therefore flip Overleveraged into
// Insolvent.
func ClassifyLiquidation(size, collateral *uint256.Int, hasProfit bool, delta *uint256.Int, p LiquidationParams) (LiquidationState, *uint256.Int) {
	marginFee := fpmath.ApplyBps(size, p.MarginFeeBps)

	if !hasProfit && collateral.Lt(delta) {
		return LiquidationStateInsolvent, marginFee
	}

	remaining := new(uint256.Int).Set(collateral)
	if !hasProfit {
		remaining.Sub(remaining, delta)
	}

	if remaining.Lt(marginFee) {
		return LiquidationStateInsolvent, remaining
	}

	withLiqFee := new(uint256.Int).Add(marginFee, p.LiquidationFeeUsd)
	if remaining.Lt(withLiqFee) {
		return LiquidationStateInsolvent, marginFee
	}

	lhs := fpmath.MulDiv(remaining, uint256.NewInt(p.MaxLeverageBps), uint256.NewInt(1))
	rhs := fpmath.MulDiv(size, fpmath.BasisPointsDivisor, uint256.NewInt(1))
	if lhs.Lt(rhs) {
		return LiquidationStateOverleveraged, marginFee
	}

	return LiquidationStateSafe, marginFee
}
