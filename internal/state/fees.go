package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// MaxFeeBps caps every configurable fee rate.
	MaxFeeBps = 500
)

// MaxLiquidationFeeUsd caps the fixed liquidation fee.
var MaxLiquidationFeeUsd = fpmath.USD("100")

// FeeSchedule is the configurable fee table.
type FeeSchedule struct {
	TaxBps            uint64
	StableTaxBps      uint64
	MintBurnFeeBps    uint64
	SwapFeeBps        uint64
	StableSwapFeeBps  uint64
	MarginFeeBps      uint64
	LiquidationFeeUsd uint256.Int
	MinProfitTime     int64 // seconds
	HasDynamicFees    bool
}

// DefaultFeeSchedule mirrors the launch parameters of the pool.
func DefaultFeeSchedule() FeeSchedule {
	s := FeeSchedule{
		TaxBps:           50,
		StableTaxBps:     20,
		MintBurnFeeBps:   30,
		SwapFeeBps:       30,
		StableSwapFeeBps: 4,
		MarginFeeBps:     10,
	}
	s.LiquidationFeeUsd.Set(fpmath.USD("5"))
	return s
}

// ValidateFeeSchedule checks every rate against MaxFeeBps.
func ValidateFeeSchedule(s *FeeSchedule) error {
	rates := []struct {
		name string
		v    uint64
	}{
		{"tax_bps", s.TaxBps},
		{"stable_tax_bps", s.StableTaxBps},
		{"mint_burn_fee_bps", s.MintBurnFeeBps},
		{"swap_fee_bps", s.SwapFeeBps},
		{"stable_swap_fee_bps", s.StableSwapFeeBps},
		{"margin_fee_bps", s.MarginFeeBps},
	}
	for _, r := range rates {
		if r.v > MaxFeeBps {
			return fmt.Errorf("%s must be <= %d, got %d", r.name, MaxFeeBps, r.v)
		}
	}
	if s.LiquidationFeeUsd.Gt(MaxLiquidationFeeUsd) {
		return fmt.Errorf("liquidation_fee_usd must be <= 100 USD")
	}
	if s.MinProfitTime < 0 {
		return fmt.Errorf("min_profit_time must be >= 0, got %d", s.MinProfitTime)
	}
	return nil
}

// FeeEngine computes mint/burn/swap and position fees from the current schedule.
type FeeEngine struct {
	schedule FeeSchedule
}

func NewFeeEngine(s FeeSchedule) (*FeeEngine, error) {
	if err := ValidateFeeSchedule(&s); err != nil {
		return nil, err
	}
	return &FeeEngine{schedule: s}, nil
}

func (f *FeeEngine) Schedule() FeeSchedule {
	return f.schedule
}

func (f *FeeEngine) SetSchedule(s FeeSchedule) error {
	if err := ValidateFeeSchedule(&s); err != nil {
		return fmt.Errorf("invalid fee schedule: %w", err)
	}
	f.schedule = s
	return nil
}

// PositionFee is sizeDelta * marginFeeBps / 10000.
func (f *FeeEngine) PositionFee(sizeDelta *uint256.Int) *uint256.Int {
	return fpmath.ApplyBps(sizeDelta, f.schedule.MarginFeeBps)
}

// LiquidationFeeUsd returns a copy of the fixed liquidation fee.
func (f *FeeEngine) LiquidationFeeUsd() *uint256.Int {
	return new(uint256.Int).Set(&f.schedule.LiquidationFeeUsd)
}

// SwapRates picks the base fee and tax for a swap; stable-to-stable swaps use the stable rates.
func (f *FeeEngine) SwapRates(inStable, outStable bool) (feeBps, taxBps uint64) {
	if inStable && outStable {
		return f.schedule.StableSwapFeeBps, f.schedule.StableTaxBps
	}
	return f.schedule.SwapFeeBps, f.schedule.TaxBps
}

// FeeBasisPoints applies the dynamic ramp to a base fee.
//
// A trade that moves the token's USDG debt toward its target gets a rebate proportional
// to the current imbalance. Any other trade pays a tax proportional to the average
// imbalance across the trade, capped at the target.
func (f *FeeEngine) FeeBasisPoints(initialUsdg, usdgDelta, targetUsdg *uint256.Int, feeBps, taxBps uint64, increment bool) uint64 {
	if !f.schedule.HasDynamicFees || targetUsdg.IsZero() {
		return feeBps
	}

	next := new(uint256.Int)
	if increment {
		next.Add(initialUsdg, usdgDelta)
	} else {
		next = fpmath.SubFloor(initialUsdg, usdgDelta)
	}

	initialDiff, _ := fpmath.AbsDiff(initialUsdg, targetUsdg)
	nextDiff, _ := fpmath.AbsDiff(next, targetUsdg)
	tax := uint256.NewInt(taxBps)

	if nextDiff.Lt(initialDiff) {
		rebate := fpmath.MulDiv(tax, initialDiff, targetUsdg)
		if rebate.Gt(uint256.NewInt(feeBps)) {
			return 0
		}
		return feeBps - rebate.Uint64()
	}

	avgDiff := new(uint256.Int).Add(initialDiff, nextDiff)
	avgDiff.Rsh(avgDiff, 1)
	if avgDiff.Gt(targetUsdg) {
		avgDiff.Set(targetUsdg)
	}
	taxed := fpmath.MulDiv(tax, avgDiff, targetUsdg)
	return feeBps + taxed.Uint64()
}
