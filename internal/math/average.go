// internal/math/average.go
package math

import "github.com/holiman/uint256"

// Delta returns the unrealized PnL magnitude of size opened at avg and marked at price.
// hasProfit is price > avg for longs and price < avg for shorts.
func Delta(size, avg, price *uint256.Int, isLong bool) (bool, *uint256.Int) {
	if avg.IsZero() {
		return false, new(uint256.Int)
	}
	priceDelta, priceAbove := AbsDiff(price, avg)
	delta := MulDiv(size, priceDelta, avg)

	hasProfit := priceAbove
	if !isLong {
		hasProfit = avg.Gt(price)
	}
	return hasProfit, delta
}

// NextAveragePrice returns the average price after adding sizeDelta at price, chosen so the
// unrealized PnL of the existing size is carried over unchanged.
//
//	long:  divisor = hasProfit ? next + delta : next - delta
//	short: divisor = hasProfit ? next - delta : next + delta
func NextAveragePrice(size, avg, price, sizeDelta *uint256.Int, isLong bool) *uint256.Int {
	if size.IsZero() || avg.IsZero() {
		return new(uint256.Int).Set(price)
	}
	hasProfit, delta := Delta(size, avg, price, isLong)
	nextSize := new(uint256.Int).Add(size, sizeDelta)

	divisor := new(uint256.Int)
	if isLong == hasProfit {
		divisor.Add(nextSize, delta)
	} else {
		if delta.Gt(nextSize) {
			return new(uint256.Int).Set(price)
		}
		divisor.Sub(nextSize, delta)
	}
	if divisor.IsZero() {
		return new(uint256.Int).Set(price)
	}
	return MulDiv(price, nextSize, divisor)
}

// NextGlobalShortAveragePrice applies the short averaging rule to aggregate short interest.
func NextGlobalShortAveragePrice(size, avg, price, sizeDelta *uint256.Int) *uint256.Int {
	return NextAveragePrice(size, avg, price, sizeDelta, false)
}
