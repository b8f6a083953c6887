package vault

import (
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

// GetAum returns the pool's assets under management in 1e30 USD. maximise selects the
// max price for every token, otherwise the min price.
//
// Stable pools count in full. Non-stable pools count their unreserved amount plus
// guaranteedUsd, so long PnL is already included. Global short losses are added and
// global short profits subtracted, flooring the result at zero.
func (v *Vault) GetAum(maximise bool) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.aum(maximise)
}

// GetAumInUsdg is GetAum scaled to 18-decimal USDG.
func (v *Vault) GetAumInUsdg(maximise bool) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	aum, err := v.aum(maximise)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(aum, fpmath.Pow10(fpmath.USDGDecimals), fpmath.PricePrecision), nil
}

func (v *Vault) aum(maximise bool) (*uint256.Int, error) {
	aum := new(uint256.Int)
	shortProfits := new(uint256.Int)

	for _, cfg := range v.registry.All() {
		var price *uint256.Int
		var err error
		if maximise {
			price, err = v.maxPrice(cfg.Token)
		} else {
			price, err = v.minPrice(cfg.Token)
		}
		if err != nil {
			return nil, err
		}

		pool := v.pools.Copy(cfg.Token)
		scale := fpmath.Pow10(cfg.Decimals)

		if cfg.IsStable {
			aum.Add(aum, fpmath.MulDiv(&pool.PoolAmount, price, scale))
			continue
		}

		short := v.shorts.Copy(cfg.Token)
		if !short.Size.IsZero() {
			hasProfit, delta := short.Delta(price)
			if hasProfit {
				shortProfits.Add(shortProfits, delta)
			} else {
				aum.Add(aum, delta)
			}
		}

		aum.Add(aum, &pool.GuaranteedUsd)
		aum.Add(aum, fpmath.MulDiv(pool.Available(), price, scale))
	}

	return fpmath.SubFloor(aum, shortProfits), nil
}
