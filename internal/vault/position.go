package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"fmt"

	"github.com/holiman/uint256"
)

// IncreasePosition opens or grows a position by sizeDelta (1e30 USD), adding the pending
// deposit of the collateral token as collateral. Longs must use the index token as
// collateral; shorts need a shortable, non-stable index.
func (v *Vault) IncreasePosition(account, collateralToken, indexToken string, sizeDelta *uint256.Int, isLong bool) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := state.PositionKey{Account: account, CollateralToken: collateralToken, IndexToken: indexToken, IsLong: isLong}
	tx := v.begin("increase_position")
	if err := v.increasePosition(tx, key, sizeDelta); err != nil {
		return nil, fmt.Errorf("increase %s: %w", key, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}

	p, _ := v.book.Get(key)
	v.log.Debug().
		Str("position", key.String()).
		Str("size_delta", sizeDelta.Dec()).
		Str("size", p.Size.Dec()).
		Str("collateral", p.Collateral.Dec()).
		Str("average_price", p.AveragePrice.Dec()).
		Msg("position increased")
	return r, nil
}

func (v *Vault) validateTokens(key state.PositionKey) error {
	collateral, err := v.registry.Get(key.CollateralToken)
	if err != nil {
		return err
	}
	index, err := v.registry.Get(key.IndexToken)
	if err != nil {
		return err
	}
	if key.IsLong {
		if key.CollateralToken != key.IndexToken || collateral.IsStable {
			return ErrInvalidTokenPair
		}
		return nil
	}
	if index.IsStable {
		return ErrInvalidTokenPair
	}
	if !index.IsShortable {
		return fmt.Errorf("%s: %w", key.IndexToken, ErrTokenNotShortable)
	}
	return nil
}

func (v *Vault) increasePosition(tx *txn, key state.PositionKey, sizeDelta *uint256.Int) error {
	if !v.isLeverageEnabled {
		return ErrLeverageDisabled
	}
	if err := v.validateTokens(key); err != nil {
		return err
	}

	pos := tx.position(key)
	if pos.Size.IsZero() && sizeDelta.IsZero() {
		return ErrEmptyIncrease
	}

	var price *uint256.Int
	var err error
	if key.IsLong {
		price, err = v.maxPrice(key.IndexToken)
	} else {
		price, err = v.minPrice(key.IndexToken)
	}
	if err != nil {
		return err
	}

	if pos.Size.IsZero() {
		pos.AveragePrice.Set(price)
	} else if !sizeDelta.IsZero() {
		pos.AveragePrice.Set(fpmath.NextAveragePrice(&pos.Size, &pos.AveragePrice, price, sizeDelta, key.IsLong))
	}

	fee := v.fees.PositionFee(sizeDelta)
	collateralDelta := tx.transferIn(key.CollateralToken)
	collateralUsd, err := v.tokenToUsdMin(key.CollateralToken, collateralDelta)
	if err != nil {
		return err
	}

	pos.Collateral.Add(&pos.Collateral, collateralUsd)
	if pos.Collateral.Lt(fee) {
		return fmt.Errorf("collateral %s below fee %s: %w", pos.Collateral.Dec(), fee.Dec(), ErrInsufficientCollateral)
	}
	pos.Collateral.Sub(&pos.Collateral, fee)
	if pos.Collateral.IsZero() {
		return ErrInsufficientCollateral
	}

	pos.EntryFundingRate.Clear()
	pos.Size.Add(&pos.Size, sizeDelta)
	pos.LastIncreasedTime = v.now()

	if err := validatePositionSize(pos); err != nil {
		return err
	}
	if err := v.validateSafe(pos); err != nil {
		return err
	}

	feeTokens, err := v.usdToTokenMin(key.CollateralToken, fee)
	if err != nil {
		return err
	}
	if err := tx.addFeeReserve(key.CollateralToken, feeTokens); err != nil {
		return err
	}

	reserveDelta, err := v.usdToTokenMax(key.CollateralToken, sizeDelta)
	if err != nil {
		return err
	}
	pos.ReserveAmount.Add(&pos.ReserveAmount, reserveDelta)
	if err := tx.increaseReservedAmount(key.CollateralToken, reserveDelta); err != nil {
		return err
	}

	if key.IsLong {
		// guaranteedUsd tracks size - collateral, so sizeDelta + fee in, collateral added out.
		if err := tx.increaseGuaranteedUsd(key.CollateralToken, new(uint256.Int).Add(sizeDelta, fee)); err != nil {
			return err
		}
		if err := tx.decreaseGuaranteedUsd(key.CollateralToken, collateralUsd); err != nil {
			return err
		}
		if err := tx.increasePoolAmount(key.CollateralToken, collateralDelta); err != nil {
			return err
		}
		return tx.decreasePoolAmount(key.CollateralToken, feeTokens)
	}

	return tx.increaseGlobalShort(key.IndexToken, price, sizeDelta)
}

// DecreasePosition shrinks a position by sizeDelta and withdraws collateralDelta (both
// 1e30 USD). Realised profit, withdrawn collateral and, on a full close, the remaining
// collateral are paid to the receiver in the collateral token, net of the margin fee.
func (v *Vault) DecreasePosition(account, collateralToken, indexToken string, collateralDelta, sizeDelta *uint256.Int, isLong bool, receiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := state.PositionKey{Account: account, CollateralToken: collateralToken, IndexToken: indexToken, IsLong: isLong}
	tx := v.begin("decrease_position")
	out, err := v.decreasePosition(tx, key, collateralDelta, sizeDelta, receiver)
	if err != nil {
		return nil, fmt.Errorf("decrease %s: %w", key, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(out)

	v.log.Debug().
		Str("position", key.String()).
		Str("size_delta", sizeDelta.Dec()).
		Str("collateral_delta", collateralDelta.Dec()).
		Str("amount_out", out.Dec()).
		Msg("position decreased")
	return r, nil
}

func (v *Vault) decreasePosition(tx *txn, key state.PositionKey, collateralDelta, sizeDelta *uint256.Int, receiver string) (*uint256.Int, error) {
	pos := tx.position(key)
	if pos.Size.IsZero() {
		return nil, ErrEmptyPosition
	}
	if pos.Size.Lt(sizeDelta) {
		return nil, fmt.Errorf("size delta %s above size %s: %w", sizeDelta.Dec(), pos.Size.Dec(), ErrInvalidDecreaseSize)
	}
	if pos.Collateral.Lt(collateralDelta) {
		return nil, fmt.Errorf("collateral delta %s above collateral %s: %w", collateralDelta.Dec(), pos.Collateral.Dec(), ErrInvalidDecreaseSize)
	}

	collateralBefore := new(uint256.Int).Set(&pos.Collateral)

	reserveDelta := fpmath.MulDiv(&pos.ReserveAmount, sizeDelta, &pos.Size)
	pos.ReserveAmount.Sub(&pos.ReserveAmount, reserveDelta)
	if err := tx.decreaseReservedAmount(key.CollateralToken, reserveDelta); err != nil {
		return nil, err
	}

	usdOut, usdOutAfterFee, err := v.reduceCollateral(tx, pos, collateralDelta, sizeDelta)
	if err != nil {
		return nil, err
	}

	if !pos.Size.Eq(sizeDelta) {
		pos.EntryFundingRate.Clear()
		pos.Size.Sub(&pos.Size, sizeDelta)

		if err := validatePositionSize(pos); err != nil {
			return nil, err
		}
		if err := v.validateSafe(pos); err != nil {
			return nil, err
		}

		if key.IsLong {
			if err := tx.increaseGuaranteedUsd(key.CollateralToken, new(uint256.Int).Sub(collateralBefore, &pos.Collateral)); err != nil {
				return nil, err
			}
			if err := tx.decreaseGuaranteedUsd(key.CollateralToken, sizeDelta); err != nil {
				return nil, err
			}
		}
	} else {
		if key.IsLong {
			if err := tx.increaseGuaranteedUsd(key.CollateralToken, collateralBefore); err != nil {
				return nil, err
			}
			if err := tx.decreaseGuaranteedUsd(key.CollateralToken, sizeDelta); err != nil {
				return nil, err
			}
		}
		tx.deletePosition(key)
	}

	if !key.IsLong {
		tx.decreaseGlobalShort(key.IndexToken, sizeDelta)
	}

	if usdOut.IsZero() {
		return new(uint256.Int), nil
	}

	if key.IsLong {
		amount, err := v.usdToTokenMin(key.CollateralToken, usdOut)
		if err != nil {
			return nil, err
		}
		if err := tx.decreasePoolAmount(key.CollateralToken, amount); err != nil {
			return nil, err
		}
	}
	amountOut, err := v.usdToTokenMin(key.CollateralToken, usdOutAfterFee)
	if err != nil {
		return nil, err
	}
	if err := tx.transferOut(key.CollateralToken, amountOut, receiver); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// reduceCollateral charges the margin fee, realises PnL pro rata to sizeDelta and
// computes the USD owed to the receiver before and after the fee.
//
// Short PnL settles against the collateral token pool immediately. Long PnL is already
// inside guaranteedUsd and leaves the pool when usdOut is paid.
func (v *Vault) reduceCollateral(tx *txn, pos *state.Position, collateralDelta, sizeDelta *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	key := pos.Key

	fee := v.fees.PositionFee(sizeDelta)
	feeTokens, err := v.usdToTokenMin(key.CollateralToken, fee)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.addFeeReserve(key.CollateralToken, feeTokens); err != nil {
		return nil, nil, err
	}

	hasProfit, delta, err := v.positionDelta(key.IndexToken, &pos.Size, &pos.AveragePrice, key.IsLong, pos.LastIncreasedTime)
	if err != nil {
		return nil, nil, err
	}
	adjustedDelta := fpmath.MulDiv(sizeDelta, delta, &pos.Size)

	usdOut := new(uint256.Int)
	if !adjustedDelta.IsZero() {
		tokens, err := v.usdToTokenMin(key.CollateralToken, adjustedDelta)
		if err != nil {
			return nil, nil, err
		}
		if hasProfit {
			usdOut.Set(adjustedDelta)
			pos.RealisedPnl.Add(&pos.RealisedPnl, adjustedDelta)
			if !key.IsLong {
				if err := tx.decreasePoolAmount(key.CollateralToken, tokens); err != nil {
					return nil, nil, err
				}
			}
		} else {
			if pos.Collateral.Lt(adjustedDelta) {
				return nil, nil, fmt.Errorf("loss %s above collateral %s: %w", adjustedDelta.Dec(), pos.Collateral.Dec(), ErrInsufficientCollateral)
			}
			pos.Collateral.Sub(&pos.Collateral, adjustedDelta)
			pos.RealisedPnl.Sub(&pos.RealisedPnl, adjustedDelta)
			if !key.IsLong {
				if err := tx.increasePoolAmount(key.CollateralToken, tokens); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	if !collateralDelta.IsZero() {
		if pos.Collateral.Lt(collateralDelta) {
			return nil, nil, fmt.Errorf("collateral delta %s above collateral %s after loss: %w", collateralDelta.Dec(), pos.Collateral.Dec(), ErrInsufficientCollateral)
		}
		usdOut.Add(usdOut, collateralDelta)
		pos.Collateral.Sub(&pos.Collateral, collateralDelta)
	}

	if pos.Size.Eq(sizeDelta) {
		usdOut.Add(usdOut, &pos.Collateral)
		pos.Collateral.Clear()
	}

	usdOutAfterFee := new(uint256.Int).Set(usdOut)
	if usdOut.Gt(fee) {
		usdOutAfterFee.Sub(usdOut, fee)
	} else {
		if pos.Collateral.Lt(fee) {
			return nil, nil, fmt.Errorf("collateral %s below fee %s: %w", pos.Collateral.Dec(), fee.Dec(), ErrInsufficientCollateral)
		}
		pos.Collateral.Sub(&pos.Collateral, fee)
		if key.IsLong {
			if err := tx.decreasePoolAmount(key.CollateralToken, feeTokens); err != nil {
				return nil, nil, err
			}
		}
	}

	return usdOut, usdOutAfterFee, nil
}
