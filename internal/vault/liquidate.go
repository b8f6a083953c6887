package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"fmt"

	"github.com/holiman/uint256"
)

// LiquidatePosition force-closes a position the classifier flags.
//
// An overleveraged position is closed like a full decrease, paying the remainder to its
// owner. An insolvent position's collateral is absorbed by the pool after the margin
// fee, and the fee receiver is paid up to the fixed liquidation fee from the pool.
func (v *Vault) LiquidatePosition(account, collateralToken, indexToken string, isLong bool, feeReceiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := state.PositionKey{Account: account, CollateralToken: collateralToken, IndexToken: indexToken, IsLong: isLong}
	tx := v.begin("liquidate_position")
	st, out, err := v.liquidatePosition(tx, key, feeReceiver)
	if err != nil {
		return nil, fmt.Errorf("liquidate %s: %w", key, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.LiquidationState = st
	r.AmountOut.Set(out)

	v.log.Info().
		Str("position", key.String()).
		Str("state", st.String()).
		Str("fee_receiver", feeReceiver).
		Str("amount_out", out.Dec()).
		Msg("position liquidated")
	return r, nil
}

func (v *Vault) liquidatePosition(tx *txn, key state.PositionKey, feeReceiver string) (state.LiquidationState, *uint256.Int, error) {
	pos := tx.position(key)
	if pos.Size.IsZero() {
		return state.LiquidationStateSafe, nil, ErrPositionNotFound
	}

	st, marginFee, err := v.classify(pos)
	if err != nil {
		return st, nil, err
	}

	switch st {
	case state.LiquidationStateSafe:
		return st, nil, ErrNotLiquidatable

	case state.LiquidationStateOverleveraged:
		size := new(uint256.Int).Set(&pos.Size)
		out, err := v.decreasePosition(tx, key, new(uint256.Int), size, key.Account)
		if err != nil {
			return st, nil, err
		}
		return st, out, nil
	}

	feeUsd := fpmath.Min(marginFee, &pos.Collateral)
	feeTokens, err := v.usdToTokenMin(key.CollateralToken, feeUsd)
	if err != nil {
		return st, nil, err
	}
	if err := tx.addFeeReserve(key.CollateralToken, feeTokens); err != nil {
		return st, nil, err
	}

	if err := tx.decreaseReservedAmount(key.CollateralToken, &pos.ReserveAmount); err != nil {
		return st, nil, err
	}

	remaining := new(uint256.Int).Sub(&pos.Collateral, feeUsd)

	if key.IsLong {
		if err := tx.decreaseGuaranteedUsd(key.CollateralToken, new(uint256.Int).Sub(&pos.Size, &pos.Collateral)); err != nil {
			return st, nil, err
		}
		if err := tx.decreasePoolAmount(key.CollateralToken, feeTokens); err != nil {
			return st, nil, err
		}
	} else {
		if !remaining.IsZero() {
			tokens, err := v.usdToTokenMin(key.CollateralToken, remaining)
			if err != nil {
				return st, nil, err
			}
			if err := tx.increasePoolAmount(key.CollateralToken, tokens); err != nil {
				return st, nil, err
			}
		}
		tx.decreaseGlobalShort(key.IndexToken, &pos.Size)
	}

	tx.deletePosition(key)

	payoutUsd := fpmath.Min(remaining, v.fees.LiquidationFeeUsd())
	payout, err := v.usdToTokenMin(key.CollateralToken, payoutUsd)
	if err != nil {
		return st, nil, err
	}
	if err := tx.decreasePoolAmount(key.CollateralToken, payout); err != nil {
		return st, nil, err
	}
	if err := tx.transferOut(key.CollateralToken, payout, feeReceiver); err != nil {
		return st, nil, err
	}
	return st, payout, nil
}
