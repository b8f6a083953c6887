package vault

import (
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"errors"
)

// Rejections. Every one leaves vault state untouched.
var (
	ErrPriceUnavailable          = oracle.ErrPriceUnavailable
	ErrUnknownToken              = state.ErrUnknownToken
	ErrEmptyPosition             = errors.New("empty position")
	ErrPositionNotFound          = ErrEmptyPosition
	ErrInsufficientCollateral    = errors.New("insufficient collateral")
	ErrInsufficientPoolLiquidity = errors.New("insufficient pool liquidity")
	ErrInvalidDecreaseSize       = errors.New("invalid decrease size")
	ErrNotLiquidatable           = errors.New("position not liquidatable")
	ErrMaxUsdgExceeded           = errors.New("max usdg amount exceeded")
	ErrEmptyIncrease             = errors.New("empty increase")

	ErrInvalidAmount          = errors.New("invalid amount")
	ErrSameToken              = errors.New("token in and token out are the same")
	ErrSwapsDisabled          = errors.New("swaps disabled")
	ErrLeverageDisabled       = errors.New("leverage disabled")
	ErrPoolBelowBuffer        = errors.New("pool amount below buffer")
	ErrTokenNotShortable      = errors.New("token not shortable")
	ErrMaxShortsExceeded      = errors.New("max global shorts exceeded")
	ErrInvalidTokenPair       = errors.New("invalid collateral/index pair")
	ErrMaxLeverageExceeded    = errors.New("max leverage exceeded")
	ErrSizeBelowCollateral    = errors.New("size must exceed collateral")
	ErrInsufficientCustody    = errors.New("pool would exceed custody balance")
	ErrInsufficientFeeReserve = errors.New("no fees to withdraw")
	ErrTokenInUse             = errors.New("token still holds pool or usdg balance")
	ErrInvalidConfig          = errors.New("invalid vault config")
)
