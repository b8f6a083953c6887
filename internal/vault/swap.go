package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/ledger"
	"fmt"

	"github.com/holiman/uint256"
)

// DepositToken credits tokens sent to the vault by an account. They sit in custody
// until the next operation on the token picks them up.
func (v *Vault) DepositToken(account, token string, amount *uint256.Int) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("deposit: %s: %w", token, ErrUnknownToken)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("deposit %s: %w", token, ErrInvalidAmount)
	}

	tx := v.begin("deposit")
	tx.deposit(token, account, amount)
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(amount)
	return r, nil
}

// BuyUSDG adds the pending deposit of token to the pool and mints USDG to the receiver,
// valued at the token's min price less the mint fee.
func (v *Vault) BuyUSDG(token, receiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx := v.begin("buy_usdg")
	minted, err := v.buyUSDG(tx, token, receiver)
	if err != nil {
		return nil, fmt.Errorf("buy usdg with %s: %w", token, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(minted)

	v.log.Debug().
		Str("token", token).
		Str("receiver", receiver).
		Str("minted", minted.Dec()).
		Str("fee", r.FeeAmount.Dec()).
		Msg("usdg bought")
	return r, nil
}

func (v *Vault) buyUSDG(tx *txn, token, receiver string) (*uint256.Int, error) {
	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	tokenAmount := tx.transferIn(token)
	if tokenAmount.IsZero() {
		return nil, ErrInvalidAmount
	}

	price, err := v.minPrice(token)
	if err != nil {
		return nil, err
	}

	usdgAmount, err := v.adjustForDecimals(fpmath.MulDiv(tokenAmount, price, fpmath.PricePrecision), token, v.usdgSymbol)
	if err != nil {
		return nil, err
	}
	if usdgAmount.IsZero() {
		return nil, ErrInvalidAmount
	}

	schedule := v.fees.Schedule()
	feeBps, err := tx.feeBasisPoints(token, usdgAmount, schedule.MintBurnFeeBps, schedule.TaxBps, true)
	if err != nil {
		return nil, err
	}
	afterFees, err := tx.collectSwapFees(token, tokenAmount, feeBps)
	if err != nil {
		return nil, err
	}

	mintAmount, err := v.adjustForDecimals(fpmath.MulDiv(afterFees, price, fpmath.PricePrecision), token, v.usdgSymbol)
	if err != nil {
		return nil, err
	}

	if err := tx.increaseUsdgAmount(token, mintAmount); err != nil {
		return nil, err
	}
	if err := tx.increasePoolAmount(token, afterFees); err != nil {
		return nil, err
	}
	tx.mintUSDG(receiver, mintAmount)

	return mintAmount, nil
}

// SellUSDG burns usdgAmount from the account and pays the redemption in token, valued
// at the token's max price less the burn fee.
func (v *Vault) SellUSDG(account, token string, usdgAmount *uint256.Int, receiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx := v.begin("sell_usdg")
	out, err := v.sellUSDG(tx, account, token, usdgAmount, receiver)
	if err != nil {
		return nil, fmt.Errorf("sell usdg for %s: %w", token, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(out)

	v.log.Debug().
		Str("token", token).
		Str("account", account).
		Str("burned", usdgAmount.Dec()).
		Str("amount_out", out.Dec()).
		Msg("usdg sold")
	return r, nil
}

func (v *Vault) sellUSDG(tx *txn, account, token string, usdgAmount *uint256.Int, receiver string) (*uint256.Int, error) {
	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	if usdgAmount.IsZero() {
		return nil, ErrInvalidAmount
	}

	redemption, err := v.redemptionAmount(token, usdgAmount)
	if err != nil {
		return nil, err
	}
	if redemption.IsZero() {
		return nil, ErrInvalidAmount
	}

	if err := tx.decreaseUsdgAmount(token, usdgAmount); err != nil {
		return nil, err
	}
	if err := tx.decreasePoolAmount(token, redemption); err != nil {
		return nil, err
	}
	tx.burnUSDG(account, usdgAmount)

	schedule := v.fees.Schedule()
	feeBps, err := tx.feeBasisPoints(token, usdgAmount, schedule.MintBurnFeeBps, schedule.TaxBps, false)
	if err != nil {
		return nil, err
	}
	amountOut, err := tx.collectSwapFees(token, redemption, feeBps)
	if err != nil {
		return nil, err
	}
	if amountOut.IsZero() {
		return nil, ErrInvalidAmount
	}

	if err := tx.transferOut(token, amountOut, receiver); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// redemptionAmount is usdgAmount valued at the token's max price, in token units.
func (v *Vault) redemptionAmount(token string, usdgAmount *uint256.Int) (*uint256.Int, error) {
	price, err := v.maxPrice(token)
	if err != nil {
		return nil, err
	}
	raw := fpmath.MulDiv(usdgAmount, fpmath.PricePrecision, price)
	return v.adjustForDecimals(raw, v.usdgSymbol, token)
}

// Swap exchanges the pending deposit of tokenIn for tokenOut. tokenIn is valued at its
// min price and tokenOut at its max price. USDG debt moves from tokenOut to tokenIn.
func (v *Vault) Swap(tokenIn, tokenOut, receiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx := v.begin("swap")
	out, err := v.swap(tx, tokenIn, tokenOut, receiver)
	if err != nil {
		return nil, fmt.Errorf("swap %s->%s: %w", tokenIn, tokenOut, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(out)

	v.log.Debug().
		Str("token_in", tokenIn).
		Str("token_out", tokenOut).
		Str("receiver", receiver).
		Str("amount_out", out.Dec()).
		Msg("swap")
	return r, nil
}

func (v *Vault) swap(tx *txn, tokenIn, tokenOut, receiver string) (*uint256.Int, error) {
	if !v.isSwapEnabled {
		return nil, ErrSwapsDisabled
	}
	cfgIn, err := v.registry.Get(tokenIn)
	if err != nil {
		return nil, err
	}
	cfgOut, err := v.registry.Get(tokenOut)
	if err != nil {
		return nil, err
	}
	if tokenIn == tokenOut {
		return nil, ErrSameToken
	}

	amountIn := tx.transferIn(tokenIn)
	if amountIn.IsZero() {
		return nil, ErrInvalidAmount
	}

	priceIn, err := v.minPrice(tokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := v.maxPrice(tokenOut)
	if err != nil {
		return nil, err
	}

	amountOut, err := v.adjustForDecimals(fpmath.MulDiv(amountIn, priceIn, priceOut), tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	usdgAmount, err := v.adjustForDecimals(fpmath.MulDiv(amountIn, priceIn, fpmath.PricePrecision), tokenIn, v.usdgSymbol)
	if err != nil {
		return nil, err
	}

	baseBps, taxBps := v.fees.SwapRates(cfgIn.IsStable, cfgOut.IsStable)
	feeIn, err := tx.feeBasisPoints(tokenIn, usdgAmount, baseBps, taxBps, true)
	if err != nil {
		return nil, err
	}
	feeOut, err := tx.feeBasisPoints(tokenOut, usdgAmount, baseBps, taxBps, false)
	if err != nil {
		return nil, err
	}
	feeBps := max(feeIn, feeOut)

	afterFees, err := tx.collectSwapFees(tokenOut, amountOut, feeBps)
	if err != nil {
		return nil, err
	}

	if err := tx.increaseUsdgAmount(tokenIn, usdgAmount); err != nil {
		return nil, err
	}
	if err := tx.decreaseUsdgAmount(tokenOut, usdgAmount); err != nil {
		return nil, err
	}
	if err := tx.increasePoolAmount(tokenIn, amountIn); err != nil {
		return nil, err
	}
	if err := tx.decreasePoolAmount(tokenOut, amountOut); err != nil {
		return nil, err
	}
	if err := tx.validateBufferAmount(tokenOut); err != nil {
		return nil, err
	}

	if err := tx.transferOut(tokenOut, afterFees, receiver); err != nil {
		return nil, err
	}
	return afterFees, nil
}

// DirectPoolDeposit adds the pending deposit of token to the pool without minting USDG.
func (v *Vault) DirectPoolDeposit(token string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("direct pool deposit: %s: %w", token, ErrUnknownToken)
	}
	tx := v.begin("direct_pool_deposit")
	amount := tx.transferIn(token)
	if amount.IsZero() {
		return nil, fmt.Errorf("direct pool deposit %s: %w", token, ErrInvalidAmount)
	}
	if err := tx.increasePoolAmount(token, amount); err != nil {
		return nil, fmt.Errorf("direct pool deposit %s: %w", token, err)
	}
	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(amount)
	return r, nil
}

// WithdrawFees pays the whole fee reserve of token to the receiver.
func (v *Vault) WithdrawFees(token, receiver string) (*Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx := v.begin("withdraw_fees")
	p, err := tx.pool(token)
	if err != nil {
		return nil, fmt.Errorf("withdraw fees: %w", err)
	}
	amount := new(uint256.Int).Set(&p.FeeReserve)
	if amount.IsZero() {
		return nil, fmt.Errorf("withdraw fees %s: %w", token, ErrInsufficientFeeReserve)
	}
	p.FeeReserve.Clear()
	tx.record(ledger.JournalTypeFeeWithdrawal,
		ledger.NewVaultAccountKey(ledger.SubTypeUnallocated, token),
		ledger.NewVaultAccountKey(ledger.SubTypeFees, token),
		amount)
	if err := tx.transferOut(token, amount, receiver); err != nil {
		return nil, fmt.Errorf("withdraw fees %s: %w", token, err)
	}

	r, err := tx.commit()
	if err != nil {
		return nil, err
	}
	r.AmountOut.Set(amount)

	v.log.Info().Str("token", token).Str("receiver", receiver).Str("amount", amount.Dec()).Msg("fees withdrawn")
	return r, nil
}
