package vault

import (
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"fmt"

	"github.com/holiman/uint256"
)

// UtilisationPrecision scales GetUtilisation; 1e6 is fully reserved.
const UtilisationPrecision = 1_000_000

// GetPosition returns a copy of the position in the slot, if any.
func (v *Vault) GetPosition(key state.PositionKey) (state.Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.Get(key)
}

// Positions returns copies of every open position, sorted by key.
func (v *Vault) Positions() []state.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.All()
}

// PositionsByIndexToken returns open positions on one index token.
func (v *Vault) PositionsByIndexToken(indexToken string) []state.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.ByIndexToken(indexToken)
}

// PositionsByAccount returns the account's open positions.
func (v *Vault) PositionsByAccount(account string) []state.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.book.ByAccount(account)
}

// GetPositionDelta returns the position's PnL at the current price, after the
// min-profit rule.
func (v *Vault) GetPositionDelta(key state.PositionKey) (bool, *uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	p, ok := v.book.Get(key)
	if !ok {
		return false, nil, fmt.Errorf("%s: %w", key, ErrPositionNotFound)
	}
	return v.positionDelta(key.IndexToken, &p.Size, &p.AveragePrice, key.IsLong, p.LastIncreasedTime)
}

// ValidateLiquidation classifies the position at current prices and returns the margin
// fee a liquidation would charge.
func (v *Vault) ValidateLiquidation(key state.PositionKey) (state.LiquidationState, *uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	p, ok := v.book.Get(key)
	if !ok {
		return state.LiquidationStateSafe, nil, fmt.Errorf("%s: %w", key, ErrPositionNotFound)
	}
	return v.classify(&p)
}

// Classify has the state.PositionClassifier shape, for keeper scans.
func (v *Vault) Classify(p state.Position) (state.LiquidationState, *uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.classify(&p)
}

// GetPositionLeverage returns size / collateral in basis points.
func (v *Vault) GetPositionLeverage(key state.PositionKey) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	p, ok := v.book.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrPositionNotFound)
	}
	if p.Collateral.IsZero() {
		return nil, fmt.Errorf("%s: %w", key, ErrInsufficientCollateral)
	}
	return fpmath.MulDiv(&p.Size, fpmath.BasisPointsDivisor, &p.Collateral), nil
}

// GetRedemptionAmount returns the token amount usdgAmount redeems for, before fees.
func (v *Vault) GetRedemptionAmount(token string, usdgAmount *uint256.Int) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return v.redemptionAmount(token, usdgAmount)
}

// GetTargetUsdgAmount returns the token's weighted share of total USDG debt.
func (v *Vault) GetTargetUsdgAmount(token string) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.begin("view").targetUsdgAmount(token)
}

// GetFeeBasisPoints previews the dynamic fee for moving usdgDelta of the token's debt.
func (v *Vault) GetFeeBasisPoints(token string, usdgDelta *uint256.Int, feeBps, taxBps uint64, increment bool) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.begin("view").feeBasisPoints(token, usdgDelta, feeBps, taxBps, increment)
}

// GetUtilisation returns reserved / pool scaled by UtilisationPrecision.
func (v *Vault) GetUtilisation(token string) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.registry.IsWhitelisted(token) {
		return nil, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	p := v.pools.Copy(token)
	if p.PoolAmount.IsZero() {
		return new(uint256.Int), nil
	}
	return fpmath.MulDiv(&p.ReservedAmount, uint256.NewInt(UtilisationPrecision), &p.PoolAmount), nil
}

// GetGlobalShortDelta returns aggregate short PnL on an index token at its max price,
// from the shorts' view.
func (v *Vault) GetGlobalShortDelta(indexToken string) (bool, *uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	g := v.shorts.Copy(indexToken)
	if g.Size.IsZero() {
		return false, new(uint256.Int), nil
	}
	price, err := v.maxPrice(indexToken)
	if err != nil {
		return false, nil, err
	}
	hasProfit, delta := g.Delta(price)
	return hasProfit, delta, nil
}

// Pool returns a copy of a whitelisted token's pool entry.
func (v *Vault) Pool(token string) (state.PoolEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.registry.IsWhitelisted(token) {
		return state.PoolEntry{}, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return v.pools.Copy(token), nil
}

// Pools returns copies of every pool entry, including delisted tokens with fees left.
func (v *Vault) Pools() []state.PoolEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sortedPools()
}

// GlobalShort returns a copy of the aggregate short on an index token.
func (v *Vault) GlobalShort(indexToken string) state.GlobalShort {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shorts.Copy(indexToken)
}

// GlobalShorts returns every aggregate short entry.
func (v *Vault) GlobalShorts() []state.GlobalShort {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shorts.All()
}

// CustodyOf returns the custody entry of a token.
func (v *Vault) CustodyOf(token string) CustodyEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.custody.Copy(token)
}

// TokenToUsdMin values amount of token at its min price.
func (v *Vault) TokenToUsdMin(token string, amount *uint256.Int) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tokenToUsdMin(token, amount)
}

// UsdToTokenMin converts usd to token at the max price.
func (v *Vault) UsdToTokenMin(token string, usd *uint256.Int) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMin(token, usd)
}

// UsdToTokenMax converts usd to token at the min price.
func (v *Vault) UsdToTokenMax(token string, usd *uint256.Int) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMax(token, usd)
}

// Digest concatenates the canonical bytes of the touched entries in a stable order.
func (v *Vault) Digest(t Touched) []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()

	buf := make([]byte, 0, 256)
	for _, token := range t.Tokens {
		p := v.pools.Copy(token)
		buf = append(buf, p.CanonicalBytes()...)
		c := v.custody.Copy(token)
		b := c.Balance.Bytes32()
		buf = append(buf, b[:]...)
		r := c.Recorded.Bytes32()
		buf = append(buf, r[:]...)
	}
	for _, key := range t.Positions {
		p, ok := v.book.Get(key)
		if !ok {
			p = state.Position{Key: key}
		}
		buf = append(buf, p.CanonicalBytes()...)
	}
	for _, index := range t.IndexTokens {
		g := v.shorts.Copy(index)
		buf = append(buf, g.CanonicalBytes()...)
	}
	return buf
}
